package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/beamline/internal/version"
	"github.com/samcharles93/beamline/pkg/beam"
)

type Server struct {
	service *DecodeService
	clock   func() time.Time
}

func NewServer(service *DecodeService) *Server {
	return &Server{
		service: service,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/decode", s.handleDecode)
	e.GET("/v1/version", s.handleVersion)
	e.GET("/healthz", s.handleHealth)
}

// RateLimit rejects requests beyond the given sustained rate and burst with
// HTTP 429. One process-wide limiter guards the decode loop, which is CPU
// bound and synchronous.
func RateLimit(limit rate.Limit, burst int) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(limit, burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "")
			}
			return next(c)
		}
	}
}

func (s *Server) handleDecode(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "decode service not configured", "", "")
	}
	req, err := decodeJSON[DecodeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	start := s.clock()
	out, strategy, err := s.service.Decode(c.Request().Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			return writeBadRequest(c, err.Error())
		case errors.Is(err, beam.ErrVocabTooSmall):
			return writeBadRequest(c, err.Error())
		default:
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
		}
	}

	resp := DecodeResponse{
		ID:         "dec_" + uuid.NewString(),
		Object:     "decode",
		CreatedAt:  start.Unix(),
		Model:      s.service.ModelName,
		Strategy:   string(strategy),
		StepsTaken: out.Stats.StepsTaken,
		DurationMS: out.Stats.Duration.Milliseconds(),
		Sequences:  make([][]Sequence, len(out.Sequences)),
	}
	for b, beams := range out.Sequences {
		resp.Sequences[b] = make([]Sequence, len(beams))
		for k, tokens := range beams {
			resp.Sequences[b][k] = Sequence{
				Tokens:  tokens,
				LogProb: out.LogProbs[b][k],
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
