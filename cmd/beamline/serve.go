package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/samcharles93/beamline/internal/api"
	"github.com/samcharles93/beamline/internal/decode"
	"github.com/samcharles93/beamline/internal/toy"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		rateBurst   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the decode REST API",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "sustained requests per second (0 = unlimited)",
				Value:       10,
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "burst size for the rate limiter",
				Value:       20,
				Destination: &rateBurst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyServeConfig(cmd, cfg, &addr, &rateLimit)
			log := newLogger()

			model := toy.New(int(vocabSize), int(hiddenSize), modelSeed)
			service := api.NewDecodeService("toy", model, api.Defaults{
				Strategy:    decode.StrategyBeam,
				EndToken:    0,
				MaxSteps:    50,
				BeamSize:    10,
				Temperature: 0.8,
				TopK:        40,
				TopP:        0.95,
				MinP:        0.05,
			})
			server := api.NewServer(service)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			if rateLimit > 0 {
				e.Use(api.RateLimit(rate.Limit(rateLimit), int(rateBurst)))
			}
			server.Register(e)

			log.Info("starting server", "address", addr, "vocab", vocabSize, "hidden", hiddenSize)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
