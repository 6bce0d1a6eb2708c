package api

// DecodeRequest is the body of POST /v1/decode. Optional fields are
// pointers so the handler can tell "not set" from zero values and fall back
// to the service defaults.
type DecodeRequest struct {
	StartTokens []int  `json:"start_tokens"`
	Strategy    string `json:"strategy,omitempty"`

	BeamSize        *int `json:"beam_size,omitempty"`
	PerNodeBeamSize *int `json:"per_node_beam_size,omitempty"`
	MaxSteps        *int `json:"max_steps,omitempty"`
	EndToken        *int `json:"end_token,omitempty"`

	// Sampling controls, used by the "sample" strategy only.
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MinP        *float64 `json:"min_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// Sequence is one decoded hypothesis with its cumulative log-probability.
type Sequence struct {
	Tokens  []int   `json:"tokens"`
	LogProb float32 `json:"log_prob"`
}

// DecodeResponse is the body returned by POST /v1/decode. Sequences has one
// entry per batch element, each holding the beams best-first.
type DecodeResponse struct {
	ID         string       `json:"id"`
	Object     string       `json:"object"`
	CreatedAt  int64        `json:"created_at"`
	Model      string       `json:"model"`
	Strategy   string       `json:"strategy"`
	StepsTaken int          `json:"steps_taken"`
	DurationMS int64        `json:"duration_ms"`
	Sequences  [][]Sequence `json:"sequences"`
}

// ResponseError is the error payload nested under the "error" key.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
