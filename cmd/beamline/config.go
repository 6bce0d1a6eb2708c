package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the beamline configuration file
// (~/.config/beamline/config.yaml). Fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	// Model
	Vocab     *int64 `yaml:"vocab"`
	Hidden    *int64 `yaml:"hidden"`
	ModelSeed *int64 `yaml:"model_seed"`

	// Decoding defaults
	Strategy        string   `yaml:"strategy"`
	BeamSize        *int64   `yaml:"beam_size"`
	PerNodeBeamSize *int64   `yaml:"per_node_beam_size"`
	MaxSteps        *int64   `yaml:"max_steps"`
	EndToken        *int64   `yaml:"end_token"`
	Temperature     *float64 `yaml:"temperature"`
	TopK            *int64   `yaml:"top_k"`
	TopP            *float64 `yaml:"top_p"`
	MinP            *float64 `yaml:"min_p"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "beamline", "config.yaml")
}

// applyDecodeConfig applies config file defaults to decode command variables
// when the corresponding CLI flag was not explicitly set.
func applyDecodeConfig(c *cli.Command, cfg Config,
	beamSize, perNodeBeamSize, maxSteps, endToken *int64, strategy *string,
	temp *float64, topK *int64, topP, minP *float64,
) {
	applyModelConfig(c, cfg)
	applyLoggingConfig(c, cfg)
	if cfg.Strategy != "" && !c.IsSet("strategy") {
		*strategy = cfg.Strategy
	}
	if cfg.BeamSize != nil && !c.IsSet("beam-size") && !c.IsSet("beam_size") {
		*beamSize = *cfg.BeamSize
	}
	if cfg.PerNodeBeamSize != nil && !c.IsSet("per-node-beam-size") && !c.IsSet("per_node_beam_size") {
		*perNodeBeamSize = *cfg.PerNodeBeamSize
	}
	if cfg.MaxSteps != nil && !c.IsSet("max-steps") {
		*maxSteps = *cfg.MaxSteps
	}
	if cfg.EndToken != nil && !c.IsSet("end-token") {
		*endToken = *cfg.EndToken
	}
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") && !c.IsSet("top_k") && !c.IsSet("topk") {
		*topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") && !c.IsSet("top_p") && !c.IsSet("topp") {
		*topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") && !c.IsSet("min_p") && !c.IsSet("minp") {
		*minP = *cfg.MinP
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64) {
	applyModelConfig(c, cfg)
	applyLoggingConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
}

func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Vocab != nil && !c.IsSet("vocab") {
		vocabSize = *cfg.Vocab
	}
	if cfg.Hidden != nil && !c.IsSet("hidden") {
		hiddenSize = *cfg.Hidden
	}
	if cfg.ModelSeed != nil && !c.IsSet("model-seed") {
		modelSeed = *cfg.ModelSeed
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	return parseConfig(data)
}

func parseConfig(data []byte) Config {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
