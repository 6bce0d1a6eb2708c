package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/beamline/internal/logger"
)

var (
	vocabSize  int64
	hiddenSize int64
	modelSeed  int64
	logLevel   string
	logFormat  string
)

// commonModelFlags configure the built-in toy model that backs both the
// decode and serve commands.
func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "toy model vocabulary size",
			Value:       64,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "toy model hidden size",
			Value:       32,
			Destination: &hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "seed for the toy model weights",
			Value:       1,
			Destination: &modelSeed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, text, json)",
			Value:       "auto",
			Destination: &logFormat,
		},
	}
}

// newLogger builds the process logger from the logging flags. The auto
// format picks text when stderr is a terminal and JSON otherwise.
func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	format := logFormat
	if format == "auto" {
		if stderrIsTTY() {
			format = "text"
		} else {
			format = "json"
		}
	}
	switch format {
	case "json":
		return logger.JSON(os.Stderr, level)
	default:
		return logger.Text(os.Stderr, level)
	}
}
