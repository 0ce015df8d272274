// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options configures New.
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// New returns an hclog.Logger. Unknown levels fall back to info; "off"
// silences the logger. Output defaults to stderr so stdout stays clean for
// command results.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	name := opts.Name
	if name == "" {
		name = "feedstate"
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:              name,
		Level:             level,
		Output:            out,
		JSONFormat:        opts.JSON,
		IndependentLevels: true,
	})
}
