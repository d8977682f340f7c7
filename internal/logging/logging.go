package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is text or json. Empty means text.
	Format string
	// Quiet raises the level to error. Verbose lowers it to debug. Quiet wins if both are set.
	Quiet   bool
	Verbose bool
	// Output defaults to stderr.
	Output io.Writer
}

func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q, must be one of [debug,info,warn,error]", s)
	}
	return l, nil
}

// New builds the process logger. Text output uses zap's console encoder, json its production encoder.
func New(opts Options) (*zap.SugaredLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.Quiet:
		level = zapcore.ErrorLevel
	case opts.Verbose:
		level = zapcore.DebugLevel
	}

	var enc zapcore.Encoder
	switch opts.Format {
	case "", FormatText:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	case FormatJSON:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, fmt.Errorf("unknown log format %q, must be one of [text,json]", opts.Format)
	}

	var out io.Writer = os.Stderr
	if opts.Output != nil {
		out = opts.Output
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), level)
	opt := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if level == zapcore.DebugLevel {
		opt = append(opt, zap.AddCaller())
	}
	return zap.New(core, opt...).Sugar(), nil
}
