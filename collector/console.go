package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/guseggert/devtrace/cdp"
)

var consoleLevels = map[string]int{
	"verbose": 0,
	"debug":   0,
	"log":     1,
	"info":    2,
	"warn":    3,
	"warning": 3,
	"error":   4,
}

// ValidConsoleLevel reports whether level can be used as a minimum level.
func ValidConsoleLevel(level string) bool {
	_, ok := consoleLevels[strings.ToLower(level)]
	return ok
}

type ConsoleOptions struct {
	// MinLevel drops messages below it. Empty records everything.
	MinLevel string
}

type ConsoleRecord struct {
	Timestamp float64 `json:"timestamp"`
	Level     string  `json:"level"`
	Text      string  `json:"text"`
	URL       string  `json:"url"`
	Line      int     `json:"line"`
	Source    string  `json:"source,omitempty"`
}

// Console records console messages.
type Console struct {
	*Base
	minLevel int
}

func NewConsole(env Env, opts ConsoleOptions) (*Console, error) {
	c := &Console{Base: NewBase(ConsoleName, env, "Console")}
	if opts.MinLevel != "" {
		lvl, ok := consoleLevels[strings.ToLower(opts.MinLevel)]
		if !ok {
			return nil, fmt.Errorf("unknown console level %q", opts.MinLevel)
		}
		c.minLevel = lvl
	}
	c.Handle("Console.messageAdded", c.messageAdded)
	return c, nil
}

// ConsoleFactory builds Console collectors. With invalid opts the collector fails to start and
// finalizes as partial.
func ConsoleFactory(opts ConsoleOptions) Factory {
	return func(env Env) Collector {
		c, err := NewConsole(env, opts)
		if err != nil {
			c = &Console{Base: NewBase(ConsoleName, env, "Console")}
			c.startErr = err
		}
		return c
	}
}

// consoleLevel ranks level. Levels the target reports that are not known here rank as log.
func consoleLevel(level string) int {
	if lvl, ok := consoleLevels[strings.ToLower(level)]; ok {
		return lvl
	}
	return consoleLevels["log"]
}

func (c *Console) messageAdded(ctx context.Context, ev cdp.Event) (any, error) {
	var p struct {
		Message struct {
			Source     string  `json:"source"`
			Level      string  `json:"level"`
			Text       string  `json:"text"`
			URL        string  `json:"url"`
			Line       *int    `json:"line"`
			LineNumber int     `json:"lineNumber"`
			Timestamp  float64 `json:"timestamp"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	m := p.Message
	level := m.Level
	if level == "" {
		level = "log"
	}
	if consoleLevel(level) < c.minLevel {
		return nil, nil
	}
	line := m.LineNumber
	if m.Line != nil {
		line = *m.Line
	}
	return ConsoleRecord{
		Timestamp: m.Timestamp,
		Level:     level,
		Text:      m.Text,
		URL:       m.URL,
		Line:      line,
		Source:    m.Source,
	}, nil
}
