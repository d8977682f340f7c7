// Package summarize aggregates the network and console record streams of a run into a report.
package summarize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guseggert/devtrace/artifact"
)

const (
	topRequests   = 10
	maxFailures   = 10
	maxConsoleErr = 5
)

type Options struct {
	NetworkPath string
	// ConsolePath is optional. When empty the report has no console section.
	ConsolePath string
	Duration    time.Duration
	// Filter is the URL filter used during capture, recorded for reference.
	Filter string
	Now    func() time.Time
}

type Summary struct {
	Meta    Meta     `json:"meta"`
	Network Network  `json:"network"`
	Console *Console `json:"console,omitempty"`
}

type Meta struct {
	LogPath         string    `json:"log_path"`
	ConsoleLog      string    `json:"console_log,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Filter          string    `json:"filter,omitempty"`
	TotalEvents     int       `json:"total_events"`
	UniqueHosts     int       `json:"unique_hosts"`
	// Malformed counts lines that could not be decoded and were skipped.
	Malformed int `json:"malformed"`
}

type Network struct {
	RequestCount  int            `json:"request_count"`
	ResponseCount int            `json:"response_count"`
	FailureCount  int            `json:"failure_count"`
	Methods       map[string]int `json:"methods"`
	StatusCodes   map[string]int `json:"status_codes"`
	TopRequests   []Request      `json:"top_requests"`
	Failures      []Failure      `json:"failures"`
}

type Request struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type Failure struct {
	Error     string `json:"error"`
	URL       string `json:"url,omitempty"`
	Method    string `json:"method,omitempty"`
	RequestID string `json:"requestId"`
}

type Console struct {
	EntryCount   int            `json:"entry_count"`
	Levels       map[string]int `json:"levels"`
	SampleErrors []ConsoleError `json:"sample_errors"`
}

type ConsoleError struct {
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
	Line    *int   `json:"line,omitempty"`
}

type networkLine struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	Status    *int   `json:"status"`
	ErrorText string `json:"errorText"`
}

type consoleLine struct {
	Level string `json:"level"`
	Text  string `json:"text"`
	URL   string `json:"url"`
	Line  *int   `json:"line"`
}

// forEachRecord is artifact.ForEach that treats a missing stream as empty.
func forEachRecord(path string, fn func(line []byte) error) error {
	err := artifact.ForEach(path, fn)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Build reads the streams named in opts. A missing stream counts as empty.
func Build(opts Options) (*Summary, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	s := &Summary{
		Meta: Meta{
			LogPath:         opts.NetworkPath,
			ConsoleLog:      opts.ConsolePath,
			GeneratedAt:     now().UTC(),
			DurationSeconds: opts.Duration.Seconds(),
			Filter:          opts.Filter,
		},
		Network: Network{
			Methods:     map[string]int{},
			StatusCodes: map[string]int{},
			TopRequests: []Request{},
			Failures:    []Failure{},
		},
	}

	requests := map[string]networkLine{}
	hosts := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var failures []networkLine

	err := forEachRecord(opts.NetworkPath, func(b []byte) error {
		var l networkLine
		if err := json.Unmarshal(b, &l); err != nil {
			s.Meta.Malformed++
			return nil
		}
		s.Meta.TotalEvents++
		switch l.Event {
		case "request":
			s.Network.RequestCount++
			requests[l.RequestID] = l
			method := l.Method
			if method == "" {
				method = "UNKNOWN"
			}
			s.Network.Methods[method]++
			if h := host(l.URL); h != "" {
				hosts[h] = struct{}{}
			}
			if _, ok := seenURLs[l.URL]; l.URL != "" && !ok && len(s.Network.TopRequests) < topRequests {
				seenURLs[l.URL] = struct{}{}
				s.Network.TopRequests = append(s.Network.TopRequests, Request{Method: l.Method, URL: l.URL})
			}
		case "response":
			s.Network.ResponseCount++
			status := "None"
			if l.Status != nil {
				status = fmt.Sprint(*l.Status)
			}
			s.Network.StatusCodes[status]++
			if h := host(l.URL); h != "" {
				hosts[h] = struct{}{}
			}
		case "failed":
			s.Network.FailureCount++
			failures = append(failures, l)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading network records: %w", err)
	}
	s.Meta.UniqueHosts = len(hosts)

	for _, f := range failures {
		if len(s.Network.Failures) == maxFailures {
			break
		}
		req := requests[f.RequestID]
		s.Network.Failures = append(s.Network.Failures, Failure{
			Error:     f.ErrorText,
			URL:       req.URL,
			Method:    req.Method,
			RequestID: f.RequestID,
		})
	}

	if opts.ConsolePath != "" {
		c, err := buildConsole(opts.ConsolePath, &s.Meta)
		if err != nil {
			return nil, err
		}
		s.Console = c
	}
	return s, nil
}

func buildConsole(path string, meta *Meta) (*Console, error) {
	c := &Console{Levels: map[string]int{}, SampleErrors: []ConsoleError{}}
	err := forEachRecord(path, func(b []byte) error {
		var l consoleLine
		if err := json.Unmarshal(b, &l); err != nil {
			meta.Malformed++
			return nil
		}
		level := strings.ToLower(l.Level)
		if level == "" {
			return nil
		}
		c.Levels[level]++
		c.EntryCount++
		if (level == "error" || level == "exception") && len(c.SampleErrors) < maxConsoleErr {
			c.SampleErrors = append(c.SampleErrors, ConsoleError{Message: l.Text, URL: l.URL, Line: l.Line})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading console records: %w", err)
	}
	return c, nil
}

func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Summary) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	n := s.Network
	fmt.Fprintf(tw, "Total requests:\t%d\n", n.RequestCount)
	fmt.Fprintf(tw, "Total responses:\t%d\n", n.ResponseCount)
	fmt.Fprintf(tw, "Failed requests:\t%d\n", n.FailureCount)
	if err := tw.Flush(); err != nil {
		return err
	}

	var b strings.Builder
	if len(n.TopRequests) > 0 {
		fmt.Fprintf(&b, "\nTop %d requests:\n", topRequests)
		for _, r := range n.TopRequests {
			method := r.Method
			if method == "" {
				method = "UNKNOWN"
			}
			fmt.Fprintf(&b, "  %s %s\n", method, r.URL)
		}
	}
	if len(n.StatusCodes) > 0 {
		b.WriteString("\nResponse status codes:\n")
		for _, code := range sortedKeys(n.StatusCodes) {
			fmt.Fprintf(&b, "  %d %s\n", n.StatusCodes[code], code)
		}
	}
	if len(n.Failures) > 0 {
		b.WriteString("\nFailed requests:\n")
		for _, f := range n.Failures {
			msg := f.Error
			if msg == "" {
				msg = "Unknown error"
			}
			if f.URL != "" {
				fmt.Fprintf(&b, "  %s [%s]\n", msg, f.URL)
			} else {
				fmt.Fprintf(&b, "  %s\n", msg)
			}
		}
	}
	if c := s.Console; c != nil {
		fmt.Fprintf(&b, "\nConsole entries: %d\n", c.EntryCount)
		for _, level := range sortedKeys(c.Levels) {
			fmt.Fprintf(&b, "  %s: %d\n", level, c.Levels[level])
		}
		if len(c.SampleErrors) > 0 {
			b.WriteString("Sample errors:\n")
			for _, e := range c.SampleErrors {
				msg := e.Message
				if msg == "" {
					msg = "(no message)"
				}
				loc := ""
				if e.URL != "" {
					loc = " [" + e.URL
					if e.Line != nil {
						loc += fmt.Sprintf(":%d", *e.Line)
					}
					loc += "]"
				}
				fmt.Fprintf(&b, "  %s%s\n", msg, loc)
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
