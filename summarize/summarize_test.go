package summarize

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/devtrace/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStream(t *testing.T, path string, records ...any) {
	var opts []artifact.WriterOption
	if filepath.Ext(path) == artifact.CompressedExt {
		opts = append(opts, artifact.WithCompression())
	}
	w, err := artifact.Create(path, opts...)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Close())
}

func networkRecords() []any {
	return []any{
		map[string]any{"event": "request", "requestId": "1", "url": "https://example.com/", "method": "GET"},
		map[string]any{"event": "response", "requestId": "1", "url": "https://example.com/", "status": 200},
		map[string]any{"event": "request", "requestId": "2", "url": "https://cdn.example.net/app.js", "method": "GET"},
		map[string]any{"event": "response", "requestId": "2", "url": "https://cdn.example.net/app.js", "status": 304},
		map[string]any{"event": "request", "requestId": "3", "url": "https://api.example.com/save", "method": "POST"},
		map[string]any{"event": "failed", "requestId": "3", "url": "https://api.example.com/save", "errorText": "net::ERR_CONNECTION_REFUSED"},
		map[string]any{"event": "request", "requestId": "4", "url": "https://example.com/", "method": "GET"},
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	netPath := filepath.Join(dir, "network.jsonl")
	consolePath := filepath.Join(dir, "console.jsonl")
	writeStream(t, netPath, networkRecords()...)
	line := 12
	writeStream(t, consolePath,
		map[string]any{"level": "log", "text": "hello"},
		map[string]any{"level": "error", "text": "boom", "url": "https://example.com/app.js", "line": line},
		map[string]any{"level": "error", "text": "again"},
		map[string]any{"text": "no level"},
	)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := Build(Options{NetworkPath: netPath, ConsolePath: consolePath, Duration: 15 * time.Second, Now: func() time.Time { return now }})
	require.NoError(t, err)

	assert.Equal(t, now, s.Meta.GeneratedAt)
	assert.Equal(t, 15.0, s.Meta.DurationSeconds)
	assert.Equal(t, 7, s.Meta.TotalEvents)
	assert.Equal(t, 3, s.Meta.UniqueHosts)

	n := s.Network
	assert.Equal(t, 4, n.RequestCount)
	assert.Equal(t, 2, n.ResponseCount)
	assert.Equal(t, 1, n.FailureCount)
	assert.Equal(t, map[string]int{"GET": 3, "POST": 1}, n.Methods)
	assert.Equal(t, map[string]int{"200": 1, "304": 1}, n.StatusCodes)
	assert.Len(t, n.TopRequests, 3, "duplicate URLs are listed once")
	assert.Equal(t, []Failure{{Error: "net::ERR_CONNECTION_REFUSED", URL: "https://api.example.com/save", Method: "POST", RequestID: "3"}}, n.Failures)

	require.NotNil(t, s.Console)
	assert.Equal(t, 3, s.Console.EntryCount)
	assert.Equal(t, map[string]int{"log": 1, "error": 2}, s.Console.Levels)
	require.Len(t, s.Console.SampleErrors, 2)
	assert.Equal(t, "boom", s.Console.SampleErrors[0].Message)
	assert.Equal(t, 12, *s.Console.SampleErrors[0].Line)
}

func TestBuildMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()

	s, err := Build(Options{NetworkPath: filepath.Join(dir, "missing.jsonl")})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Network.RequestCount)
	assert.Nil(t, s.Console)

	netPath := filepath.Join(dir, "network.jsonl")
	w, err := artifact.Create(netPath)
	require.NoError(t, err)
	require.NoError(t, w.Append(map[string]any{"event": "request", "requestId": "1", "url": "https://example.com/"}))
	require.NoError(t, w.Close())
	appendRaw(t, netPath, "{not json\n")

	s, err = Build(Options{NetworkPath: netPath})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Network.RequestCount)
	assert.Equal(t, 1, s.Meta.Malformed)
	assert.Equal(t, 1, s.Network.Methods["UNKNOWN"])
}

func TestBuildCompressed(t *testing.T) {
	netPath := filepath.Join(t.TempDir(), "network.jsonl"+artifact.CompressedExt)
	writeStream(t, netPath, networkRecords()...)
	s, err := Build(Options{NetworkPath: netPath})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Network.RequestCount)
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	netPath := filepath.Join(dir, "network.jsonl")
	consolePath := filepath.Join(dir, "console.jsonl")
	writeStream(t, netPath, networkRecords()...)
	writeStream(t, consolePath, map[string]any{"level": "error", "text": "boom", "url": "https://example.com/app.js", "line": 7})
	s, err := Build(Options{NetworkPath: netPath, ConsolePath: consolePath})
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, s.WriteText(&text))
	out := text.String()
	assert.Regexp(t, `Total requests:\s+4`, out)
	assert.Regexp(t, `Failed requests:\s+1`, out)
	assert.Contains(t, out, "  POST https://api.example.com/save\n")
	assert.Contains(t, out, "  1 304\n")
	assert.Contains(t, out, "  net::ERR_CONNECTION_REFUSED [https://api.example.com/save]\n")
	assert.Contains(t, out, "  boom [https://example.com/app.js:7]\n")

	var js bytes.Buffer
	require.NoError(t, s.WriteJSON(&js))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Contains(t, decoded, "meta")
	assert.Contains(t, decoded, "network")
	assert.Contains(t, decoded, "console")
}

func appendRaw(t *testing.T, path, s string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(s)
	require.NoError(t, err)
}
