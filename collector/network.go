package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/guseggert/devtrace/cdp"
)

const DefaultMaxBodySize = 1 << 20

var skippedBodyTypes = []string{"image/", "video/", "audio/", "font/"}

type NetworkOptions struct {
	// CaptureBodies fetches response bodies once loading finishes.
	CaptureBodies bool
	// MaxBodySize defaults to DefaultMaxBodySize.
	MaxBodySize int
}

// NetworkRecord is one line of the network stream. Event is request, response, failed, or body.
type NetworkRecord struct {
	Event         string  `json:"event"`
	RequestID     string  `json:"requestId"`
	URL           string  `json:"url"`
	Method        string  `json:"method,omitempty"`
	Type          string  `json:"type,omitempty"`
	Timestamp     float64 `json:"timestamp"`
	Status        int     `json:"status,omitempty"`
	StatusText    string  `json:"statusText,omitempty"`
	MimeType      string  `json:"mimeType,omitempty"`
	ErrorText     string  `json:"errorText,omitempty"`
	Body          string  `json:"body,omitempty"`
	Base64Encoded bool    `json:"base64Encoded,omitempty"`
	Size          int     `json:"size,omitempty"`
}

type requestInfo struct {
	url      string
	method   string
	typ      string
	mimeType string
	length   int
	answered bool
}

// Network records requests, responses, failures and optionally response bodies.
type Network struct {
	*Base
	opts NetworkOptions

	mu       sync.Mutex
	requests map[string]*requestInfo
}

func NewNetwork(env Env, opts NetworkOptions) *Network {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	n := &Network{
		Base:     NewBase(NetworkName, env, "Network"),
		opts:     opts,
		requests: map[string]*requestInfo{},
	}
	n.Handle("Network.requestWillBeSent", n.requestWillBeSent)
	n.Handle("Network.responseReceived", n.responseReceived)
	n.Handle("Network.loadingFailed", n.loadingFailed)
	if opts.CaptureBodies {
		// fetching a body is a round trip, so it must not run on the read path
		n.Handle("Network.loadingFinished", n.loadingFinished, cdp.Async())
	} else {
		n.Handle("Network.loadingFinished", n.forget)
	}
	return n
}

func NetworkFactory(opts NetworkOptions) Factory {
	return func(env Env) Collector {
		return NewNetwork(env, opts)
	}
}

func (n *Network) requestWillBeSent(ctx context.Context, ev cdp.Event) (any, error) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		Type      string  `json:"type"`
		Request   struct {
			URL    string `json:"url"`
			Method string `json:"method"`
		} `json:"request"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	if p.RequestID == "" {
		return nil, fmt.Errorf("missing requestId")
	}
	n.mu.Lock()
	n.requests[p.RequestID] = &requestInfo{url: p.Request.URL, method: p.Request.Method, typ: p.Type}
	n.mu.Unlock()
	return NetworkRecord{
		Event:     "request",
		RequestID: p.RequestID,
		URL:       p.Request.URL,
		Method:    p.Request.Method,
		Type:      p.Type,
		Timestamp: p.Timestamp,
	}, nil
}

func (n *Network) responseReceived(ctx context.Context, ev cdp.Event) (any, error) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		Type      string  `json:"type"`
		Response  struct {
			URL        string            `json:"url"`
			Status     int               `json:"status"`
			StatusText string            `json:"statusText"`
			MimeType   string            `json:"mimeType"`
			Headers    map[string]string `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	r := p.Response

	n.mu.Lock()
	info, ok := n.requests[p.RequestID]
	if !ok {
		info = &requestInfo{url: r.URL, method: "GET", typ: p.Type}
		n.requests[p.RequestID] = info
	}
	info.answered = true
	info.mimeType = r.MimeType
	info.length = contentLength(r.Headers)
	method, typ := info.method, info.typ
	n.mu.Unlock()

	if p.Type != "" {
		typ = p.Type
	}
	url := r.URL
	if url == "" {
		url = info.url
	}
	return NetworkRecord{
		Event:      "response",
		RequestID:  p.RequestID,
		URL:        url,
		Method:     method,
		Type:       typ,
		Timestamp:  p.Timestamp,
		Status:     r.Status,
		StatusText: r.StatusText,
		MimeType:   r.MimeType,
	}, nil
}

func contentLength(headers map[string]string) int {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func (n *Network) loadingFailed(ctx context.Context, ev cdp.Event) (any, error) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		Type      string  `json:"type"`
		ErrorText string  `json:"errorText"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	info := n.take(p.RequestID)
	rec := NetworkRecord{
		Event:      "failed",
		RequestID:  p.RequestID,
		Method:     "GET",
		Type:       p.Type,
		Timestamp:  p.Timestamp,
		StatusText: "FAILED",
		ErrorText:  p.ErrorText,
	}
	if info != nil {
		rec.URL = info.url
		rec.Method = info.method
	}
	return rec, nil
}

type loadingFinishedParams struct {
	RequestID         string  `json:"requestId"`
	Timestamp         float64 `json:"timestamp"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

// forget drops request state without recording anything.
func (n *Network) forget(ctx context.Context, ev cdp.Event) (any, error) {
	var p loadingFinishedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	n.take(p.RequestID)
	return nil, nil
}

func (n *Network) loadingFinished(ctx context.Context, ev cdp.Event) (any, error) {
	var p loadingFinishedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	info := n.take(p.RequestID)
	if info == nil || !info.answered || !n.wantBody(info, int(p.EncodedDataLength)) {
		return nil, nil
	}

	res, err := n.Conn().Execute(ctx, "Network.getResponseBody", map[string]string{"requestId": p.RequestID}, n.CommandTimeout())
	if err != nil {
		return nil, fmt.Errorf("fetching body of %s: %w", info.url, err)
	}
	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	if body.Body == "" || len(body.Body) > n.opts.MaxBodySize {
		return nil, nil
	}
	return NetworkRecord{
		Event:         "body",
		RequestID:     p.RequestID,
		URL:           info.url,
		MimeType:      info.mimeType,
		Timestamp:     p.Timestamp,
		Body:          body.Body,
		Base64Encoded: body.Base64Encoded,
		Size:          len(body.Body),
	}, nil
}

func (n *Network) wantBody(info *requestInfo, encodedLength int) bool {
	if info.length > n.opts.MaxBodySize || encodedLength > n.opts.MaxBodySize {
		return false
	}
	mime := strings.ToLower(info.mimeType)
	for _, prefix := range skippedBodyTypes {
		if strings.HasPrefix(mime, prefix) {
			return false
		}
	}
	return true
}

func (n *Network) take(requestID string) *requestInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := n.requests[requestID]
	delete(n.requests, requestID)
	return info
}
