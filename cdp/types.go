package cdp

import (
	"encoding/json"
	"strings"
)

// command is a client->target message.
type command struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// message is any target->client message.
// Responses have an ID and either Result or Error, events have a Method and no ID.
type message struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ResponseError is the error object of a failed response.
// Data is kept as raw JSON since targets put strings, objects or nothing there.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// decodeResponseError reads an error object field by field so that one odd field does not hide
// the rest. Anything that is not an object becomes the message verbatim.
func decodeResponseError(raw json.RawMessage) ResponseError {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ResponseError{Message: string(raw)}
	}
	var e ResponseError
	if c, ok := fields["code"]; ok {
		if err := json.Unmarshal(c, &e.Code); err != nil {
			var f float64
			if json.Unmarshal(c, &f) == nil {
				e.Code = int(f)
			}
		}
	}
	if m, ok := fields["message"]; ok {
		e.Message = rawText(m)
	}
	if d, ok := fields["data"]; ok && string(d) != "null" {
		e.Data = d
	}
	return e
}

// rawText returns a JSON string's value, or the raw JSON of anything else.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Event is an unsolicited notification from the target.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Domain returns the domain part of the event method, e.g. "Network" for "Network.requestWillBeSent".
func (e Event) Domain() string {
	d, _ := splitMethod(e.Method)
	return d
}

var emptyObject = json.RawMessage("{}")

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyObject, nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return emptyObject, nil
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(params)
	}
}

func splitMethod(method string) (domain, action string) {
	i := strings.IndexByte(method, '.')
	if i < 0 {
		return method, ""
	}
	return method[:i], method[i+1:]
}
