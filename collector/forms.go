package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/devtrace/artifact"
	"github.com/guseggert/devtrace/cdp"
)

// formsScript returns the state of every matched form field.
const formsScript = `(function(selector) {
	const elements = document.querySelectorAll(selector || 'input, textarea, select');
	const fields = [];
	elements.forEach(el => {
		const f = {
			tag: el.tagName.toLowerCase(),
			type: el.type || null,
			name: el.name || null,
			id: el.id || null,
			value: el.value || '',
			placeholder: el.placeholder || null,
			required: el.required || false,
			disabled: el.disabled || false,
			readonly: el.readOnly || false
		};
		if (el.type === 'checkbox' || el.type === 'radio') {
			f.checked = el.checked;
		}
		if (f.tag === 'select') {
			f.selectedIndex = el.selectedIndex;
			f.selectedText = el.options[el.selectedIndex] ? el.options[el.selectedIndex].text : null;
		}
		fields.push(f);
	});
	return {timestamp: Date.now(), count: fields.length, fields: fields};
})`

type FormsOptions struct {
	// Selector picks the fields to watch. Empty watches all inputs, textareas and selects.
	Selector string
	// Interval defaults to one second.
	Interval time.Duration
}

type FormField struct {
	Tag           string  `json:"tag"`
	Type          *string `json:"type"`
	Name          *string `json:"name"`
	ID            *string `json:"id"`
	Value         string  `json:"value"`
	Placeholder   *string `json:"placeholder,omitempty"`
	Required      bool    `json:"required"`
	Disabled      bool    `json:"disabled"`
	Readonly      bool    `json:"readonly"`
	Checked       *bool   `json:"checked,omitempty"`
	SelectedIndex *int    `json:"selectedIndex,omitempty"`
	SelectedText  *string `json:"selectedText,omitempty"`
}

func (f FormField) key() string {
	s := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return s(f.Name) + ":" + s(f.ID) + ":" + s(f.Type)
}

// FormsRecord is one line of the forms stream. Event is initial_state, field_changed, or field_detected.
type FormsRecord struct {
	Event     string      `json:"event"`
	Timestamp float64     `json:"timestamp"`
	Count     *int        `json:"count,omitempty"`
	Fields    []FormField `json:"fields,omitempty"`
	Field     *FormField  `json:"field,omitempty"`
	OldValue  *string     `json:"old_value,omitempty"`
	NewValue  *string     `json:"new_value,omitempty"`
}

type formsSnapshot struct {
	Timestamp float64     `json:"timestamp"`
	Count     int         `json:"count"`
	Fields    []FormField `json:"fields"`
}

// Forms polls form fields and records their changes.
type Forms struct {
	*Base
	opts       FormsOptions
	expression string

	previous map[string]string
	polled   bool

	wg sync.WaitGroup
}

func NewForms(env Env, opts FormsOptions) *Forms {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	sel, _ := json.Marshal(opts.Selector)
	if opts.Selector == "" {
		sel = []byte("null")
	}
	return &Forms{
		Base:       NewBase(FormsName, env, "Runtime"),
		opts:       opts,
		expression: fmt.Sprintf("(%s)(%s)", formsScript, sel),
	}
}

func FormsFactory(opts FormsOptions) Factory {
	return func(env Env) Collector {
		return NewForms(env, opts)
	}
}

func (f *Forms) Start(ctx context.Context) error {
	if err := f.Base.Start(ctx); err != nil {
		return err
	}
	f.wg.Add(1)
	go f.pollLoop()
	return nil
}

func (f *Forms) Stop(ctx context.Context) artifact.Record {
	rec := f.Base.Stop(ctx)
	f.wg.Wait()
	return rec
}

func (f *Forms) pollLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()
	for {
		f.poll()
		select {
		case <-f.Stopped():
			return
		case <-f.Conn().Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Forms) poll() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := f.Conn().Execute(ctx, "Runtime.evaluate", map[string]any{
		"expression":    f.expression,
		"returnByValue": true,
	}, f.CommandTimeout())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		var connErr *cdp.ConnectionError
		if errors.As(err, &connErr) {
			f.Log().Debugw("polling forms", "Error", err)
			return
		}
		f.Fault(&Fault{Collector: f.Name(), Method: "Runtime.evaluate", Err: err})
		return
	}
	snap, err := decodeEvaluation(res)
	if err != nil {
		f.Fault(&Fault{Collector: f.Name(), Method: "Runtime.evaluate", Err: err})
		return
	}
	for _, rec := range f.diff(snap) {
		f.Emit(rec)
	}
}

func decodeEvaluation(res json.RawMessage) (*formsSnapshot, error) {
	var r struct {
		Result struct {
			Value *formsSnapshot `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &r); err != nil {
		return nil, fmt.Errorf("decoding evaluation result: %w", err)
	}
	if r.ExceptionDetails != nil {
		return nil, fmt.Errorf("evaluating form script: %s", r.ExceptionDetails.Text)
	}
	if r.Result.Value == nil {
		return nil, errors.New("evaluation returned no value")
	}
	return r.Result.Value, nil
}

// diff compares a snapshot with the previous one. It is only called from the poll goroutine.
func (f *Forms) diff(snap *formsSnapshot) []FormsRecord {
	var recs []FormsRecord
	if !f.polled {
		count := snap.Count
		recs = append(recs, FormsRecord{
			Event:     "initial_state",
			Timestamp: snap.Timestamp,
			Count:     &count,
			Fields:    snap.Fields,
		})
	}
	current := make(map[string]string, len(snap.Fields))
	for i := range snap.Fields {
		field := snap.Fields[i]
		key := field.key()
		current[key] = field.Value
		old, seen := f.previous[key]
		switch {
		case seen && old != field.Value:
			oldValue, newValue := old, field.Value
			recs = append(recs, FormsRecord{
				Event:     "field_changed",
				Timestamp: snap.Timestamp,
				Field:     &field,
				OldValue:  &oldValue,
				NewValue:  &newValue,
			})
		case !seen && f.polled && field.Value != "" && len(f.previous) > 0:
			recs = append(recs, FormsRecord{
				Event:     "field_detected",
				Timestamp: snap.Timestamp,
				Field:     &field,
			})
		}
	}
	f.previous = current
	f.polled = true
	return recs
}
