// Package trace is a lightweight per-session span recorder. Sessions emit
// nested spans with attributes; the recorder keeps them for diagnostics
// and tests.
package trace

import (
	"sync"
	"time"
)

// Attr is one span attribute.
type Attr struct {
	Key   string
	Value string
}

// Span is a named interval with attributes and children.
type Span struct {
	Name     string
	Start    time.Time
	End      time.Time
	Err      bool
	Attrs    []Attr
	Children []*Span

	mu     sync.Mutex
	parent *Span
}

// SetAttr appends an attribute.
func (s *Span) SetAttr(key, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attrs = append(s.Attrs, Attr{Key: key, Value: value})
}

// EndSpan finishes the span; err marks it as failed.
func (s *Span) EndSpan(err bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.End.IsZero() {
		s.End = time.Now()
		s.Err = err
	}
}

// Attr returns the value of the named attribute.
func (s *Span) Attr(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, attr := range s.Attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Tracer records events and spans for one session. A nil tracer is valid
// and discards everything.
type Tracer struct {
	mu     sync.Mutex
	events []string
	roots  []*Span
}

// New returns an active tracer.
func New() *Tracer { return &Tracer{} }

// Event records a plain stage event.
func (t *Tracer) Event(stage string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, stage)
}

// Events returns the recorded stage events.
func (t *Tracer) Events() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

// Span opens a child span under parent, or a root span when parent is
// nil.
func (t *Tracer) Span(parent *Span, name string) *Span {
	if t == nil {
		return nil
	}
	span := &Span{Name: name, Start: time.Now(), parent: parent}
	if parent != nil {
		parent.mu.Lock()
		parent.Children = append(parent.Children, span)
		parent.mu.Unlock()
		return span
	}
	t.mu.Lock()
	t.roots = append(t.roots, span)
	t.mu.Unlock()
	return span
}

// FindSpan walks the recorded spans depth first and returns the first one
// with the given name.
func (t *Tracer) FindSpan(name string) *Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	roots := append([]*Span(nil), t.roots...)
	t.mu.Unlock()

	var walk func(list []*Span) *Span
	walk = func(list []*Span) *Span {
		for _, span := range list {
			if span.Name == name {
				return span
			}
			if found := walk(span.Children); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(roots)
}
