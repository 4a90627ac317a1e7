package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger is the sink for structured events.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger emits newline-delimited JSON, one event per line. Safe for
// concurrent use.
type JSONLogger struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to w.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{enc: json.NewEncoder(w), now: time.Now}
}

// Log implements Logger. Events without a timestamp are stamped at emit time.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.enc == nil {
		return errors.New("json logger has no sink")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		clock := l.now
		if clock == nil {
			clock = time.Now
		}
		event.Timestamp = clock()
	}

	if err := l.enc.Encode(event); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

var _ Logger = (*JSONLogger)(nil)
var _ Logger = LoggerFunc(nil)
