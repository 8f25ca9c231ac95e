package strategy

import (
	"encoding/json"
	"fmt"
	"io"
)

// SubscriptionWriter is the secondary strategy: subscribe to a
// caller-specified channel list and append each notification's
// params.data as one JSON line to an output writer.
type SubscriptionWriter struct {
	out io.Writer
}

// NewSubscriptionWriter subscribes s to channels and returns a writer that
// appends every subsequent "subscription" notification's data to out, one
// JSON document per line.
func NewSubscriptionWriter(s sender, channels []string, out io.Writer) (*SubscriptionWriter, error) {
	if err := s.Subscribe(channels); err != nil {
		return nil, fmt.Errorf("strategy: subscribe: %w", err)
	}
	return &SubscriptionWriter{out: out}, nil
}

// OnNotification implements session.Handler.
func (w *SubscriptionWriter) OnNotification(method string, params json.RawMessage) error {
	if method != "subscription" {
		return nil
	}
	var sub subscriptionParams
	if err := json.Unmarshal(params, &sub); err != nil {
		return fmt.Errorf("strategy: decode subscription: %w", err)
	}
	if _, err := w.out.Write(sub.Data); err != nil {
		return fmt.Errorf("strategy: write subscription line: %w", err)
	}
	if _, err := w.out.Write([]byte("\n")); err != nil {
		return fmt.Errorf("strategy: write newline: %w", err)
	}
	return nil
}

// OnResponse implements session.Handler. The writer strategy never sends
// requests beyond the initial subscribe, so no response is expected.
func (w *SubscriptionWriter) OnResponse(method string, params json.RawMessage, result json.RawMessage) error {
	return nil
}

// OnError implements session.Handler.
func (w *SubscriptionWriter) OnError(method string, params json.RawMessage, code int, message string) error {
	return &ErrUnexpectedError{Method: method, Code: code, Message: message}
}
