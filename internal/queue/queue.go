// Package queue is the durable FIFO handoff between the enqueuer and the
// bundle processor.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmpty is returned by Pop when nothing arrived before the timeout.
var ErrEmpty = errors.New("queue: empty")

// Queue is a FIFO of opaque payloads.
type Queue interface {
	// Push appends a payload to the tail.
	Push(ctx context.Context, payload []byte) error
	// Pop removes the head, waiting up to timeout. Returns ErrEmpty on timeout.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	// Len reports the current depth.
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Envelope is the work item handed from the enqueuer to the processor.
type Envelope struct {
	BundleID string `json:"bundle_id"`
	ImageURL string `json:"image_url"`
}

// Validate checks that both fields are present.
func (e Envelope) Validate() error {
	if e.BundleID == "" {
		return fmt.Errorf("envelope: missing bundle_id")
	}
	if e.ImageURL == "" {
		return fmt.Errorf("envelope: missing image_url")
	}
	return nil
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
