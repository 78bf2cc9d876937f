// Package notify fans named pipeline events out to live subscribers.
// Delivery is fire-and-forget: a slow or absent subscriber never blocks a loop.
package notify

import (
	"sync"
	"time"
)

// Event names on the wire.
const (
	EventClearCanvas        = "clear_canvas"
	EventAddCoin            = "add_coin"
	EventOverlayMarks       = "overlay_marks"
	EventFadeOut            = "fade_out"
	EventDisqualifiedCoin   = "disqualified_coin"
	EventBoughtCoin         = "bought_coin"
	EventStartInvestigation = "start_investigation"
	EventStopInvestigation  = "stop_investigation"
	EventUpdateBalanceBar   = "update_balance_bar"
)

// Event is one frame sent to subscribers.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
	TS   int64  `json:"ts"`
}

// AddCoin announces one cropped coin of the bundle being processed.
type AddCoin struct {
	BundleID string `json:"bundle_id"`
	ID       string `json:"id"`
	URL      string `json:"url"`
}

// Mark is one decision overlay.
type Mark struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

// CoinRef carries a coin's human-facing id.
type CoinRef struct {
	CoinID string `json:"coin_id"`
}

// Investigation carries the image the funnel is looking at.
type Investigation struct {
	ImageURL string `json:"image_url"`
}

// Balance carries the portfolio's net unrealized gain/loss.
type Balance struct {
	NetBalance float64 `json:"netbalance"`
}

// Publisher emits named events.
type Publisher interface {
	Publish(name string, data any)
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(string, any) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends the event.
func (r *Recorder) Publish(name string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Data: data, TS: time.Now().UnixMilli()})
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Multi publishes to several publishers.
type Multi []Publisher

// Publish forwards to every publisher.
func (m Multi) Publish(name string, data any) {
	for _, p := range m {
		p.Publish(name, data)
	}
}
