package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/nudgecrm/internal/notify"
)

// ErrGatewayDown is returned by RecordingGateway for failing recipients.
var ErrGatewayDown = errors.New("gateway unavailable")

// RecordingGateway captures every message it is asked to send.
//
// Sends to addresses marked with FailFor (or every send after FailAll) return
// ErrGatewayDown and are recorded in Failed instead of Sent.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingGateway struct {
	mu      sync.Mutex
	sent    []notify.Message
	failed  []notify.Message
	failFor map[string]bool
	failAll bool
}

// NewRecordingGateway creates a gateway that accepts everything.
func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{failFor: make(map[string]bool)}
}

// Send implements notify.Gateway.
func (g *RecordingGateway) Send(_ context.Context, msg notify.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failAll || g.failFor[msg.To] {
		g.failed = append(g.failed, msg)
		return "", fmt.Errorf("send to %s: %w", msg.To, ErrGatewayDown)
	}
	g.sent = append(g.sent, msg)
	return fmt.Sprintf("test-delivery-%d", len(g.sent)), nil
}

// FailFor makes sends to the given addresses fail.
func (g *RecordingGateway) FailFor(addrs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range addrs {
		g.failFor[a] = true
	}
}

// FailAll toggles failure for every recipient.
func (g *RecordingGateway) FailAll(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll = fail
}

// Recover clears every failure setting.
func (g *RecordingGateway) Recover() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll = false
	g.failFor = make(map[string]bool)
}

// Sent returns a copy of the accepted messages in send order.
func (g *RecordingGateway) Sent() []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Message(nil), g.sent...)
}

// Failed returns a copy of the rejected messages in send order.
func (g *RecordingGateway) Failed() []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Message(nil), g.failed...)
}

// SentTo returns the accepted messages for one recipient.
func (g *RecordingGateway) SentTo(addr string) []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []notify.Message
	for _, m := range g.sent {
		if m.To == addr {
			out = append(out, m)
		}
	}
	return out
}
