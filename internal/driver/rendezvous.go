package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SignalKind says why the producer woke the tracker.
type SignalKind uint8

const (
	// ScanReady announces that scan Signal.ScanIndex is in the storm archive.
	ScanReady SignalKind = iota
	// Heartbeat shows the producer is alive while no input arrives.
	Heartbeat
	// Quit asks the tracker to stop after acknowledging.
	Quit
)

func (k SignalKind) String() string {
	switch k {
	case ScanReady:
		return "scan-ready"
	case Heartbeat:
		return "heartbeat"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("SignalKind(%d)", uint8(k))
	}
}

var (
	// ErrNoSignal is returned by Receive when nothing was posted in time.
	ErrNoSignal = errors.New("driver: no signal")
	// ErrAckTimeout is returned by Post when the signal was not taken and
	// acknowledged in time.
	ErrAckTimeout = errors.New("driver: signal not acknowledged")
)

// Signal is one hand-off through a Rendezvous. The receiver must call
// Ack exactly once.
type Signal struct {
	Kind      SignalKind
	ScanIndex int
	ack       chan error
}

// Ack releases the poster; err is returned from its Post call.
func (s Signal) Ack(err error) { s.ack <- err }

// Rendezvous is a single-slot blocking hand-off between the producer and
// the tracker. Post does not return until the signal has been received
// and acknowledged, and posts are serialised, so at most one signal is
// ever in flight.
type Rendezvous struct {
	mu    sync.Mutex
	slot  chan Signal
	clock clockwork.Clock
}

// NewRendezvous returns an empty rendezvous. A nil clock uses real time.
func NewRendezvous(clock clockwork.Clock) *Rendezvous {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Rendezvous{slot: make(chan Signal), clock: clock}
}

// Post hands a signal to the receiver and waits for its acknowledgement.
// A positive timeout bounds the whole exchange.
func (r *Rendezvous) Post(ctx context.Context, kind SignalKind, scanIndex int, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		expired = r.clock.After(timeout)
	}
	sig := Signal{Kind: kind, ScanIndex: scanIndex, ack: make(chan error, 1)}
	select {
	case r.slot <- sig:
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("%w: %s not taken within %s", ErrAckTimeout, kind, timeout)
	}
	select {
	case err := <-sig.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("%w: %s within %s", ErrAckTimeout, kind, timeout)
	}
}

// Receive waits for the next signal. A positive timeout makes it return
// ErrNoSignal when nothing arrives in time.
func (r *Rendezvous) Receive(ctx context.Context, timeout time.Duration) (Signal, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = r.clock.After(timeout)
	}
	select {
	case sig := <-r.slot:
		return sig, nil
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	case <-expired:
		return Signal{}, ErrNoSignal
	}
}
