package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownChannel is returned when no driver is registered for a channel.
var ErrUnknownChannel = errors.New("unknown delivery channel")

// Metadata rides alongside an outbound send; drivers may ignore it.
type Metadata struct {
	JobID   string
	RunID   string
	JobName string
}

// Driver is one chat surface's outbound half. Implementations live in
// internal/channels; inbound traffic takes a separate path through the bus.
type Driver interface {
	Name() string

	// Send posts text to a parsed target. The context bounds the network
	// call; an error means the message may not have arrived.
	Send(ctx context.Context, target Target, text string, meta Metadata) error
}

// Registry maps channel names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds or replaces the driver for its channel name.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
}

// Get returns the driver for a channel or ErrUnknownChannel.
func (r *Registry) Get(channel string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return d, nil
}

// Channels lists the registered channel names.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	return out
}
