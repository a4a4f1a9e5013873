// Package modules contains the outbound delivery seam: one Module per
// channel (email, sms, push, webhook), each owning its network calls and
// error mapping.
package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Success           bool
	ProviderMessageID string
	Err               error
	// Permanent marks provider rejections that retrying cannot fix
	// (4xx-class, invalid recipient).
	Permanent bool
	Latency   time.Duration
}

// Module executes one delivery to one recipient.
type Module interface {
	Name() string
	Execute(ctx context.Context, payload Payload, config json.RawMessage) Result
}

// Registry resolves module implementations by type.
type Registry struct {
	modules map[string]Module
}

func NewRegistry(mods ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(mods))}
	for _, m := range mods {
		r.modules[m.Name()] = m
	}
	return r
}

func (r *Registry) Get(moduleType string) (Module, error) {
	m, ok := r.modules[moduleType]
	if !ok {
		return nil, fmt.Errorf("unknown module type: %s", moduleType)
	}
	return m, nil
}
