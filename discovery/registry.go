// Package discovery lets processes find the routing broker. A broker
// advertises its address under a service name; a process discovers the
// instances registered under that name and dials one of them.
package discovery

import (
	"context"
	"errors"
)

// DefaultService is the name brokers advertise under.
const DefaultService = "mcrouter"

var ErrNoInstances = errors.New("discovery: no broker instances")

// Instance is one advertised broker.
type Instance struct {
	Addr    string `json:"addr"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}
