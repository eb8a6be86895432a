// Package loadbalance picks which broker instance a process dials.
//
// Every process of a deployment must end up on the same broker for their
// services to see each other, so picking is failover, not spreading: the
// client keeps the instance it got and only asks for the next one after a
// failed dial or a lost connection.
package loadbalance

import "mini-broker/discovery"

// Balancer selects one instance from the discovered list.
type Balancer interface {
	// Pick must be goroutine-safe.
	Pick(instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name for logging.
	Name() string
}
