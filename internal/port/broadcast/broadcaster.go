// Package broadcast defines the port for pushing session lifecycle events
// to live clients.
package broadcast

import "context"

// Broadcaster fans an event out to every connected client. Delivery is best
// effort and must not wait on clients; slow or broken clients are dropped.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
