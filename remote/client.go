// Package remote implements the store boundary: named operations carrying
// JSON payloads to an opaque key-value service, authenticated per call with
// a bearer credential. The subsystem does not define the store's schema.
package remote

import "context"

// Client issues named operations against the remote store.
type Client interface {
	// Do sends one operation. payload is serialized as the JSON request
	// body; when result is non-nil the response payload is decoded into it.
	Do(ctx context.Context, operation string, payload any, result any) error

	// Ping checks store reachability.
	Ping(ctx context.Context) error

	Close() error
}
