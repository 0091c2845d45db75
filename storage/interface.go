// Package storage provides the local durable key-value slot used for the
// offline queue and the last-known-good profile cache. The backing store is
// an embedded sqlite database so queued mutations survive process restarts.
package storage

import "context"

// Repository is a simple durable key-value persistence API. Get returns
// (nil, nil) when the key does not exist.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetAll writes several keys atomically. Used where related slots must
	// move together (profile cache + trusted root).
	SetAll(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}

// Well-known slot keys.

// ProfileKey is the cache slot for a user's last fetched profile.
func ProfileKey(userID string) string {
	return "profile:" + userID
}

// RootKey is the slot holding a user's last known-good Merkle root.
func RootKey(userID string) string {
	return "merkle_root:" + userID
}
