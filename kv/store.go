// Package kv abstracts the networked key-value and stream store that backs
// run ownership leases, the credit-reservation hold table, and per-run
// output streams (spec §6 "Key-value / stream store primitives required").
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL when the key does not exist.
var ErrNotFound = errors.New("kv: not found")

// StreamEntry is one record appended to a stream via XAdd, returned by
// XRange with its assigned id.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Store is the minimal set of primitives spec §6 requires of the KV/stream
// backend: get/set-with-TTL/delete/incr/expire/ttl, set membership,
// list push/range/trim, pub/sub, and streams with consumer groups.
// Atomicity of "SET NX EX" and "INCR" is assumed by callers (LeaseManager
// relies on it for claim/heartbeat mutual exclusion).
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value at key only if key is absent, atomically, with an
	// optional TTL. Returns true iff the key was set by this call.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Not an error if key is already absent.
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer value at key (creating it at 0
	// first if absent) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets or refreshes a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time-to-live for key, or -1 if key has no
	// expiry, or ErrNotFound if key is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// Scan iterates keys matching pattern, calling fn for each; fn returning
	// false stops iteration early.
	Scan(ctx context.Context, pattern string, fn func(key string) bool) error

	// LPush prepends values to the list at key.
	LPush(ctx context.Context, key string, values ...string) error
	// LRange returns list elements from start to stop (inclusive, -1 = last).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LTrim trims the list at key to the [start, stop] range.
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Publish publishes message on channel.
	Publish(ctx context.Context, channel, message string) error
	// Subscribe returns a channel of messages published to channel. The
	// returned cancel func unsubscribes and releases resources.
	Subscribe(ctx context.Context, channel string) (msgs <-chan string, cancel func(), err error)

	// XAdd appends fields as a new entry to the stream at key, trimming the
	// stream to approximately maxLen entries (0 = no trim), and returns the
	// assigned entry id.
	XAdd(ctx context.Context, key string, maxLen int64, fields map[string]string) (string, error)
	// XRange returns stream entries with id in [start, end] ("-"/"+" mean
	// the lowest/highest possible id, matching Redis XRANGE semantics).
	XRange(ctx context.Context, key, start, end string, count int64) ([]StreamEntry, error)
	// XLen returns the number of entries in the stream at key.
	XLen(ctx context.Context, key string) (int64, error)
	// XGroupCreate creates a consumer group at key starting from startID,
	// creating the stream if it does not exist. Idempotent.
	XGroupCreate(ctx context.Context, key, group, startID string) error
	// XReadGroup reads up to count new entries for consumer within group.
	XReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	// XAck acknowledges entry ids within group, removing them from the
	// group's pending-entries list.
	XAck(ctx context.Context, key, group string, ids ...string) error

	// Close releases the underlying connection(s).
	Close() error
}
