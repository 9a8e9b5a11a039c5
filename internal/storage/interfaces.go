// Package storage implements the Storage Port (spec §4.Z): a uniform
// put/get/delete/scan interface over a persistent backend, opened per
// namespace. Session Store, Policy Store, Tenant Store, Credential Pool,
// and Scheduler are all expected consumers; each opens its own namespace
// so backends can be swapped (or sharded) independently per subsystem.
//
// Grounded on the teacher's internal/storage/interfaces.go StoreSet
// composition pattern, generalized from four domain-specific store
// interfaces (AgentStore, ChannelConnectionStore, UserStore) down to the
// single domain-agnostic KV contract spec §4.Z names. The "one sql.DB,
// many typed stores" shape of the teacher's cockroach.go carries over
// directly into Opener, just keyed by namespace instead of by domain
// type.
package storage

import (
	"context"
	"errors"

	"github.com/conclave-run/conclave/internal/core"
)

// ErrNotFound is returned by Get and Delete when key does not exist in
// the namespace. Aliased to core.ErrNotFound so callers across packages
// can match with a single errors.Is target.
var ErrNotFound = core.ErrNotFound

// ErrClosed names the error for a Store used after its Opener has been
// closed. None of the backends in this package return it.
var ErrClosed = errors.New("storage: store closed")

// Entry is one key/value pair yielded by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a namespaced key-value surface. Implementations must make a
// successful Put durable across process restart (spec §4.Z's durability
// contract): the filestore backend does this with fsync, the sqlstore
// backend by relying on the underlying database's commit durability.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Scan returns every entry whose key has the given prefix, ordered
	// lexicographically by key. Spec describes this as a "lazy finite
	// sequence"; Go's iterator support (range-over-func) gives that
	// without forcing every backend to materialize a full slice up
	// front, though every backend here happens to materialize internally
	// for simplicity.
	Scan(ctx context.Context, prefix string) (func(yield func(Entry) bool), error)
}

// Opener opens namespaced Stores against one underlying backend
// connection (a data root directory, or a *sql.DB).
type Opener interface {
	Open(namespace string) (Store, error)
	Close() error
}

// ScanAll drains a Scan iterator into a slice, for callers that don't
// need to stream (small namespaces: tenants, policies, jobs).
func ScanAll(ctx context.Context, s Store, prefix string) ([]Entry, error) {
	seq, err := s.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []Entry
	seq(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out, nil
}
