package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrVersionMismatch is returned by Store.Commit when a version check fails. No mutation
// of the commit is applied in that case.
var ErrVersionMismatch = errors.New("version mismatch")

// Key is a hierarchical store key.
type Key []string

// String encodes the key as path-escaped segments joined by "/".
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, part := range k {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Prefix returns the encoded form used to match every key below k.
func (k Key) Prefix() string {
	return k.String() + "/"
}

// ParseKey decodes a key produced by Key.String.
func ParseKey(encoded string) (Key, error) {
	parts := strings.Split(encoded, "/")
	key := make(Key, len(parts))
	for i, part := range parts {
		p, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %q: %w", encoded, err)
		}
		key[i] = p
	}
	return key, nil
}

// Entry is a stored value with its version. Versions start at 1 and grow on every write.
type Entry struct {
	Key     Key
	Value   json.RawMessage
	Version int64
}

// MutationOp selects what a Mutation does.
type MutationOp int

const (
	OpSet MutationOp = iota
	OpDelete
	OpCheck
)

// Mutation is one step of an atomic commit.
type Mutation struct {
	Key   Key
	Op    MutationOp
	Value json.RawMessage
	// ExpectVersion, when set, must match the current version. Zero means the key must be absent.
	ExpectVersion *int64
}

// Set writes value at key.
func Set(key Key, value json.RawMessage) Mutation {
	return Mutation{Key: key, Op: OpSet, Value: value}
}

// Delete removes key. Deleting a missing key is not an error.
func Delete(key Key) Mutation {
	return Mutation{Key: key, Op: OpDelete}
}

// Check asserts the version of key without writing it.
func Check(key Key, version int64) Mutation {
	return Mutation{Key: key, Op: OpCheck, ExpectVersion: &version}
}

// IfVersion adds a version precondition to the mutation.
func (m Mutation) IfVersion(version int64) Mutation {
	m.ExpectVersion = &version
	return m
}

// IfAbsent requires the key to be missing.
func (m Mutation) IfAbsent() Mutation {
	return m.IfVersion(0)
}

// Store is a versioned key-value store with atomic multi-key commits.
type Store interface {
	// Get returns the entry at key. The bool is false when the key is missing.
	Get(ctx context.Context, key Key) (Entry, bool, error)
	// List returns every entry strictly below prefix, ordered by encoded key.
	List(ctx context.Context, prefix Key) ([]Entry, error)
	// Commit applies all mutations atomically or none of them.
	Commit(ctx context.Context, mutations ...Mutation) error
	Ping(ctx context.Context) error
}

var (
	configKey       = Key{"config"}
	activeNameKey   = Key{"instanceName"}
	instancesPrefix = Key{"instances"}
	tokensPrefix    = Key{"tokens"}
)

const (
	metaSegment = "meta"
	dataSegment = "data"
)

// MetaKey returns the key of an instance's metadata.
func MetaKey(name string) Key {
	return Key{"instances", name, metaSegment}
}

// DataKey returns the key of an instance's leaderboards.
func DataKey(name string) Key {
	return Key{"instances", name, dataSegment}
}

func tokenKey(value string) Key {
	return Key{"tokens", value}
}
