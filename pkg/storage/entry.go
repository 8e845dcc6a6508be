package storage

import (
	"github.com/cuemby/kvforge/pkg/filter"
	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// Entry is one observable row of the keyspace.
type Entry struct {
	Key          keycodec.Key
	EncodedKey   []byte
	Value        any
	Versionstamp versionstamp.Versionstamp
	ExpiresAt    *int64
}

// SetOptions configures Store.Set.
type SetOptions struct {
	// ExpireIn is a duration in milliseconds after which the entry
	// becomes unobservable; zero means no expiry.
	ExpireIn int64
}

// ListOptions configures Store.List.
type ListOptions struct {
	Start   []byte // inclusive, physical (ascending) key space
	End     []byte // exclusive, physical (ascending) key space
	Limit   int    // default 100, cap 1000
	Reverse bool
	Where   *filter.Node
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (o ListOptions) normalizedLimit() int {
	switch {
	case o.Limit <= 0:
		return defaultListLimit
	case o.Limit > maxListLimit:
		return maxListLimit
	default:
		return o.Limit
	}
}

// PaginateOptions configures Store.Paginate.
type PaginateOptions struct {
	Cursor  string // opaque, base64 of the last-seen encoded key
	Limit   int
	Reverse bool
	Where   *filter.Node
}

// Page is one page of a Store.Paginate call.
type Page struct {
	Entries []*Entry
	Cursor  string
	HasMore bool
}

// DeleteOptions configures Store.Delete.
type DeleteOptions struct {
	Where *filter.Node
}
