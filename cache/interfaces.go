// Package cache provides named, versioned stores of HTTP response snapshots.
// Each named store is one cache generation; a Storage holds any number of them.
package cache

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when a named generation does not exist
	ErrNotFound = errors.New("cache generation not found")
	// ErrInvalidName is returned for generation names that are not safe identifiers
	ErrInvalidName = errors.New("invalid cache generation name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateName reports whether name can be used as a generation name
func ValidateName(name string) error {
	if !validName.MatchString(name) || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}

// Entry is a stored response snapshot
type Entry struct {
	Key       string      `json:"key"`
	URL       string      `json:"url"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Reader defines the interface for reading entries from one generation
type Reader interface {
	// Get returns the entry stored under key, false if there is none
	Get(ctx context.Context, key string) (*Entry, bool, error)
}

// Writer defines the interface for writing entries into one generation
type Writer interface {
	// Put stores entry under key, replacing any previous value
	Put(ctx context.Context, key string, entry *Entry) error
}

// Store is a single named cache generation
type Store interface {
	Reader
	Writer
	// Name returns the generation name
	Name() string
	// Keys lists the keys currently stored
	Keys(ctx context.Context) ([]string, error)
}

// Storage owns every cache generation.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the named generation, creating it if needed
	Open(ctx context.Context, name string) (Store, error)
	// Lookup returns an existing generation, ErrNotFound if there is none
	Lookup(ctx context.Context, name string) (Store, error)
	// Delete removes the named generation and all its entries.
	// It reports whether anything was deleted.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists existing generations in creation order
	Names(ctx context.Context) ([]string, error)
}

// Match looks key up across every existing generation in creation order
// and returns the first hit.
func Match(ctx context.Context, s Storage, key string) (*Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		store, err := s.Lookup(ctx, name)
		if errors.Is(err, ErrNotFound) {
			// deleted since Names was read
			continue
		}
		if err != nil {
			return nil, false, err
		}
		entry, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return entry, true, nil
		}
	}
	return nil, false, nil
}
