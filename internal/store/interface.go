// Package store persists the adapter's JSON documents.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Name identifies one of the persisted documents.
type Name string

// The documents owned by the plugin.
const (
	Cache     Name = "cache"
	CSPConfig Name = "csp_config"
)

// Mode selects how Write combines the given document with the persisted one.
type Mode int

const (
	// ModeMerge overlays the given keys on the persisted document (one level deep).
	ModeMerge Mode = iota
	// ModeReplace makes the given document the new content verbatim.
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeMerge:
		return "merge"
	case ModeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

var (
	// ErrStorageUnavailable is returned when the base directory or a document
	// file cannot be created, read or written.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnknownDocument is returned for document names other than Cache and CSPConfig.
	ErrUnknownDocument = errors.New("unknown document")
)

// Document is a top-level JSON object.
type Document map[string]any

// Store is the interface for persisting the cache and csp_config documents.
type Store interface {
	// Read returns the persisted document. An absent or unparsable document
	// is returned as an empty Document, never as an error.
	Read(ctx context.Context, name Name) (Document, error)
	// Write stores doc according to mode and returns the resulting document.
	Write(ctx context.Context, name Name, doc Document, mode Mode) (Document, error)
	// Save replaces the persisted document with doc.
	Save(ctx context.Context, name Name, doc Document) error
}

// Merge returns a new document holding base overlaid by overlay. Nested
// values are replaced wholesale.
func Merge(base, overlay Document) Document {
	out := make(Document, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// compose computes the document Write persists: doc itself in ModeReplace,
// or doc overlaid on the current content in ModeMerge.
func compose(ctx context.Context, s Store, name Name, doc Document, mode Mode) (Document, error) {
	switch mode {
	case ModeReplace:
		if doc == nil {
			return Document{}, nil
		}
		return doc, nil
	case ModeMerge:
		current, err := s.Read(ctx, name)
		if err != nil {
			return nil, err
		}
		return Merge(current, doc), nil
	default:
		return nil, fmt.Errorf("unsupported write mode %d", mode)
	}
}

func knownName(name Name) bool {
	return name == Cache || name == CSPConfig
}
