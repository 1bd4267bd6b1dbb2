package docstore

import "errors"

var (
	// ErrInvalidURL indicates a URL that cannot be canonicalized.
	ErrInvalidURL = errors.New("invalid url")
	// ErrEmptyContent indicates a body below the minimal viable length.
	ErrEmptyContent = errors.New("empty content")
	// ErrDuplicateLineage indicates an attempt to start a second current lineage.
	ErrDuplicateLineage = errors.New("duplicate lineage")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable indicates the persistence layer cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
