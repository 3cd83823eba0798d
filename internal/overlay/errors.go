package overlay

import "errors"

var (
	// ErrCorruptEntry is returned by Read and OpenEntry when an entry fails
	// validation: the backing file is missing, shorter than its header, or
	// carries a bad magic/version. Stat never returns this error.
	ErrCorruptEntry = errors.New("overlay: corrupt entry")

	// ErrNotMaterialized is returned when an operation requires an entry
	// that was never materialized (or was removed).
	ErrNotMaterialized = errors.New("overlay: entry not materialized")

	// ErrStoreMissing is returned by Open when the directory has no store
	// identity file.
	ErrStoreMissing = errors.New("overlay: store not initialized")

	// ErrStoreVersion is returned by Open when the on-disk format version
	// does not match what this build understands.
	ErrStoreVersion = errors.New("overlay: incompatible store format")

	// ErrStoreClosed is returned by operations issued after Close.
	ErrStoreClosed = errors.New("overlay: store is closed")
)
