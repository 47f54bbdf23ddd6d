package ingest

import "errors"

// Validation sentinels. The facade re-exports these so callers can test with
// errors.Is against either package.
var (
	// ErrInvalidArtifactType is returned for artifact types outside the enum.
	ErrInvalidArtifactType = errors.New("ingest: invalid artifact type")

	// ErrContentTooLarge is returned when content exceeds the 10 MB limit.
	ErrContentTooLarge = errors.New("ingest: content too large")

	// ErrInvalidUTF8 is returned when content is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("ingest: content is not valid UTF-8")

	// ErrEmptyContent is returned when ingest is called with no content.
	ErrEmptyContent = errors.New("ingest: content is required")
)
