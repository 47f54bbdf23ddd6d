package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Identifier grammar:
//
//	uid_[0-9a-f]{16}  artifact uid, stable across revisions
//	rev_[0-9a-f]{16}  revision id, stable per content
//	art_[0-9a-f]{12}  vector-store artifact id, stable per content
//	evt_[0-9a-f]{32}  event id (UUID, hyphens stripped) on the wire

var (
	reArtifactUID = regexp.MustCompile(`^uid_[0-9a-f]{16}$`)
	reRevisionID  = regexp.MustCompile(`^rev_[0-9a-f]{16}$`)
	reArtifactID  = regexp.MustCompile(`^art_[0-9a-f]{12}$`)
	reEventID     = regexp.MustCompile(`^evt_[0-9a-f]{32}$`)
)

// NewArtifactUID derives the stable artifact uid for a sourced artifact.
// Same (sourceSystem, sourceID) always maps to the same uid, which is what
// makes re-ingestion of a changed source land as a new revision of the same
// logical artifact.
func NewArtifactUID(sourceSystem, sourceID string) string {
	sum := sha256.Sum256([]byte(sourceSystem + ":" + sourceID))
	return "uid_" + hex.EncodeToString(sum[:])[:16]
}

// RandomArtifactUID mints a uid for artifacts with no source identity.
func RandomArtifactUID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a UUID.
		return "uid_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	return "uid_" + hex.EncodeToString(b[:])
}

// NewRevisionID derives the content-addressed revision id.
func NewRevisionID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "rev_" + hex.EncodeToString(sum[:])[:16]
}

// NewArtifactID derives the vector-store artifact id for content.
func NewArtifactID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "art_" + hex.EncodeToString(sum[:])[:12]
}

// ContentHash returns the full hex sha256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// FormatEventID renders an event UUID in wire form (evt_ prefix, no hyphens).
func FormatEventID(id uuid.UUID) string {
	return "evt_" + strings.ReplaceAll(id.String(), "-", "")
}

// ParseEventID parses a wire-form event id back to a UUID.
func ParseEventID(s string) (uuid.UUID, bool) {
	if !reEventID.MatchString(s) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(s, "evt_"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// IsArtifactUID reports whether s is a well-formed artifact uid.
func IsArtifactUID(s string) bool { return reArtifactUID.MatchString(s) }

// IsRevisionID reports whether s is a well-formed revision id.
func IsRevisionID(s string) bool { return reRevisionID.MatchString(s) }

// IsArtifactID reports whether s is a well-formed vector-store artifact id.
func IsArtifactID(s string) bool { return reArtifactID.MatchString(s) }

// IsEventID reports whether s is a well-formed wire event id.
func IsEventID(s string) bool { return reEventID.MatchString(s) }
