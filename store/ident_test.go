package store

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewArtifactUID(t *testing.T) {
	a := NewArtifactUID("jira", "PROJ-123")
	b := NewArtifactUID("jira", "PROJ-123")
	if a != b {
		t.Errorf("uid not stable: %q vs %q", a, b)
	}
	if !IsArtifactUID(a) {
		t.Errorf("uid %q not well-formed", a)
	}
	if NewArtifactUID("jira", "PROJ-124") == a {
		t.Error("distinct source ids collide")
	}
	if NewArtifactUID("linear", "PROJ-123") == a {
		t.Error("distinct source systems collide")
	}
}

func TestRandomArtifactUID(t *testing.T) {
	a := RandomArtifactUID()
	b := RandomArtifactUID()
	if !IsArtifactUID(a) || !IsArtifactUID(b) {
		t.Errorf("random uids %q / %q not well-formed", a, b)
	}
	if a == b {
		t.Error("random uids collide")
	}
}

func TestNewRevisionID(t *testing.T) {
	a := NewRevisionID("hello world")
	if !IsRevisionID(a) {
		t.Errorf("revision id %q not well-formed", a)
	}
	if a != NewRevisionID("hello world") {
		t.Error("revision id not content-addressed")
	}
	if a == NewRevisionID("hello world!") {
		t.Error("distinct contents collide")
	}
}

func TestNewArtifactID(t *testing.T) {
	a := NewArtifactID("hello world")
	if !IsArtifactID(a) {
		t.Errorf("artifact id %q not well-formed", a)
	}
	if a != NewArtifactID("hello world") {
		t.Error("artifact id not content-addressed")
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	id := uuid.New()
	wire := FormatEventID(id)
	if !IsEventID(wire) {
		t.Fatalf("wire id %q not well-formed", wire)
	}
	back, ok := ParseEventID(wire)
	if !ok {
		t.Fatalf("ParseEventID(%q) failed", wire)
	}
	if back != id {
		t.Errorf("round trip = %s, want %s", back, id)
	}
}

func TestParseEventIDRejects(t *testing.T) {
	for _, s := range []string{
		"",
		"evt_",
		"evt_short",
		"evt_ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ",
		"uid_0123456789abcdef",
		"evt_0123456789abcdef0123456789abcde", // 31 chars
	} {
		if _, ok := ParseEventID(s); ok {
			t.Errorf("ParseEventID(%q) accepted malformed input", s)
		}
	}
}

func TestIdentifierGrammar(t *testing.T) {
	tests := []struct {
		s    string
		isU  bool
		isR  bool
		isA  bool
	}{
		{"uid_0123456789abcdef", true, false, false},
		{"rev_0123456789abcdef", false, true, false},
		{"art_0123456789ab", false, false, true},
		{"uid_0123456789ABCDEF", false, false, false}, // uppercase rejected
		{"uid_0123456789abcde", false, false, false},  // short
		{"art_0123456789abcd", false, false, false},   // long
	}
	for _, tt := range tests {
		if got := IsArtifactUID(tt.s); got != tt.isU {
			t.Errorf("IsArtifactUID(%q) = %v, want %v", tt.s, got, tt.isU)
		}
		if got := IsRevisionID(tt.s); got != tt.isR {
			t.Errorf("IsRevisionID(%q) = %v, want %v", tt.s, got, tt.isR)
		}
		if got := IsArtifactID(tt.s); got != tt.isA {
			t.Errorf("IsArtifactID(%q) = %v, want %v", tt.s, got, tt.isA)
		}
	}
}

func TestContentHash(t *testing.T) {
	h := ContentHash("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if h != want {
		t.Errorf("ContentHash(\"abc\") = %s, want %s", h, want)
	}
}
