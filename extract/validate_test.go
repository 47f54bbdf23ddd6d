package extract

import (
	"strings"
	"testing"
)

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		mapped bool
	}{
		{"Commitment", "Commitment", true},
		{"commitment", "Commitment", true},
		{"  Decision  ", "Decision", true},
		{"qualityrisk", "QualityRisk", true},
		{"quality_risk", "QualityRisk", true},
		{"promise", "Commitment", true},
		{"blocker", "QualityRisk", true},
		{"meeting", "Collaboration", true},
		{"reschedule", "Change", true},
		{"customer", "Stakeholder", true},
		{"other", "Other", true},
		{"banana", "Other", false},
		{"", "Other", false},
	}
	for _, tt := range tests {
		got, mapped := NormalizeCategory(tt.raw)
		if got != tt.want || mapped != tt.mapped {
			t.Errorf("NormalizeCategory(%q) = (%q, %v), want (%q, %v)",
				tt.raw, got, mapped, tt.want, tt.mapped)
		}
	}
}

func TestNormalizeEntityType(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"person", "person"},
		{"Org", "org"},
		{"organization", "org"},
		{"company", "org"},
		{"location", "place"},
		{"document", "object"},
		{"initiative", "project"},
		{"alien", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := NormalizeEntityType(tt.raw); got != tt.want {
			t.Errorf("NormalizeEntityType(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"owner", "owner"},
		{"Owner", "owner"},
		{"author", "owner"},
		{"assignee", "owner"},
		{"participant", "contributor"},
		{"approver", "reviewer"},
		{"stakeholder", "stakeholder"},
		{"wizard", "other"},
	}
	for _, tt := range tests {
		if got := NormalizeRole(tt.raw); got != tt.want {
			t.Errorf("NormalizeRole(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Event validation
// ---------------------------------------------------------------------------

const sampleText = "Alice committed to ship the API by Friday. Bob reviewed the draft."

func wholeText(chunkID *string) (string, bool) {
	if chunkID != nil {
		return "", false
	}
	return sampleText, true
}

func evidenceFor(quote string) []ExtractedEvidence {
	start := strings.Index(sampleText, quote)
	return []ExtractedEvidence{{
		Quote:     quote,
		StartChar: start,
		EndChar:   start + len(quote),
	}}
}

func TestValidateEventsKeepsGood(t *testing.T) {
	events := []ExtractedEvent{{
		Category:   "Commitment",
		Narrative:  "Alice committed to ship the API by Friday.",
		Confidence: 0.9,
		Actors:     []ExtractedActor{{Ref: " Alice ", Role: "author"}},
		Evidence:   evidenceFor("committed to ship the API"),
	}}

	out := ValidateEvents(events, wholeText)
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	ev := out[0]
	if ev.Category != "Commitment" {
		t.Errorf("Category = %q", ev.Category)
	}
	if ev.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", ev.Confidence)
	}
	if ev.Actors[0].Ref != "Alice" || ev.Actors[0].Role != "owner" {
		t.Errorf("actor = %+v, want Alice/owner", ev.Actors[0])
	}
}

func TestValidateEventsUnmappedCategoryFloorsConfidence(t *testing.T) {
	events := []ExtractedEvent{{
		Category:   "miscellaneous",
		Narrative:  "Something happened.",
		Confidence: 0.8,
		Evidence:   evidenceFor("Bob reviewed the draft"),
	}}

	out := ValidateEvents(events, wholeText)
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	if out[0].Category != "Other" {
		t.Errorf("Category = %q, want Other", out[0].Category)
	}
	if out[0].Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", out[0].Confidence)
	}
}

func TestValidateEventsClampsConfidence(t *testing.T) {
	events := []ExtractedEvent{
		{Category: "Decision", Narrative: "x", Confidence: 1.7, Evidence: evidenceFor("Alice")},
		{Category: "Decision", Narrative: "y", Confidence: -0.3, Evidence: evidenceFor("Bob")},
	}
	out := ValidateEvents(events, wholeText)
	if len(out) != 2 {
		t.Fatalf("got %d events, want 2", len(out))
	}
	if out[0].Confidence != 1 || out[1].Confidence != 0 {
		t.Errorf("confidences = %v, %v, want 1, 0", out[0].Confidence, out[1].Confidence)
	}
}

func TestValidateEventsTruncatesNarrative(t *testing.T) {
	long := strings.Repeat("é", maxNarrative+50)
	events := []ExtractedEvent{{
		Category:   "Execution",
		Narrative:  long,
		Confidence: 0.5,
		Evidence:   evidenceFor("Alice"),
	}}
	out := ValidateEvents(events, wholeText)
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	if got := len([]rune(out[0].Narrative)); got != maxNarrative {
		t.Errorf("narrative rune length = %d, want %d", got, maxNarrative)
	}
}

func TestValidateEventsDropsBadEventTime(t *testing.T) {
	bad := "next Friday"
	good := "2026-03-01T10:00:00Z"
	events := []ExtractedEvent{
		{Category: "Commitment", Narrative: "a", Confidence: 0.5, EventTime: &bad, Evidence: evidenceFor("Alice")},
		{Category: "Commitment", Narrative: "b", Confidence: 0.5, EventTime: &good, Evidence: evidenceFor("Bob")},
	}
	out := ValidateEvents(events, wholeText)
	if out[0].EventTime != nil {
		t.Errorf("non-RFC3339 event time kept: %q", *out[0].EventTime)
	}
	if out[1].EventTime == nil || *out[1].EventTime != good {
		t.Error("valid event time dropped")
	}
}

func TestValidateEventsDropsInvalidEvidence(t *testing.T) {
	unknown := "art_x::chunk::099::deadbeef"
	tests := []struct {
		name string
		evd  ExtractedEvidence
	}{
		{"negative start", ExtractedEvidence{Quote: "Alice", StartChar: -1, EndChar: 5}},
		{"end before start", ExtractedEvidence{Quote: "Alice", StartChar: 10, EndChar: 5}},
		{"end past chunk", ExtractedEvidence{Quote: "Alice", StartChar: 0, EndChar: len(sampleText) + 10}},
		{"quote not in span", ExtractedEvidence{Quote: "Charlie", StartChar: 0, EndChar: 20}},
		{"empty quote", ExtractedEvidence{Quote: "   ", StartChar: 0, EndChar: 20}},
		{"quote too long", ExtractedEvidence{
			Quote:     strings.Repeat("word ", maxQuoteWords+1),
			StartChar: 0, EndChar: len(sampleText),
		}},
		{"unknown chunk", ExtractedEvidence{ChunkID: &unknown, Quote: "Alice", StartChar: 0, EndChar: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := []ExtractedEvent{{
				Category:   "Execution",
				Narrative:  "n",
				Confidence: 0.5,
				Evidence:   []ExtractedEvidence{tt.evd},
			}}
			if out := ValidateEvents(events, wholeText); len(out) != 0 {
				t.Errorf("event with only invalid evidence survived: %+v", out)
			}
		})
	}
}

func TestValidateEventsKeepsPartialEvidence(t *testing.T) {
	events := []ExtractedEvent{{
		Category:   "Feedback",
		Narrative:  "Bob reviewed the draft.",
		Confidence: 0.7,
		Evidence: append(evidenceFor("Bob reviewed the draft"),
			ExtractedEvidence{Quote: "nonsense", StartChar: 0, EndChar: 4}),
	}}
	out := ValidateEvents(events, wholeText)
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	if len(out[0].Evidence) != 1 {
		t.Errorf("got %d evidence rows, want 1", len(out[0].Evidence))
	}
}

func TestValidateEventsDropsEmptyNarrative(t *testing.T) {
	events := []ExtractedEvent{{
		Category:   "Execution",
		Narrative:  "   ",
		Confidence: 0.5,
		Evidence:   evidenceFor("Alice"),
	}}
	if out := ValidateEvents(events, wholeText); len(out) != 0 {
		t.Errorf("empty-narrative event survived: %+v", out)
	}
}
