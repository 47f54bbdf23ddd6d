package extract

import (
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// maxNarrative bounds stored narratives; over-length output is truncated on
// a rune boundary rather than dropped.
const maxNarrative = 400

// maxQuoteWords bounds evidence quotes.
const maxQuoteWords = 25

// categorySynonyms maps common LLM drift onto the canonical categories.
// Keys are lowercase; canonical names map to themselves via canonicalSet.
var categorySynonyms = map[string]string{
	"promise":       "Commitment",
	"commit":        "Commitment",
	"agreement":     "Commitment",
	"delivery":      "Execution",
	"work":          "Execution",
	"completed":     "Execution",
	"progress":      "Execution",
	"choice":        "Decision",
	"resolution":    "Decision",
	"meeting":       "Collaboration",
	"discussion":    "Collaboration",
	"coordination":  "Collaboration",
	"risk":          "QualityRisk",
	"quality_risk":  "QualityRisk",
	"quality-risk":  "QualityRisk",
	"issue":         "QualityRisk",
	"blocker":       "QualityRisk",
	"concern":       "QualityRisk",
	"defect":        "QualityRisk",
	"review":        "Feedback",
	"assessment":    "Feedback",
	"reaction":      "Feedback",
	"modification":  "Change",
	"update":        "Change",
	"reschedule":    "Change",
	"scope_change":  "Change",
	"external":      "Stakeholder",
	"client":        "Stakeholder",
	"customer":      "Stakeholder",
	"communication": "Stakeholder",
}

var canonicalSet = map[string]string{
	"commitment":    "Commitment",
	"execution":     "Execution",
	"decision":      "Decision",
	"collaboration": "Collaboration",
	"qualityrisk":   "QualityRisk",
	"feedback":      "Feedback",
	"change":        "Change",
	"stakeholder":   "Stakeholder",
	"other":         "Other",
}

// NormalizeCategory maps a free-form category value onto the canonical set.
// Unmappable values degrade to Other; the second return reports whether the
// value mapped cleanly, so the caller can floor the confidence.
func NormalizeCategory(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if c, ok := canonicalSet[key]; ok {
		return c, true
	}
	if c, ok := categorySynonyms[key]; ok {
		return c, true
	}
	return "Other", false
}

var entityTypes = map[string]bool{
	"person": true, "org": true, "project": true,
	"object": true, "place": true, "other": true,
}

// NormalizeEntityType maps a free-form entity type onto the canonical set,
// defaulting to other.
func NormalizeEntityType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch t {
	case "organization", "organisation", "company", "team":
		return "org"
	case "location":
		return "place"
	case "document", "system", "artifact", "deliverable", "product":
		return "object"
	case "initiative":
		return "project"
	}
	if entityTypes[t] {
		return t
	}
	return "other"
}

var actorRoles = map[string]bool{
	"owner": true, "contributor": true, "reviewer": true,
	"stakeholder": true, "other": true,
}

// NormalizeRole maps a free-form actor role onto the canonical set,
// defaulting to other.
func NormalizeRole(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if actorRoles[r] {
		return r
	}
	switch r {
	case "author", "assignee", "responsible":
		return "owner"
	case "participant", "collaborator":
		return "contributor"
	case "approver":
		return "reviewer"
	}
	return "other"
}

// ChunkText resolves a chunk id to its text for offset validation. A nil
// chunk id addresses the unchunked whole-content text.
type ChunkText func(chunkID *string) (string, bool)

// ValidateEvents re-checks every canonical event against the source text and
// drops what cannot be verified. Evidence whose offsets fall outside the
// chunk, whose span does not contain the quote, or whose chunk id is unknown
// is dropped; events left with no valid evidence are dropped entirely.
// Category, entity type, and role values are normalized in place.
func ValidateEvents(events []ExtractedEvent, text ChunkText) []ExtractedEvent {
	var out []ExtractedEvent
	for _, ev := range events {
		cat, mapped := NormalizeCategory(ev.Category)
		ev.Category = cat
		if !mapped {
			ev.Confidence = 0
		}
		if ev.Confidence < 0 {
			ev.Confidence = 0
		}
		if ev.Confidence > 1 {
			ev.Confidence = 1
		}

		ev.Narrative = strings.TrimSpace(ev.Narrative)
		if ev.Narrative == "" {
			slog.Debug("dropping event with empty narrative", "category", ev.Category)
			continue
		}
		if utf8.RuneCountInString(ev.Narrative) > maxNarrative {
			runes := []rune(ev.Narrative)
			ev.Narrative = string(runes[:maxNarrative])
		}

		for i := range ev.Actors {
			ev.Actors[i].Ref = strings.TrimSpace(ev.Actors[i].Ref)
			ev.Actors[i].Role = NormalizeRole(ev.Actors[i].Role)
		}

		if ev.EventTime != nil {
			if _, err := time.Parse(time.RFC3339, *ev.EventTime); err != nil {
				ev.EventTime = nil
			}
		}

		var kept []ExtractedEvidence
		for _, evd := range ev.Evidence {
			if validEvidence(evd, text) {
				kept = append(kept, evd)
			} else {
				slog.Debug("dropping invalid evidence",
					"quote", evd.Quote, "start", evd.StartChar, "end", evd.EndChar)
			}
		}
		if len(kept) == 0 {
			slog.Debug("dropping event with no valid evidence", "narrative", ev.Narrative)
			continue
		}
		ev.Evidence = kept

		out = append(out, ev)
	}
	return out
}

// validEvidence checks an evidence span against the chunk it claims to come
// from. The quote must appear inside the claimed span; exact offsets are not
// required to bound the quote because canonicalization may have widened them.
func validEvidence(evd ExtractedEvidence, text ChunkText) bool {
	chunk, ok := text(evd.ChunkID)
	if !ok {
		return false
	}
	if evd.StartChar < 0 || evd.EndChar <= evd.StartChar || evd.EndChar > len(chunk) {
		return false
	}
	quote := strings.TrimSpace(evd.Quote)
	if quote == "" || len(strings.Fields(quote)) > maxQuoteWords {
		return false
	}
	return strings.Contains(chunk[evd.StartChar:evd.EndChar], quote)
}
