// Package extract implements the two-phase LLM extraction: a per-chunk pass
// that pulls entities and candidate events out of the text, and a per-revision
// canonicalization pass that deduplicates across chunks. All offsets are
// re-validated against the chunk text before anything is persisted.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mnemo-dev/mnemo/llm"
)

// ExtractedEntity is what the per-chunk pass returns for a named thing.
type ExtractedEntity struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Aliases []string `json:"aliases,omitempty"`
}

// ExtractedActor names a participant in an event with its role.
type ExtractedActor struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
}

// ExtractedEvidence is a supporting span, offsets relative to the chunk text.
type ExtractedEvidence struct {
	ChunkID   *string `json:"chunk_id,omitempty"`
	Quote     string  `json:"quote"`
	StartChar int     `json:"start_char"`
	EndChar   int     `json:"end_char"`
}

// ExtractedEvent is one candidate or canonical event.
type ExtractedEvent struct {
	Category   string              `json:"category"`
	Subject    string              `json:"subject,omitempty"`
	Actors     []ExtractedActor    `json:"actors,omitempty"`
	EventTime  *string             `json:"event_time,omitempty"`
	Narrative  string              `json:"narrative"`
	Evidence   []ExtractedEvidence `json:"evidence"`
	Confidence float64             `json:"confidence"`
}

// ChunkResult holds the per-chunk pass output for one chunk.
type ChunkResult struct {
	ChunkID  *string           `json:"chunk_id"`
	Entities []ExtractedEntity `json:"entities"`
	Events   []ExtractedEvent  `json:"events"`
}

// chunkExtractionPrompt asks the LLM for entities and events from one chunk.
// Two atomic concerns in one call keeps the pass at one LLM round trip per
// chunk; canonicalization across chunks happens in the second pass.
const chunkExtractionPrompt = `You are a semantic event extraction engine for workplace artifacts (emails, documents, chat, transcripts, notes).
Given the following text chunk, extract all named entities and all semantic events.

ENTITY TYPES (use exactly these values):
- person  : a named individual
- org     : a company, team, or institution
- project : a named project, initiative, or product effort
- object  : a concrete artifact (document, system, component, deliverable)
- place   : a physical or virtual location
- other   : anything named that fits none of the above

EVENT CATEGORIES (use exactly these values):
- Commitment    : someone promises or agrees to do something
- Execution     : work was performed or delivered
- Decision      : a choice was made between alternatives
- Collaboration : people worked together, met, or coordinated
- QualityRisk   : a defect, risk, blocker, or concern was raised
- Feedback      : an assessment or reaction to work was given
- Change        : a plan, scope, date, or requirement changed
- Stakeholder   : an external party was engaged or informed

ACTOR ROLES (use exactly these values): owner, contributor, reviewer, stakeholder, other

Return a JSON object with exactly two keys:
  "entities" : array of {"name": string, "type": string, "aliases": [string]}
  "events"   : array of {"category": string, "subject": string, "actors": [{"ref": string, "role": string}],
               "event_time": string or null, "narrative": string,
               "evidence": [{"quote": string, "start_char": int, "end_char": int}],
               "confidence": number}

Rules:
- Evidence offsets are character positions within THIS chunk's text.
- Each evidence quote must be at most 25 words and copied verbatim from the text.
- event_time is ISO 8601 when the text states a time, null otherwise. Never guess.
- Narrative is one self-contained sentence, at most 400 characters.
- Confidence is a float between 0.0 and 1.0.
- Only include entities and events clearly supported by the text.
- If there are none, return empty arrays.
- Do NOT include any text outside the JSON object.

EXAMPLES:

Input: "Maria agreed to deliver the API migration plan by Friday. Tom from Platform raised a concern about the rollback path."
Output:
{"entities": [{"name": "Maria", "type": "person", "aliases": []}, {"name": "Tom", "type": "person", "aliases": []}, {"name": "Platform", "type": "org", "aliases": []}, {"name": "API migration plan", "type": "object", "aliases": []}], "events": [{"category": "Commitment", "subject": "API migration plan", "actors": [{"ref": "Maria", "role": "owner"}], "event_time": null, "narrative": "Maria agreed to deliver the API migration plan by Friday.", "evidence": [{"quote": "Maria agreed to deliver the API migration plan by Friday.", "start_char": 0, "end_char": 58}], "confidence": 0.95}, {"category": "QualityRisk", "subject": "rollback path", "actors": [{"ref": "Tom", "role": "reviewer"}], "event_time": null, "narrative": "Tom from Platform raised a concern about the rollback path.", "evidence": [{"quote": "Tom from Platform raised a concern about the rollback path.", "start_char": 59, "end_char": 118}], "confidence": 0.9}]}

Input: "On 2025-03-02 the steering group decided to postpone the Q2 launch to July."
Output:
{"entities": [{"name": "steering group", "type": "org", "aliases": []}, {"name": "Q2 launch", "type": "object", "aliases": []}], "events": [{"category": "Decision", "subject": "Q2 launch", "actors": [{"ref": "steering group", "role": "owner"}], "event_time": "2025-03-02T00:00:00Z", "narrative": "The steering group decided to postpone the Q2 launch to July.", "evidence": [{"quote": "the steering group decided to postpone the Q2 launch to July", "start_char": 14, "end_char": 74}], "confidence": 0.92}]}

TEXT:
%s`

// canonicalizationPrompt merges per-chunk results into a deduplicated event
// list for the revision. Evidence keeps its chunk_id and chunk-relative
// offsets so server-side validation can still check every span.
const canonicalizationPrompt = `You are a canonicalization engine for semantic events extracted from one document revision.
The document was processed in chunks; the same real-world occurrence may appear in several chunks' results.

Given the per-chunk extraction results below, produce ONE deduplicated list of canonical events.

Rules:
- Merge two events ONLY when they clearly describe the same occurrence (same action, same participants, compatible times). When in doubt, keep them separate.
- A merged event keeps ALL evidence entries from every chunk that supported it. Evidence entries keep their original chunk_id, quote, start_char, and end_char unchanged.
- A merged event's confidence is the maximum of the merged inputs.
- Keep the clearer narrative of the merged inputs; do not invent new wording beyond light smoothing.
- Do not drop events; every input event appears in exactly one output event.
- Use the same category, actor role, and field values as the inputs.

Return a JSON object with exactly one key:
  "events" : array of {"category": string, "subject": string, "actors": [{"ref": string, "role": string}],
             "event_time": string or null, "narrative": string,
             "evidence": [{"chunk_id": string or null, "quote": string, "start_char": int, "end_char": int}],
             "confidence": number}

Do NOT include any text outside the JSON object.

PER-CHUNK RESULTS:
%s`

// Extractor runs both passes against a chat provider.
type Extractor struct {
	chat llm.Chatter
}

// New creates an Extractor.
func New(chat llm.Chatter) *Extractor {
	return &Extractor{chat: chat}
}

// chunkResponse is the wire shape of the per-chunk pass.
type chunkResponse struct {
	Entities []ExtractedEntity `json:"entities"`
	Events   []ExtractedEvent  `json:"events"`
}

// canonicalResponse is the wire shape of the canonicalization pass.
type canonicalResponse struct {
	Events []ExtractedEvent `json:"events"`
}

// ExtractChunk runs the per-chunk pass on one chunk's text. Non-conforming
// JSON is retried once; a second failure is returned as a transient error so
// the job scheduler backs off rather than failing the revision.
func (x *Extractor) ExtractChunk(ctx context.Context, chunkID *string, text string) (*ChunkResult, error) {
	prompt := fmt.Sprintf(chunkExtractionPrompt, text)

	var result chunkResponse
	if err := x.callJSON(ctx, prompt, &result); err != nil {
		return nil, fmt.Errorf("chunk extraction: %w", err)
	}

	out := &ChunkResult{ChunkID: chunkID, Entities: result.Entities, Events: result.Events}
	for i := range out.Events {
		for j := range out.Events[i].Evidence {
			out.Events[i].Evidence[j].ChunkID = chunkID
		}
	}
	return out, nil
}

// Canonicalize runs the cross-chunk pass over accumulated per-chunk results.
// A single chunk's result is passed through the canonicalizer too: merging is
// a no-op but narrative smoothing and schema enforcement still apply.
func (x *Extractor) Canonicalize(ctx context.Context, results []ChunkResult) ([]ExtractedEvent, error) {
	input, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshalling chunk results: %w", err)
	}
	prompt := fmt.Sprintf(canonicalizationPrompt, string(input))

	var result canonicalResponse
	if err := x.callJSON(ctx, prompt, &result); err != nil {
		return nil, fmt.Errorf("canonicalization: %w", err)
	}
	return result.Events, nil
}

// callJSON issues a temperature-0 JSON-object chat call, parses the response
// into out, and retries exactly once on malformed output.
func (x *Extractor) callJSON(ctx context.Context, prompt string, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := x.chat.Chat(ctx, llm.ChatRequest{
			Messages:       []llm.Message{{Role: "user", Content: prompt}},
			Temperature:    0.0,
			ResponseFormat: "json_object",
		})
		if err != nil {
			return err
		}

		jsonStr, err := extractJSON(resp.Content)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
			lastErr = fmt.Errorf("unmarshalling response: %w", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: malformed JSON after retry: %w", llm.ErrTransient, lastErr)
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in the response text, tolerating markdown
// code blocks and stray text around the object.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}
