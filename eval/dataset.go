// Package eval is an end-to-end evaluation harness for a running memory
// server: it remembers a fixed corpus, polls extraction to completion, runs
// recall queries, and scores the results with deterministic checks plus an
// LLM judge.
package eval

// Scenario is one end-to-end evaluation case.
type Scenario struct {
	Name string `json:"name"`

	// Documents remembered before querying, in order.
	Documents []Document `json:"documents"`

	// Queries run after all extraction jobs complete.
	Queries []Query `json:"queries"`

	// ForgetIndex, when >= 0, forgets that document (by position) after the
	// queries above and then runs PostForgetQueries.
	ForgetIndex       int     `json:"forget_index"`
	PostForgetQueries []Query `json:"post_forget_queries,omitempty"`
}

// Document is one artifact to remember.
type Document struct {
	ArtifactType string `json:"artifact_type"`
	Content      string `json:"content"`
	SourceID     string `json:"source_id,omitempty"`
}

// Query is one recall invocation with its expectations.
type Query struct {
	Query       string `json:"query"`
	Expand      bool   `json:"expand"`
	GraphBudget int    `json:"graph_budget,omitempty"`

	// ExpectDocument asserts the given document (by position) appears among
	// primary results; -1 asserts it does NOT appear.
	ExpectDocument int `json:"expect_document"`

	// ExpectCategory asserts some attached event has this category.
	ExpectCategory string `json:"expect_category,omitempty"`

	// ExpectActor asserts some attached event has an actor with this name.
	ExpectActor string `json:"expect_actor,omitempty"`

	// ExpectRelatedPrefix asserts some related event's reason starts with
	// this prefix.
	ExpectRelatedPrefix string `json:"expect_related_prefix,omitempty"`

	// AbsentDocument asserts the given document does not appear.
	AbsentDocument int `json:"absent_document"`
}

// CoreScenarios returns the fixed acceptance scenarios.
func CoreScenarios() []Scenario {
	return []Scenario{
		{
			Name:        "store-retrieve",
			ForgetIndex: -1,
			Documents: []Document{
				{ArtifactType: "note", Content: "The pricing decision is freemium for launch."},
			},
			Queries: []Query{
				{Query: "pricing model", ExpectDocument: 0, AbsentDocument: -1},
			},
		},
		{
			Name:        "event-extraction",
			ForgetIndex: -1,
			Documents: []Document{
				{ArtifactType: "chat", Content: "Alice committed to ship the API by Friday."},
			},
			Queries: []Query{
				{
					Query:          "API shipping commitment",
					ExpectDocument: 0,
					ExpectCategory: "Commitment",
					ExpectActor:    "Alice",
					AbsentDocument: -1,
				},
			},
		},
		{
			Name:        "graph-expansion-and-forget",
			ForgetIndex: 0,
			Documents: []Document{
				{ArtifactType: "note", Content: "Alice decided to use Postgres.", SourceID: "eval-graph-a"},
				{ArtifactType: "note", Content: "Alice deployed the Postgres migration on Monday.", SourceID: "eval-graph-b"},
			},
			Queries: []Query{
				{
					Query:               "database choice",
					Expand:              true,
					GraphBudget:         5,
					ExpectDocument:      0,
					ExpectRelatedPrefix: "same_actor:",
					AbsentDocument:      -1,
				},
			},
			PostForgetQueries: []Query{
				{Query: "database choice", ExpectDocument: -1, AbsentDocument: 0},
				{Query: "deployed on Monday", ExpectDocument: 1, AbsentDocument: -1},
			},
		},
	}
}
