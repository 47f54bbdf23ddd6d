package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemo-dev/mnemo"
	"github.com/mnemo-dev/mnemo/llm"
	"github.com/mnemo-dev/mnemo/retrieval"
)

// Evaluator runs scenarios against a Memory instance.
type Evaluator struct {
	mem        mnemo.Memory
	judge      llm.Chatter
	pollEvery  time.Duration
	jobTimeout time.Duration
}

// NewEvaluator creates an Evaluator with the default polling cadence.
func NewEvaluator(mem mnemo.Memory) *Evaluator {
	return &Evaluator{
		mem:        mem,
		pollEvery:  2 * time.Second,
		jobTimeout: 5 * time.Minute,
	}
}

// SetJudge configures an LLM judge. Without a judge only the deterministic
// checks run.
func (e *Evaluator) SetJudge(chat llm.Chatter) {
	e.judge = chat
}

// Report holds the results of an evaluation run.
type Report struct {
	TotalScenarios int              `json:"total_scenarios"`
	Passed         int              `json:"passed"`
	Failed         int              `json:"failed"`
	Results        []ScenarioResult `json:"results"`
	RunTime        time.Duration    `json:"run_time"`
}

// ScenarioResult holds per-scenario diagnostics.
type ScenarioResult struct {
	Name      string       `json:"name"`
	Passed    bool         `json:"passed"`
	Checks    []CheckTrace `json:"checks"`
	Error     string       `json:"error,omitempty"`
	ElapsedMs int64        `json:"elapsed_ms"`
}

// CheckTrace is one assertion outcome.
type CheckTrace struct {
	Query   string `json:"query"`
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Detail  string `json:"detail,omitempty"`
	Verdict string `json:"judge_verdict,omitempty"`
}

// Run executes all scenarios and aggregates the report.
func (e *Evaluator) Run(ctx context.Context, scenarios []Scenario) (*Report, error) {
	start := time.Now()
	report := &Report{TotalScenarios: len(scenarios)}

	for _, sc := range scenarios {
		res := e.runScenario(ctx, sc)
		if res.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, res)
		slog.Info("scenario finished", "name", sc.Name, "passed", res.Passed)
	}

	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runScenario(ctx context.Context, sc Scenario) ScenarioResult {
	start := time.Now()
	res := ScenarioResult{Name: sc.Name, Passed: true}
	defer func() { res.ElapsedMs = time.Since(start).Milliseconds() }()

	fail := func(format string, args ...any) ScenarioResult {
		res.Passed = false
		res.Error = fmt.Sprintf(format, args...)
		return res
	}

	artifactIDs := make([]string, len(sc.Documents))
	for i, doc := range sc.Documents {
		receipt, err := e.mem.Remember(ctx, mnemo.RememberRequest{
			ArtifactType: doc.ArtifactType,
			SourceSystem: "eval",
			SourceID:     doc.SourceID,
			Content:      doc.Content,
		})
		if err != nil {
			return fail("remember %d: %v", i, err)
		}
		artifactIDs[i] = receipt.ArtifactID
		if err := e.waitForExtraction(ctx, receipt.ArtifactID); err != nil {
			return fail("extraction %d: %v", i, err)
		}
	}

	for _, q := range sc.Queries {
		e.runQuery(ctx, &res, q, artifactIDs)
	}

	if sc.ForgetIndex >= 0 && sc.ForgetIndex < len(artifactIDs) {
		if _, err := e.mem.Forget(ctx, artifactIDs[sc.ForgetIndex], true); err != nil {
			return fail("forget: %v", err)
		}
		for _, q := range sc.PostForgetQueries {
			e.runQuery(ctx, &res, q, artifactIDs)
		}
	}

	for _, c := range res.Checks {
		if !c.Passed {
			res.Passed = false
		}
	}
	return res
}

// waitForExtraction polls status until the job settles or times out.
func (e *Evaluator) waitForExtraction(ctx context.Context, artifactID string) error {
	deadline := time.Now().Add(e.jobTimeout)
	for {
		st, err := e.mem.Status(ctx, artifactID)
		if err != nil {
			return err
		}
		if st.Job != nil {
			switch st.Job.State {
			case "COMPLETED":
				return nil
			case "FAILED":
				msg := ""
				if st.Job.LastError != nil {
					msg = *st.Job.LastError
				}
				return fmt.Errorf("extraction failed: %s", msg)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("extraction did not settle within %s", e.jobTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollEvery):
		}
	}
}

func (e *Evaluator) runQuery(ctx context.Context, res *ScenarioResult, q Query, artifactIDs []string) {
	expand := q.Expand
	resp, err := e.mem.Recall(ctx, retrieval.Request{
		Query:       q.Query,
		Expand:      &expand,
		GraphBudget: q.GraphBudget,
	})
	if err != nil {
		res.Checks = append(res.Checks, CheckTrace{
			Query: q.Query, Check: "recall", Passed: false, Detail: err.Error(),
		})
		return
	}

	contains := func(artifactID string) bool {
		for _, r := range resp.Results {
			if r.ID == artifactID {
				return true
			}
		}
		return false
	}

	if q.ExpectDocument >= 0 && q.ExpectDocument < len(artifactIDs) {
		id := artifactIDs[q.ExpectDocument]
		res.Checks = append(res.Checks, CheckTrace{
			Query:  q.Query,
			Check:  fmt.Sprintf("result contains %s", id),
			Passed: contains(id),
		})
	}
	if q.AbsentDocument >= 0 && q.AbsentDocument < len(artifactIDs) {
		id := artifactIDs[q.AbsentDocument]
		res.Checks = append(res.Checks, CheckTrace{
			Query:  q.Query,
			Check:  fmt.Sprintf("result omits %s", id),
			Passed: !contains(id),
		})
	}

	if q.ExpectCategory != "" {
		found := false
		for _, r := range resp.Results {
			for _, ev := range r.Events {
				if ev.Category == q.ExpectCategory {
					found = true
				}
			}
		}
		res.Checks = append(res.Checks, CheckTrace{
			Query:  q.Query,
			Check:  fmt.Sprintf("event category %s", q.ExpectCategory),
			Passed: found,
		})
	}

	if q.ExpectActor != "" {
		found := false
		for _, r := range resp.Results {
			for _, ev := range r.Events {
				for _, a := range ev.Actors {
					if strings.EqualFold(a.Ref, q.ExpectActor) {
						found = true
					}
				}
			}
		}
		res.Checks = append(res.Checks, CheckTrace{
			Query:  q.Query,
			Check:  fmt.Sprintf("event actor %s", q.ExpectActor),
			Passed: found,
		})
	}

	if q.ExpectRelatedPrefix != "" {
		found := false
		for _, rel := range resp.Related {
			if strings.HasPrefix(rel.Reason, q.ExpectRelatedPrefix) {
				found = true
			}
		}
		res.Checks = append(res.Checks, CheckTrace{
			Query:  q.Query,
			Check:  fmt.Sprintf("related reason prefix %s", q.ExpectRelatedPrefix),
			Passed: found,
		})
	}

	if e.judge != nil && len(resp.Results) > 0 {
		verdict, err := e.judgeRelevance(ctx, q.Query, resp.Results[0].Content)
		trace := CheckTrace{Query: q.Query, Check: "judge relevance", Verdict: verdict}
		if err != nil {
			trace.Passed = true // judge failures never fail a scenario
			trace.Detail = err.Error()
		} else {
			trace.Passed = verdict == "relevant"
		}
		res.Checks = append(res.Checks, trace)
	}
}

// judgePrompt asks the judge whether a retrieved text answers the query.
const judgePrompt = `You are a strict relevance judge for a retrieval system.

QUERY:
%s

TOP RESULT:
%s

Return a JSON object with exactly one key:
  "verdict" : "relevant" or "irrelevant"

Do NOT include any text outside the JSON object.`

func (e *Evaluator) judgeRelevance(ctx context.Context, query, content string) (string, error) {
	resp, err := e.judge.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(judgePrompt, query, content),
		}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return "", err
	}
	var v struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &v); err != nil {
		return "", fmt.Errorf("parsing judge verdict: %w", err)
	}
	return v.Verdict, nil
}
