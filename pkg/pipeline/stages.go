package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"researchd/pkg/eventbus"
	"researchd/pkg/metrics"
	"researchd/pkg/provider"
	"researchd/pkg/toolclient"
)

// Stage names, in execution order.
const (
	StageBrainstorm = "brainstorm"
	StageSearch     = "search"
	StageSynthesize = "synthesize"
	StagePersist    = "persist"
)

// Stages is the fixed pipeline order. Ordinals are positions in this slice.
var Stages = []string{StageBrainstorm, StageSearch, StageSynthesize, StagePersist}

// maxPromptTokens bounds the estimated prompt size sent to a provider.
const maxPromptTokens = 16000

// maxSearchQueries caps how many brainstormed queries the search stage runs.
const maxSearchQueries = 8

const searchResultLimit = 5

// cancelPollChunks is how many stream chunks pass between cooperative
// cancellation polls while a synthesis stream is open.
const cancelPollChunks = 4

// brainstormArtifact is the checkpointed output of the brainstorm stage.
type brainstormArtifact struct {
	Queries []string `json:"queries"`
}

// finding is one query's search results.
type finding struct {
	Query   string                    `json:"query"`
	Results []toolclient.SearchResult `json:"results"`
}

// searchArtifact is the checkpointed output of the search stage.
type searchArtifact struct {
	Findings  []finding             `json:"findings"`
	RepoFiles []toolclient.RepoFile `json:"repoFiles,omitempty"`
}

// run carries one session's state across stages.
type run struct {
	sessionID string
	mode      string
	payload   Payload
	client    provider.Client
	artifacts map[string]string
}

const brainstormSystem = `You are a senior software researcher. Given a ` +
	`subject to analyze, produce focused documentation search queries that ` +
	`would surface the most relevant background material. Reply with one ` +
	`query per line and nothing else.`

func (o *Orchestrator) runBrainstorm(ctx context.Context, r *run) (string, error) {
	req := provider.NewRequest(fmt.Sprintf(
		"Subject: %s\nMode: %s\n\nList the documentation search queries to run.",
		r.payload.Subject(r.mode), r.mode))
	req.System = brainstormSystem
	if err := provider.CheckPromptBudget(req, maxPromptTokens); err != nil {
		return "", err
	}
	o.recordTokens(r, req)

	text, err := r.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	queries := parseQueries(text)
	if len(queries) == 0 {
		return "", Permanent(fmt.Errorf("brainstorm produced no usable queries"))
	}
	if len(queries) > maxSearchQueries {
		queries = queries[:maxSearchQueries]
	}

	raw, err := json.Marshal(brainstormArtifact{Queries: queries})
	if err != nil {
		return "", Permanent(err)
	}
	return string(raw), nil
}

// parseQueries extracts one query per line, tolerating bullet and numbered
// list formatting the models like to add anyway.
func parseQueries(text string) []string {
	var queries []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		queries = append(queries, line)
	}
	return queries
}

func (o *Orchestrator) runSearch(ctx context.Context, r *run) (string, error) {
	var brainstorm brainstormArtifact
	if err := json.Unmarshal([]byte(r.artifacts[StageBrainstorm]), &brainstorm); err != nil {
		return "", Permanent(fmt.Errorf("unreadable brainstorm artifact: %w", err))
	}

	findings := make([]finding, 0, len(brainstorm.Queries))
	for _, query := range brainstorm.Queries {
		if err := o.checkCancel(r.sessionID); err != nil {
			return "", err
		}
		results, err := o.tool.Search(ctx, toolclient.SearchParams{Query: query, Limit: searchResultLimit})
		if err != nil {
			return "", err
		}
		findings = append(findings, finding{Query: query, Results: results})
	}

	// Repository analysis grounds the report in the actual tree, not only in
	// documentation hits.
	var repoFiles []toolclient.RepoFile
	if r.mode == ModeAutoAnalyze && r.payload.RepoURL != "" {
		files, err := o.tool.ListRepoFiles(ctx, toolclient.RepoListParams{RepoURL: r.payload.RepoURL})
		if err != nil {
			return "", err
		}
		repoFiles = files
	}

	raw, err := json.Marshal(searchArtifact{Findings: findings, RepoFiles: repoFiles})
	if err != nil {
		return "", Permanent(err)
	}
	return string(raw), nil
}

const synthesizeSystem = `You are a senior software researcher writing a ` +
	`final report. Synthesize the collected findings into a well-structured ` +
	`markdown document with a summary, key observations, and recommendations.`

func (o *Orchestrator) runSynthesize(ctx context.Context, r *run) (string, error) {
	var search searchArtifact
	if err := json.Unmarshal([]byte(r.artifacts[StageSearch]), &search); err != nil {
		return "", Permanent(fmt.Errorf("unreadable search artifact: %w", err))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\n\nFindings:\n", r.payload.Subject(r.mode))
	for _, f := range search.Findings {
		fmt.Fprintf(&sb, "\n## Query: %s\n", f.Query)
		for _, res := range f.Results {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", res.Title, res.URL, res.Snippet)
		}
	}
	if len(search.RepoFiles) > 0 {
		sb.WriteString("\n## Repository layout\n")
		for _, f := range search.RepoFiles {
			fmt.Fprintf(&sb, "- %s (%d bytes)\n", f.Path, f.Size)
		}
	}

	req := provider.NewRequest(sb.String())
	req.System = synthesizeSystem
	if err := provider.CheckPromptBudget(req, maxPromptTokens); err != nil {
		return "", err
	}
	o.recordTokens(r, req)

	stream, err := r.client.StreamGenerate(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()

	var report strings.Builder
	chunks := 0
	for stream.Next() {
		chunk := stream.Chunk()
		report.WriteString(chunk.Text)
		if _, err := o.bus.Publish(r.sessionID, eventbus.EventLog, chunk.Text); err != nil {
			o.logger.Warn("failed to publish synthesis chunk for %s: %v", r.sessionID, err)
		}
		// A long generation must not outlive a cancellation request; the
		// deferred Close cuts the in-flight stream on return.
		chunks++
		if chunks%cancelPollChunks == 0 {
			if err := o.checkCancel(r.sessionID); err != nil {
				return "", err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if err := o.checkCancel(r.sessionID); err != nil {
		return "", err
	}
	if report.Len() == 0 {
		return "", fmt.Errorf("synthesis produced no output")
	}
	return report.String(), nil
}

func (o *Orchestrator) runPersist(_ context.Context, r *run) (string, error) {
	report := r.artifacts[StageSynthesize]
	if report == "" {
		return "", Permanent(fmt.Errorf("no synthesized report to persist"))
	}

	if err := os.MkdirAll(o.artifactDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := filepath.Join(o.artifactDir, r.sessionID+".md")
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

// recordTokens accumulates the session's estimated prompt spend. Estimation
// failures only cost the metric, never the request.
func (o *Orchestrator) recordTokens(r *run, req provider.Request) {
	tokens, err := provider.EstimateTokens(req.System + req.Prompt)
	if err != nil {
		return
	}
	metrics.AddSessionTokens(r.sessionID, tokens)
	metrics.RecordProviderCall(r.client.ModelName(), "requested")
}

func (o *Orchestrator) stageFunc(stage string) func(context.Context, *run) (string, error) {
	switch stage {
	case StageBrainstorm:
		return o.runBrainstorm
	case StageSearch:
		return o.runSearch
	case StageSynthesize:
		return o.runSynthesize
	case StagePersist:
		return o.runPersist
	default:
		return nil
	}
}
