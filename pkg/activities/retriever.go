package activities

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/dukex/runflow/pkg/models"
)

type Retriever interface {
	Query(ctx context.Context, text string, topK int) ([]models.RetrievedChunk, error)
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "what": {}, "who": {}, "why": {},
	"how": {}, "does": {}, "did": {}, "can": {}, "could": {}, "would": {}, "should": {},
	"you": {}, "your": {}, "with": {}, "about": {}, "this": {}, "that": {}, "from": {},
	"into": {}, "please": {}, "tell": {}, "explain": {}, "when": {}, "where": {}, "which": {},
	"have": {}, "has": {}, "will": {}, "there": {}, "their": {}, "them": {}, "they": {},
}

// MemoryRetriever scores an in-memory corpus by keyword overlap with the query.
type MemoryRetriever struct {
	chunks []models.RetrievedChunk
	terms  []map[string]struct{}
}

func NewMemoryRetriever(chunks ...models.RetrievedChunk) *MemoryRetriever {
	r := &MemoryRetriever{chunks: chunks, terms: make([]map[string]struct{}, len(chunks))}

	for i, chunk := range chunks {
		r.terms[i] = map[string]struct{}{}
		for _, term := range keywords(chunk.Text) {
			r.terms[i][term] = struct{}{}
		}
	}

	return r
}

func (r *MemoryRetriever) Query(ctx context.Context, text string, topK int) ([]models.RetrievedChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := keywords(text)
	if len(query) == 0 || topK <= 0 {
		return []models.RetrievedChunk{}, nil
	}

	matches := []models.RetrievedChunk{}

	for i, chunk := range r.chunks {
		hits := 0

		for _, term := range query {
			if _, ok := r.terms[i][term]; ok {
				hits++
			}
		}

		if hits == 0 {
			continue
		}

		chunk.Score = float64(hits) / float64(len(query))
		matches = append(matches, chunk)
	}

	slices.SortStableFunc(matches, func(a, b models.RetrievedChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})

	return matches[:min(topK, len(matches))], nil
}

// keywords returns the distinct lowercase terms of text worth matching on.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := map[string]struct{}{}
	terms := []string{}

	for _, field := range fields {
		if len([]rune(field)) < 3 {
			continue
		}

		if _, stop := stopwords[field]; stop {
			continue
		}

		if _, dup := seen[field]; dup {
			continue
		}

		seen[field] = struct{}{}
		terms = append(terms, field)
	}

	return terms
}

// DefaultCorpus is the reference material served when no knowledge base is
// configured.
func DefaultCorpus() []models.RetrievedChunk {
	return []models.RetrievedChunk{
		{
			ID:     "runflow.workflow:0",
			Source: "runflow/workflow.md",
			Text:   "Every run advances through receive, plan, retrieve, respond, verify, maybe_approve and finalize. The workflow snapshot is persisted after every transition.",
		},
		{
			ID:     "runflow.approval:0",
			Source: "runflow/approval.md",
			Text:   "A run whose answer fails verification pauses for human approval. An approved decision overrides verification and the run continues.",
		},
		{
			ID:     "runflow.lease:0",
			Source: "runflow/lease.md",
			Text:   "A lease guarantees one active executor per run across worker processes. Leases expire after their ttl so a crashed worker never blocks a run forever.",
		},
		{
			ID:     "runflow.retry:0",
			Source: "runflow/retry.md",
			Text:   "Failed steps are retried with a fixed backoff until the step attempt limit is reached. Guardrail violations are never retried.",
		},
		{
			ID:     "runflow.tools:0",
			Source: "runflow/tools.md",
			Text:   "Tools run asynchronously. The workflow waits for tool.completed, tool.failed or tool.denied before answering.",
		},
	}
}
