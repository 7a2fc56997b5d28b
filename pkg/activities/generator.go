package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/runflow/pkg/models"
)

type GenerateRequest struct {
	RunID    string
	Message  string
	Context  string
	Mode     models.Mode
	Evidence []models.RetrievedChunk
}

// Generator streams answer fragments. The error channel yields at most one
// error and is closed once the fragment channel is closed.
type Generator interface {
	Stream(ctx context.Context, request GenerateRequest) (<-chan string, <-chan error)
}

// OfflineGenerator composes an answer from the evidence, citing every chunk
// it uses as [chunk_id]. It needs no model.
type OfflineGenerator struct{}

func (OfflineGenerator) Stream(ctx context.Context, request GenerateRequest) (<-chan string, <-chan error) {
	fragments := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(fragments)

		for _, word := range strings.SplitAfter(composeAnswer(request), " ") {
			select {
			case fragments <- word:
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			}
		}
	}()

	return fragments, errs
}

func composeAnswer(request GenerateRequest) string {
	snippet := snippetOf(request.Message, 80)

	if len(request.Evidence) == 0 {
		return fmt.Sprintf("Mode %s: no reference material matched \"%s\", so this answer relies on the request alone.", request.Mode, snippet)
	}

	var builder strings.Builder

	fmt.Fprintf(&builder, "Here is what the knowledge base says about \"%s\":", snippet)

	for _, chunk := range request.Evidence {
		fmt.Fprintf(&builder, " %s [%s]", firstSentence(chunk.Text), chunk.ID)
	}

	return builder.String()
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		return text[:idx+1]
	}

	return text
}

// collect drains a generator stream into one string.
func collect(ctx context.Context, generator Generator, request GenerateRequest) (string, error) {
	fragments, errs := generator.Stream(ctx, request)

	var builder strings.Builder

	for {
		select {
		case fragment, ok := <-fragments:
			if !ok {
				if err := <-errs; err != nil {
					return builder.String(), err
				}

				return builder.String(), nil
			}

			builder.WriteString(fragment)
		case <-ctx.Done():
			return builder.String(), ctx.Err()
		}
	}
}

func snippetOf(message string, limit int) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) == 0 {
		return "..."
	}

	return string(runes[:min(limit, len(runes))])
}

// countTokens approximates model tokens by whitespace separated words.
func countTokens(texts ...string) int64 {
	var total int64
	for _, text := range texts {
		total += int64(len(strings.Fields(text)))
	}

	return total
}
