package analyzer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/bdougie/stagecut/internal/models"
	"github.com/bdougie/stagecut/internal/stages"
)

// ChunkKind is the type of a ReportChunk event.
type ChunkKind int

const (
	ChunkStart ChunkKind = iota
	ChunkContent
	ChunkComplete
	ChunkError
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkStart:
		return "start"
	case ChunkContent:
		return "content"
	case ChunkComplete:
		return "complete"
	case ChunkError:
		return "error"
	}
	return "unknown"
}

// ReportChunk is one event of a streamed report. A stream always ends with
// exactly one ChunkComplete or ChunkError, unless the consumer cancels.
type ReportChunk struct {
	Kind    ChunkKind
	Content string
	Err     error
}

// Reporter streams a generated report. The channel is closed after the final
// chunk. Consumers stop early by cancelling ctx.
type Reporter interface {
	StreamReport(ctx context.Context, prompt string) <-chan ReportChunk
}

// OllamaReporter streams reports from an Ollama chat model.
type OllamaReporter struct {
	client *api.Client
	model  string
}

// NewOllamaReporter creates a reporter for the Ollama server at baseURL.
func NewOllamaReporter(baseURL, model string) (*OllamaReporter, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return &OllamaReporter{
		client: api.NewClient(u, http.DefaultClient),
		model:  model,
	}, nil
}

// StreamReport starts a streaming chat request for prompt and forwards each
// content delta as a ChunkContent.
func (r *OllamaReporter) StreamReport(ctx context.Context, prompt string) <-chan ReportChunk {
	out := make(chan ReportChunk)

	go func() {
		defer close(out)

		send := func(c ReportChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(ReportChunk{Kind: ChunkStart}) {
			return
		}

		stream := true
		err := r.client.Chat(ctx, &api.ChatRequest{
			Model: r.model,
			Messages: []api.Message{
				{
					Role:    "user",
					Content: prompt,
				},
			},
			Stream: &stream,
		}, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			if !send(ReportChunk{Kind: ChunkContent, Content: resp.Message.Content}) {
				return ctx.Err()
			}
			return nil
		})

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			send(ReportChunk{Kind: ChunkError, Err: err})
			return
		}
		send(ReportChunk{Kind: ChunkComplete})
	}()

	return out
}

// CollectReport drains a report stream into a string, calling onChunk for
// every content delta. When maxChars > 0 the stream is cancelled as soon as
// that many characters have arrived and the text is cut to maxChars.
func CollectReport(ctx context.Context, r Reporter, prompt string, maxChars int, onChunk func(string)) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		b strings.Builder
		n int
	)
	for chunk := range r.StreamReport(ctx, prompt) {
		switch chunk.Kind {
		case ChunkContent:
			runes := []rune(chunk.Content)
			if maxChars > 0 && len(runes) > maxChars-n {
				runes = runes[:maxChars-n]
			}
			n += len(runes)
			b.WriteString(string(runes))
			if onChunk != nil && len(runes) > 0 {
				onChunk(string(runes))
			}
			if maxChars > 0 && n >= maxChars {
				cancel()
				return b.String(), nil
			}
		case ChunkError:
			return b.String(), chunk.Err
		case ChunkComplete:
			return b.String(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

// BuildReportPrompt asks for a comparison report over the matched stages.
func BuildReportPrompt(query string, matches []models.StageMatch) string {
	var b strings.Builder
	b.WriteString("You are a professional video stage analyst. Compare how the products below handle the user's scenario.\n\n")
	fmt.Fprintf(&b, "User scenario: %q\n\n", query)
	b.WriteString("Matched stages:\n")
	for i, m := range matches {
		product := m.ProductName
		if product == "" {
			product = "unknown product"
		}
		fmt.Fprintf(&b, "\nStage %d:\n", i+1)
		fmt.Fprintf(&b, "- Product: %s\n", product)
		fmt.Fprintf(&b, "- Video: %s\n", m.Stage.VideoID)
		fmt.Fprintf(&b, "- Name: %s\n", m.Stage.Name)
		fmt.Fprintf(&b, "- Time: %s (%.2fs)\n", stages.FormatRange(m.Stage.Start, m.Stage.End), m.Stage.Duration)
		fmt.Fprintf(&b, "- Similarity: %.3f\n", m.Similarity)
		desc := m.Stage.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- Description: %s\n", desc)
	}
	b.WriteString("\nWrite a concise Markdown report: summarize each product's flow for this scenario, ")
	b.WriteString("compare their durations, and point out where one product is noticeably slower or has extra steps.\n")
	return b.String()
}
