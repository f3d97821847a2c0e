package extraction

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultMaxOutputTokens bounds the model output for one statement
const DefaultMaxOutputTokens = 16000

// Result is a parsed statement along with how it was obtained
type Result struct {
	Statement *StatementData
	Kind      CandidateKind
	Truncated bool
	Usage     Usage
}

// Extractor turns statement text into structured data
type Extractor interface {
	Extract(ctx context.Context, text string) (*Result, error)
}

// Service prompts the inference service and repairs its output
type Service struct {
	client    Client
	maxTokens int
}

// NewService creates a Service. maxTokens <= 0 selects DefaultMaxOutputTokens.
func NewService(client Client, maxTokens int) *Service {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	return &Service{
		client:    client,
		maxTokens: maxTokens,
	}
}

// Extract implements Extractor
func (s *Service) Extract(ctx context.Context, text string) (*Result, error) {
	completion, err := s.client.Complete(ctx, BuildPrompt(text), s.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("calling extraction model: %w", err)
	}

	truncated := completion.StopReason == StopMaxTokens
	if truncated {
		slog.Warn("Extraction response hit the output token limit, attempting to parse partial output",
			"model", completion.Model,
			"max_tokens", s.maxTokens,
			"output_tokens", completion.Usage.OutputTokens,
		)
	}

	raw, err := completion.Text()
	if err != nil {
		return nil, err
	}

	candidate := ParseResponse(raw)
	stmt, err := candidate.Result()
	if err != nil {
		slog.Error("Failed to parse extraction response",
			"model", completion.Model,
			"response_length", len(raw),
			"error", err,
		)
		return nil, err
	}
	if candidate.Kind == CandidateRecovered {
		slog.Warn("Recovered expenses only, summary was discarded",
			"model", completion.Model,
			"expenses", len(stmt.Expenses),
		)
	}

	return &Result{
		Statement: stmt,
		Kind:      candidate.Kind,
		Truncated: truncated,
		Usage:     completion.Usage,
	}, nil
}
