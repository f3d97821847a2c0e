package extraction

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse is returned when the model produced no content at all
	ErrEmptyResponse = errors.New("empty response from extraction model")

	// ErrNonTextContent is returned when the model's content block is not text
	ErrNonTextContent = errors.New("extraction model returned a non-text content block")
)

// StopReason says why the model stopped generating
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// ContentType identifies the kind of a content block
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentBlob         ContentType = "blob"
	ContentFunctionCall ContentType = "function_call"
	ContentUnknown      ContentType = "unknown"
)

// ContentBlock is one piece of a model response
type ContentBlock struct {
	Type ContentType
	Text string
}

// Usage reports token consumption for one call
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the raw response of one inference call
type Completion struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Text joins the consecutive text blocks at the start of the response. It
// fails when the first block is missing or not text, or the text is blank.
func (c *Completion) Text() (string, error) {
	if c == nil || len(c.Content) == 0 {
		return "", ErrEmptyResponse
	}
	if c.Content[0].Type != ContentText {
		return "", ErrNonTextContent
	}

	var b strings.Builder
	for _, block := range c.Content {
		if block.Type != ContentText {
			break
		}
		b.WriteString(block.Text)
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Client defines the transport to the inference service.
// Implementations do not retry; callers treat every call as fallible.
type Client interface {
	// Complete sends one prompt with an output token ceiling and returns the raw response
	Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error)
	// Close releases resources held by the client
	Close() error
}
