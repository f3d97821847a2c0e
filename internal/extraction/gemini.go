package extraction

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Client interface using Google Gemini
type Gemini struct {
	client    *genai.Client
	modelName string
}

// NewGemini creates a new Gemini client. Extra options are passed to the SDK.
func NewGemini(apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:    client,
		modelName: modelName,
	}, nil
}

// Complete sends the prompt to Gemini. The API only reports the token count
// of the candidate, so Usage.InputTokens stays zero.
func (g *Gemini) Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error) {
	// The model handle carries the generation config, so build one per call.
	model := g.client.GenerativeModel(g.modelName)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	completion := &Completion{Model: g.modelName, StopReason: StopOther}
	if len(resp.Candidates) == 0 {
		return completion, nil
	}
	candidate := resp.Candidates[0]
	completion.StopReason = geminiStopReason(candidate.FinishReason)
	completion.Usage.OutputTokens = int(candidate.TokenCount)

	if candidate.Content == nil {
		return completion, nil
	}
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			completion.Content = append(completion.Content, ContentBlock{Type: ContentText, Text: string(p)})
		case genai.Blob:
			completion.Content = append(completion.Content, ContentBlock{Type: ContentBlob})
		case genai.FunctionCall:
			completion.Content = append(completion.Content, ContentBlock{Type: ContentFunctionCall})
		default:
			completion.Content = append(completion.Content, ContentBlock{Type: ContentUnknown})
		}
	}

	return completion, nil
}

func geminiStopReason(reason genai.FinishReason) StopReason {
	switch reason {
	case genai.FinishReasonStop:
		return StopEndTurn
	case genai.FinishReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopOther
	}
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
