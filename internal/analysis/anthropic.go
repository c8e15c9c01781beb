package analysis

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Anthropic implements Completer with the Messages API.
type Anthropic struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewAnthropic builds a client. Extra options are appended after the API key, so tests can
// point it at a local server with option.WithBaseURL.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if model == "" {
		model = DefaultModel
	}
	return &Anthropic{
		client:    sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:     model,
		maxTokens: 2048,
	}
}

func (a *Anthropic) Complete(ctx context.Context, system, prompt string) (string, string, error) {
	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", "", eris.Wrap(err, "anthropic: create message")
	}
	var out strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			out.WriteString(b.Text)
		}
	}
	return out.String(), string(msg.Model), nil
}
