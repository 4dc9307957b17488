package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"channel-relay/internal/domain"
)

const DefaultModel = "gemini-2.0-flash"

// modelsAPI is the slice of genai.Models used by Client.
// *genai.Models satisfies this interface.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client sends conversation turns to the Gemini API. It is stateless: the
// caller owns the transcript and passes it on every call.
type Client struct {
	api   modelsAPI
	model string
}

type Option func(*Client)

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func withAPI(api modelsAPI) Option {
	return func(c *Client) {
		c.api = api
	}
}

// NewClient creates a Gemini client authenticated with apiKey.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{model: DefaultModel}
	for _, opt := range opts {
		opt(c)
	}
	if c.api != nil {
		return c, nil
	}

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: API key must not be empty")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.api = gc.Models
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Send replays history plus the new input and returns the model's reply.
func (c *Client) Send(ctx context.Context, req domain.BackendRequest) (domain.BackendReply, error) {
	if strings.TrimSpace(req.Input) == "" {
		return domain.BackendReply{}, errors.New("gemini: input must not be empty")
	}

	contents := buildContents(req.History, req.Input)
	var config *genai.GenerateContentConfig
	if strings.TrimSpace(req.Instruction) != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.Instruction, genai.RoleUser),
		}
	}

	resp, err := c.api.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return domain.BackendReply{}, fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil {
		return domain.BackendReply{}, errors.New("gemini: empty response")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return domain.BackendReply{}, errors.New("gemini: response has no text")
	}

	model := c.model
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return domain.BackendReply{
		Text:  text,
		Model: model,
		Usage: usageFrom(resp.UsageMetadata),
	}, nil
}

func buildContents(history domain.Transcript, input string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		parts := make([]*genai.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			parts = append(parts, genai.NewPartFromText(p))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: roleFor(turn.Role), Parts: parts})
	}
	return append(contents, genai.NewContentFromText(input, genai.RoleUser))
}

func roleFor(r domain.Role) string {
	if r == domain.RoleModel {
		return string(genai.RoleModel)
	}
	return string(genai.RoleUser)
}

func usageFrom(m *genai.GenerateContentResponseUsageMetadata) domain.Usage {
	if m == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		PromptTokens:    int(m.PromptTokenCount),
		CandidateTokens: int(m.CandidatesTokenCount),
		TotalTokens:     int(m.TotalTokenCount),
	}
}
