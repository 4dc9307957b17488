package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Parameter names under the configured prefix. Each holds {"token":"..."}.
const (
	DiscordTokenParameter = "/discord-token"
	GeminiTokenParameter  = "/gemini-token"
)

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads one decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters from SSM Parameter Store.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: ssm api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	if name = strings.TrimSpace(name); name == "" {
		return "", errors.New("paramstore: parameter name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: read %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

func boolPtr(b bool) *bool { return &b }

type tokenPayload struct {
	Token string `json:"token"`
}

// Token reads a {"token":"..."} parameter and returns the trimmed token.
func Token(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %q as token JSON: %w", name, err)
	}
	token := strings.TrimSpace(tp.Token)
	if token == "" {
		return "", fmt.Errorf("paramstore: %q has an empty token", name)
	}
	return token, nil
}

// Tokens holds the credentials the relay needs at startup.
type Tokens struct {
	Discord string
	Gemini  string
}

// ResolveTokens reads the Discord and Gemini tokens stored under prefix.
func ResolveTokens(ctx context.Context, getter Getter, prefix string) (Tokens, error) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	discord, err := Token(ctx, getter, prefix+DiscordTokenParameter)
	if err != nil {
		return Tokens{}, err
	}
	gemini, err := Token(ctx, getter, prefix+GeminiTokenParameter)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{Discord: discord, Gemini: gemini}, nil
}
