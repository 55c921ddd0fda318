package chat

import (
	"context"
	"encoding/json"
	"strings"

	"resty.dev/v3"
)

// ChatModelClient performs read-only lookups against an OpenAI-compatible
// model catalog endpoint.
type ChatModelClient struct {
	client  *resty.Client
	baseURL string
	name    string
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is one catalog entry. Raw keeps the full payload so capability
// extraction can tolerate provider-specific fields.
type Model struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	CanonicalSlug string         `json:"canonical_slug"`
	Description   string         `json:"description"`
	ContextLength int            `json:"context_length"`
	Raw           map[string]any `json:"-"`
}

func (m *Model) UnmarshalJSON(data []byte) error {
	type alias Model
	aux := alias{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Model(aux)
	m.Raw = raw
	if m.Name == "" {
		if name, ok := raw["name"].(string); ok {
			m.Name = name
		}
	}
	return nil
}

func NewChatModelClient(client *resty.Client, name, baseURL string) *ChatModelClient {
	return &ChatModelClient{
		client:  client,
		baseURL: normalizeBaseURL(baseURL),
		name:    name,
	}
}

func (c *ChatModelClient) ListModels(ctx context.Context) (*ModelsResponse, error) {
	var respBody ModelsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&respBody).
		Get(c.endpoint("/models"))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return &respBody, nil
}

func (c *ChatModelClient) endpoint(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if c.baseURL == "" {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return c.baseURL + path
	}
	return c.baseURL + "/" + path
}
