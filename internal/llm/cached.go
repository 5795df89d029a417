package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo/debate-orchestrator/internal/cache"
)

// request is the cache fingerprint input: role and the two prompts. The
// model identity is not part of it, so an entry cached under one model is
// still served after switching to another model within the cache TTL.
type request struct {
	Role         string `json:"role"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

// CachedGenerate wraps a Client's Generate call with c's cache-aside and
// retry policy, grounded on the original source's call_claude_api, which
// checks a Redis-backed cache by hashed request before ever calling out.
func CachedGenerate(ctx context.Context, client Client, c *cache.Cache, role, systemPrompt, userPrompt string) (Response, error) {
	req := request{Role: role, SystemPrompt: systemPrompt, UserPrompt: userPrompt}

	raw, err := c.Call(ctx, role, req, func(ctx context.Context) ([]byte, error) {
		resp, err := client.Generate(ctx, role, systemPrompt, userPrompt)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("llm: decode cached response: %w", err)
	}
	return resp, nil
}
