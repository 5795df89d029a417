// Package llm wraps the external model call behind a small Client
// interface, so the refiner and arbiter roles can be composed with
// internal/cache's retry policy without depending on a concrete SDK.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/neo/debate-orchestrator/internal/cache"
)

// Response is one model completion, reduced to what the debate core needs
// from it: the argument content, a self-reported confidence, and an
// optional short rationale. Grounded on the teacher's ArgumentScore and
// agent.GenerateResponse, generalized from a fixed five-axis rubric to
// the single confidence value the protocol's ResponseEnvelope carries.
type Response struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Client produces one debate turn's content given a role and prompt.
type Client interface {
	Generate(ctx context.Context, role, systemPrompt, userPrompt string) (Response, error)
}

// OpenAIClient is a Client backed by langchaingo's OpenAI integration,
// the same client construction the teacher's Agent and Scorer use.
type OpenAIClient struct {
	llm   llms.Model
	model string
}

// NewOpenAIClient constructs a Client for the given model using apiKey.
func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: create openai client: %w", err)
	}
	return &OpenAIClient{llm: llm, model: model}, nil
}

// Generate asks the model to produce one debate turn as strict JSON,
// matching the teacher's Scorer prompt style (a JSON-only instruction
// with no surrounding prose), then parses the result into a Response.
// Errors are classified into cache.RateLimited / cache.Transport so a
// Cache wrapping this call can apply the right retry policy.
func (c *OpenAIClient) Generate(ctx context.Context, role, systemPrompt, userPrompt string) (Response, error) {
	prompt := fmt.Sprintf(`%s

%s

Your response MUST be a single valid JSON object with exactly this shape, and
nothing else before or after it:
{
  "content": "<your argument, two to four sentences>",
  "confidence": <float between 0 and 1>,
  "reasoning": "<one short sentence on why you hold this position>"
}`, systemPrompt, userPrompt)

	completion, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
	if err != nil {
		return Response{}, classify(err)
	}

	completion = strings.TrimSpace(completion)
	completion = strings.Trim(completion, "`")

	var resp Response
	if err := json.Unmarshal([]byte(completion), &resp); err != nil {
		return Response{}, fmt.Errorf("llm: parse %s response: %w\nraw: %s", role, err, completion)
	}
	return resp, nil
}

// classify maps a raw client error into the retry categories
// internal/cache understands: rate-limit responses back off
// exponentially, transport failures retry after a fixed 1s delay, and
// everything else fails without retry.
func classify(err error) error {
	var netErr net.Error
	if asNetError(err, &netErr) {
		return cache.Transport{Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return cache.RateLimited{Err: err}
	case strings.Contains(msg, "connection"), strings.Contains(msg, "eof"), strings.Contains(msg, "timeout"), strings.Contains(msg, "reset by peer"):
		return cache.Transport{Err: err}
	default:
		return err
	}
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}
