package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// ChatCompleter is the slice of the OpenAI client the classifier uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures the LLM classifier.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	// Workflows maps each routable workflow to its declared steps; the model
	// may only choose among them.
	Workflows map[string][]string
}

// OpenAIClassifier asks a chat model for a JSON intent.
type OpenAIClassifier struct {
	client     ChatCompleter
	model      string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	prompt     string
}

// NewOpenAIClassifier builds a classifier backed by the OpenAI API.
func NewOpenAIClassifier(cfg OpenAIConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return NewOpenAIClassifierWithClient(openai.NewClient(cfg.APIKey), cfg), nil
}

// NewOpenAIClassifierWithClient uses an existing chat client.
func NewOpenAIClassifierWithClient(client ChatCompleter, cfg OpenAIConfig) *OpenAIClassifier {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &OpenAIClassifier{
		client:     client,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
		prompt:     systemPrompt(cfg.Workflows),
	}
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, query string, history []Turn) (*Intent, error) {
	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: c.prompt}}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(c.retryDelay, attempt)):
			}
		}
		intent, err := c.classifyOnce(ctx, messages)
		if err == nil {
			return intent, nil
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
	}
	return nil, fmt.Errorf("classify after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *OpenAIClassifier) classifyOnce(ctx context.Context, messages []openai.ChatCompletionMessage) (*Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}
	var intent Intent
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &intent); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}
	switch intent.Tier {
	case TierDirectAnswer, TierWorkflow:
	default:
		return nil, fmt.Errorf("unsupported tier %q", intent.Tier)
	}
	if intent.Confidence < 0 || intent.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", intent.Confidence)
	}
	return &intent, nil
}

func systemPrompt(workflows map[string][]string) string {
	var b strings.Builder
	b.WriteString(`You route requests for a portfolio assistant. Reply with ONE JSON object:
{"tier": "direct_answer"|"workflow", "intent": string, "workflow": string, "steps": [string],
 "params": object, "answer": string, "complexity": "simple"|"moderate"|"expert", "confidence": number 0..1}
Use "direct_answer" only for general or explanatory questions that need no market data and no action,
and put the full answer in "answer". Otherwise pick a workflow from the list below and copy its steps
in order. For trades set params.action (buy|sell), params.symbol, params.quantity and optionally
params.price. Lower the confidence when the request is vague; never guess missing trade details.
Workflows:
`)
	names := make([]string, 0, len(workflows))
	for name := range workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(workflows[name], ", "))
	}
	return b.String()
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if limit := 30 * time.Second; d > limit || d <= 0 {
		return limit
	}
	return d
}
