// Package generation implements the Generation Client: a model call wrapped
// in a timeout, bounded tool-calling loop, retry, and circuit breaker.
package generation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/model"
	"github.com/oleksiy-k/botcore/internal/telemetry"
)

const maxToolRounds = 4

// ToolCallback handles one invocation of a named tool and returns its result
// as a string fed back to the model as a function-response turn.
type ToolCallback func(ctx context.Context, argsJSON string) (string, error)

// ToolDeclaration pairs a tool's schema with its callback.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
	Callback    ToolCallback
}

// Client wraps an OpenAI-compatible chat completion endpoint.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	breaker *CircuitBreaker
	tel     *telemetry.Telemetry
}

// New builds a Generation Client.
func New(api *openai.Client, modelName string, timeout time.Duration, tel *telemetry.Telemetry) *Client {
	return &Client{
		api:     api,
		model:   modelName,
		timeout: timeout,
		breaker: NewCircuitBreaker("generation", 5, 120*time.Second, 30*time.Second, tel),
		tel:     tel,
	}
}

// Generate calls the upstream model with systemPrompt, history, and
// userParts, resolving any tool calls via tools up to maxToolRounds rounds,
// and returns the final reply text.
func (c *Client) Generate(ctx context.Context, systemPrompt string, history []model.Turn, userParts string, tools []ToolDeclaration) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.generateWithRetry(ctx, systemPrompt, history, userParts, tools)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		c.breaker.RecordFailure()
		if c.tel != nil {
			c.tel.ObserveGenerationLatency("error", elapsed)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return "", coreerr.New(coreerr.UpstreamTimeout, "Generate", err)
		}
		return "", coreerr.New(coreerr.UpstreamFailure, "Generate", err)
	}

	c.breaker.RecordSuccess()
	if c.tel != nil {
		c.tel.ObserveGenerationLatency("success", elapsed)
	}
	return reply, nil
}

func (c *Client) generateWithRetry(ctx context.Context, systemPrompt string, history []model.Turn, userParts string, tools []ToolDeclaration) (string, error) {
	var reply string
	err := retry.Do(
		func() error {
			r, err := c.runToolLoop(ctx, systemPrompt, history, userParts, tools)
			if err != nil {
				return err
			}
			reply = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	return reply, err
}

func (c *Client) runToolLoop(ctx context.Context, systemPrompt string, history []model.Turn, userParts string, tools []ToolDeclaration) (string, error) {
	messages := buildMessages(systemPrompt, history, userParts)
	functions := buildFunctionDefs(tools)
	callbacks := make(map[string]ToolCallback, len(tools))
	for _, t := range tools {
		callbacks[t.Name] = t.Callback
	}

	for round := 0; round < maxToolRounds; round++ {
		req := openai.ChatCompletionRequest{
			Model:     c.model,
			Messages:  messages,
			Functions: functions,
		}
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", errors.Wrap(err, "chat completion")
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices returned")
		}

		choice := resp.Choices[0].Message
		if choice.FunctionCall == nil {
			return choice.Content, nil
		}

		callback, ok := callbacks[choice.FunctionCall.Name]
		if !ok {
			return choice.Content, nil
		}

		result, err := callback(ctx, choice.FunctionCall.Arguments)
		if err != nil {
			result = ""
		}

		messages = append(messages, choice)
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleFunction,
			Name:    choice.FunctionCall.Name,
			Content: result,
		})
	}

	// Bound exceeded: ask one more time without tools to force a final answer.
	req := openai.ChatCompletionRequest{Model: c.model, Messages: messages}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil || len(resp.Choices) == 0 {
		return "", errors.New("tool loop exceeded bound without a final answer")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(systemPrompt string, history []model.Turn, userParts string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == model.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userParts})
	return messages
}

func buildFunctionDefs(tools []ToolDeclaration) []openai.FunctionDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]openai.FunctionDefinition, 0, len(tools))
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		defs = append(defs, openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  json.RawMessage(params),
		})
	}
	return defs
}
