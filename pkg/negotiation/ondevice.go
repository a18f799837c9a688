package negotiation

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// LocalRuntime drives an OpenAI-compatible model server on the same host
// (llama.cpp, ollama). It stands in for a remote backend when no token is
// available: the model can chat but cannot call tools, so tool outcomes on
// this path come from the scripted tables.
type LocalRuntime struct {
	client *openai.Client
	model  string

	mu    sync.Mutex
	ready bool
}

// NewLocalRuntime creates a runtime against baseURL. A nil runtime is a
// valid "no local model" configuration; callers must check for it.
func NewLocalRuntime(baseURL, model string) *LocalRuntime {
	if baseURL == "" {
		return nil
	}
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL
	return &LocalRuntime{client: openai.NewClientWithConfig(cfg), model: model}
}

// Initialize probes the server. Failure is not fatal; negotiations fall
// back to scripted responses until a later probe succeeds.
func (r *LocalRuntime) Initialize(ctx context.Context) error {
	if _, err := r.client.ListModels(ctx); err != nil {
		logrus.Warnf("local model server not reachable, scripted fallback in effect: %v", err)
		return fmt.Errorf("failed to reach local model server: %w", err)
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()

	logrus.Infof("local model runtime initialized with model %s", r.model)
	return nil
}

// Ready reports whether the runtime can serve conversations.
func (r *LocalRuntime) Ready() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Shutdown marks the runtime unusable. The HTTP client holds no
// connections worth closing.
func (r *LocalRuntime) Shutdown() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.ready = false
	r.mu.Unlock()
}

// Conversation is one local chat session. The server is stateless, so the
// transcript lives here and is replayed on every turn.
type Conversation struct {
	runtime  *LocalRuntime
	messages []openai.ChatCompletionMessage
}

// CreateConversation opens a session with a system instruction and
// optional seed turns already in the transcript.
func (r *LocalRuntime) CreateConversation(systemInstruction string, initial []openai.ChatCompletionMessage) *Conversation {
	messages := make([]openai.ChatCompletionMessage, 0, len(initial)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemInstruction,
	})
	messages = append(messages, initial...)
	return &Conversation{runtime: r, messages: messages}
}

// SendMessage appends a user turn, runs a completion over the full
// transcript and appends the reply. The user turn is removed again when
// the call fails so a retry does not duplicate it.
func (c *Conversation) SendMessage(ctx context.Context, text string) (string, error) {
	c.messages = append(c.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := c.runtime.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.runtime.model,
		Messages:    c.messages,
		Temperature: 0.7,
		TopP:        0.9,
	})
	if err != nil {
		c.messages = c.messages[:len(c.messages)-1]
		return "", fmt.Errorf("local model completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.messages = c.messages[:len(c.messages)-1]
		return "", fmt.Errorf("local model returned no choices")
	}

	reply := resp.Choices[0].Message.Content
	c.messages = append(c.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply,
	})
	return reply, nil
}

// Close releases the conversation. Transcript memory is the only resource.
func (c *Conversation) Close() {
	c.messages = nil
}
