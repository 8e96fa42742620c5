package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/sessiond/internal/config"
	"github.com/comigor/sessiond/internal/logger"
)

// ChatStreamer is the minimal subset of openai.Client used by the OpenAI
// invoker; it is easy to mock in tests.
type ChatStreamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAI invokes an OpenAI-compatible chat API instead of a local process and
// re-encodes the streamed response as the same line-oriented event protocol a
// subprocess agent emits, so the driver cannot tell the two apart.
type OpenAI struct {
	client ChatStreamer
	model  string
}

// NewOpenAI creates an OpenAI-backed invoker.
func NewOpenAI(cfg config.OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), model: cfg.Model}
}

func (o *OpenAI) Invoke(ctx context.Context, history []Turn) (io.ReadCloser, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, turn := range history {
		role := turn.Role
		switch role {
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleSystem:
		default:
			// Tool results replay as user turns; the API has no free-standing
			// tool role without call ids.
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writeLine(pw, map[string]string{"type": "api_error", "error": err.Error()})
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content != "" {
					writeLine(pw, map[string]string{"type": "output", "content": choice.Delta.Content})
				}
			}
		}
	}()
	return pr, nil
}

func writeLine(w io.Writer, v any) {
	line, err := json.Marshal(v)
	if err != nil {
		logger.L.Error("marshal event line", "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		logger.L.Debug("event pipe write failed", "error", err)
	}
}
