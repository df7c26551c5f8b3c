// Reply generation backed by eino chat models
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/shieldauth/shieldauth/pkg/config"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

// Generator produces assistant replies from a system prompt and the active
// conversation history. Implementations wrap any failure, including context
// timeouts, so callers can distinguish generation failures from store errors.
type Generator interface {
	Generate(ctx context.Context, system string, history []*schema.Message) (string, error)
	Stream(ctx context.Context, system string, history []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

// EinoGenerator drives a configured eino chat model.
type EinoGenerator struct {
	cfg    *config.AppConfig
	logger *slog.Logger
}

// NewEinoGenerator creates a generator from application config. The chat
// model itself is constructed per request so provider or credential changes
// in config take effect without restarting anything.
func NewEinoGenerator(cfg *config.AppConfig) *EinoGenerator {
	return &EinoGenerator{
		cfg:    cfg,
		logger: utils.GetLogger(),
	}
}

// Generate returns the complete reply text, or a *GenerationError.
func (g *EinoGenerator) Generate(ctx context.Context, system string, history []*schema.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.GenerationTimeout())
	defer cancel()

	chatModel, err := g.createChatModel(ctx)
	if err != nil {
		return "", &GenerationError{Err: err}
	}

	resp, err := chatModel.Generate(ctx, buildPrompt(system, history))
	if err != nil {
		g.logger.Error("generation failed", "provider", g.cfg.GenerationProvider(), "error", err)
		return "", &GenerationError{Err: err}
	}
	return resp.Content, nil
}

// Stream returns a reader of reply deltas, or a *GenerationError. The caller
// owns the reader and must Close it.
func (g *EinoGenerator) Stream(ctx context.Context, system string, history []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.GenerationTimeout())

	chatModel, err := g.createChatModel(ctx)
	if err != nil {
		cancel()
		return nil, &GenerationError{Err: err}
	}

	reader, err := chatModel.Stream(ctx, buildPrompt(system, history))
	if err != nil {
		cancel()
		g.logger.Error("stream start failed", "provider", g.cfg.GenerationProvider(), "error", err)
		return nil, &GenerationError{Err: err}
	}

	// Tie the timeout to the reader's lifetime.
	reader.SetAutomaticClose()
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return reader, nil
}

func (g *EinoGenerator) createChatModel(ctx context.Context) (einoModel.BaseChatModel, error) {
	switch g.cfg.GenerationProvider() {
	case "openai", "custom":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: g.cfg.GenerationBaseURL(),
			APIKey:  g.cfg.GenerationAPIKey(),
			Model:   g.cfg.GenerationModel(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: g.cfg.GenerationBaseURL(),
			Model:   g.cfg.GenerationModel(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "gemini", "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.cfg.GenerationAPIKey(),
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  g.cfg.GenerationModel(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", g.cfg.GenerationProvider())
	}
}

// buildPrompt prefixes the history with the system message when present.
func buildPrompt(system string, history []*schema.Message) []*schema.Message {
	if strings.TrimSpace(system) == "" {
		return history
	}
	prompt := make([]*schema.Message, 0, len(history)+1)
	prompt = append(prompt, schema.SystemMessage(system))
	prompt = append(prompt, history...)
	return prompt
}
