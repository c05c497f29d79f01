package captcha

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const solverPrompt = `Read the characters in this captcha image. The answer is a short alphanumeric code. Respond with ONLY the characters, no explanation, no punctuation, no whitespace.`

// Config holds settings for the vision-model captcha solver.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ConfigFromEnv builds solver config from environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Model:   openai.GPT4o,
		Timeout: 30 * time.Second,
	}
	cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	if model := os.Getenv("CAPTCHA_SOLVER_MODEL"); model != "" {
		cfg.Model = model
	}
	return cfg
}

// Solver answers captcha images with a vision-capable chat model.
type Solver struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// NewSolver creates a solver. The API key must be set.
func NewSolver(cfg Config, logger *slog.Logger) (*Solver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("captcha solver requires an api key")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Solver{
		client: openai.NewClient(cfg.APIKey),
		config: cfg,
		logger: logger,
	}, nil
}

// Solve sends the captcha image to the vision model and returns its answer
// with surrounding noise stripped. Plausibility checks (length, character
// set) belong to the caller.
func (s *Solver) Solve(ctx context.Context, image []byte) (string, error) {
	apiCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)

	startTime := time.Now()
	resp, err := s.client.CreateChatCompletion(apiCtx, openai.ChatCompletionRequest{
		Model:               s.config.Model,
		MaxCompletionTokens: 20,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: solverPrompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURI,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("captcha solve call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned from model %s", s.config.Model)
	}

	answer := cleanAnswer(resp.Choices[0].Message.Content)
	s.logger.Debug("captcha solved",
		"model", s.config.Model,
		"answer_length", len(answer),
		"duration_ms", time.Since(startTime).Milliseconds())

	return answer, nil
}

// cleanAnswer strips quotes, whitespace and trailing punctuation the model
// sometimes adds around the code.
func cleanAnswer(content string) string {
	answer := strings.TrimSpace(content)
	answer = strings.Trim(answer, `"'.`)
	answer = strings.ReplaceAll(answer, " ", "")
	return answer
}
