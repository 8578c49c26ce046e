package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ashureev/movi/internal/domain"
)

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey          string
	BaseURL         string
	ClassifierModel string
	VisionModel     string
	ReplyModel      string
	HTTPClient      *http.Client
}

// OpenAIClient implements Client on an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAI creates a Client. A nil logger uses slog.Default().
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.With("component", "llm"),
	}
}

// unavailable marks err as a completion service outage.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errdefs.ErrUnavailable, err)
}

func history(msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// Classify picks a tool via a JSON-mode completion.
func (c *OpenAIClient) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	system := fmt.Sprintf(classifierPrompt, req.UIContext, toolList(req.Tools))
	if req.HasImage {
		system += imageHint
	}
	msgs := append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}, history(req.History)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.cfg.ClassifierModel,
		Messages:       msgs,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, unavailable("classify", err)
	}
	if len(resp.Choices) == 0 {
		return nil, unavailable("classify", errors.New("empty choices"))
	}

	out, err := ParseClassification(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("unparseable classification", "error", err)
		return nil, err
	}
	return out, nil
}

// DescribeImage asks the vision model for a text summary of image.
func (c *OpenAIClient) DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.VisionModel,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: visionPrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto}},
			},
		}},
	})
	if err != nil {
		return "", unavailable("describe image", err)
	}
	if len(resp.Choices) == 0 {
		return "", unavailable("describe image", errors.New("empty choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Synthesize streams the reply. The stream is closed when the consumer stops
// iterating or ctx is cancelled.
func (c *OpenAIClient) Synthesize(ctx context.Context, req SynthesisRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		system := fmt.Sprintf(replyPrompt, req.UIContext, req.Intent, req.Tool, resultText(req.Result), extraContext(req))
		msgs := append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}, history(req.History)...)

		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    c.cfg.ReplyModel,
			Messages: msgs,
			Stream:   true,
		})
		if err != nil {
			yield("", unavailable("synthesize", err))
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", unavailable("synthesize", err))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

// Confirm writes the confirmation question for a pending high-impact action.
func (c *OpenAIClient) Confirm(ctx context.Context, impact *domain.ImpactAssessment) (string, error) {
	if impact == nil {
		return "", errors.New("confirm: nil impact")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.ReplyModel,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: fmt.Sprintf(confirmPrompt, impact.Tool, impact.AffectedEntity, impact.Details),
		}},
	})
	if err != nil {
		return "", unavailable("confirm", err)
	}
	if len(resp.Choices) == 0 {
		return "", unavailable("confirm", errors.New("empty choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
