package llmservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"arxiv-rag/internal/config"
	"arxiv-rag/internal/models"
)

// Kind categorizes an answer-generation failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindTimeout
	KindServiceUnavailable
	KindAPI
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindAPI:
		return "api"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Message is the reply shown to the user for this kind of failure.
func (k Kind) Message() string {
	switch k {
	case KindAuth:
		return models.MsgAuthError
	case KindTimeout, KindServiceUnavailable, KindAPI:
		return models.MsgAPIError
	case KindConnection:
		return models.MsgConnectionError
	default:
		return models.MsgUnknownError
	}
}

type AnswerError struct {
	Kind Kind
	Err  error
}

func (e *AnswerError) Error() string {
	return fmt.Sprintf("answer generation failed (%s): %v", e.Kind, e.Err)
}

func (e *AnswerError) Unwrap() error { return e.Err }

var errMissingKey = errors.New("no API key configured")

// Classify maps a provider or transport error to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var answerErr *AnswerError
	if errors.As(err, &answerErr) {
		return answerErr.Kind
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindForStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return kindForStatus(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindConnection
	}
	return KindUnknown
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindAPI
	}
}

// AnswerRequest carries one question. Zero-valued Model, APIKey,
// Temperature and MaxTokens fall back to the generator's configuration.
type AnswerRequest struct {
	Context     string
	Question    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
}

// Answerer produces an answer for a question and optional context.
type Answerer interface {
	Answer(ctx context.Context, req AnswerRequest) (string, error)
}

// Generator answers questions through an OpenAI-compatible chat-completion API.
type Generator struct {
	cfg        config.ChatConfig
	httpClient *http.Client
}

var _ Answerer = (*Generator)(nil)

func NewGenerator(cfg config.ChatConfig) *Generator {
	return &Generator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// BuildPrompt returns the system instruction followed by the user turn. The
// context template is used only when context is non-blank.
func BuildPrompt(contextText, question string) []openai.ChatCompletionMessage {
	user := fmt.Sprintf(models.QuestionPromptTemplate, question)
	if strings.TrimSpace(contextText) != "" {
		user = fmt.Sprintf(models.ContextPromptTemplate, contextText, question)
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: models.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}

// Answer makes a single chat-completion call. Every error it returns is an
// *AnswerError.
func (g *Generator) Answer(ctx context.Context, req AnswerRequest) (string, error) {
	key := strings.TrimPrefix(firstNonEmpty(req.APIKey, g.cfg.Key), "Bearer ")
	if key == "" {
		return "", &AnswerError{Kind: KindAuth, Err: errMissingKey}
	}

	clientCfg := openai.DefaultConfig(key)
	if g.cfg.BaseURL != "" {
		clientCfg.BaseURL = g.cfg.BaseURL
	}
	clientCfg.HTTPClient = g.httpClient
	client := openai.NewClientWithConfig(clientCfg)

	chatReq := openai.ChatCompletionRequest{
		Model:       firstNonEmpty(req.Model, g.cfg.Model),
		Messages:    BuildPrompt(req.Context, req.Question),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
	if req.Temperature != 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	log.Debug().Str("model", chatReq.Model).Bool("with_context", strings.TrimSpace(req.Context) != "").Msg("Requesting chat completion")

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", &AnswerError{Kind: Classify(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &AnswerError{Kind: KindUnknown, Err: errors.New("chat completion returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
