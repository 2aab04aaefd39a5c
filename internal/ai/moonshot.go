package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.moonshot.ai/v1"
	DefaultModel   = "moonshot-v1-8k"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxTokens  = 1000
	defaultTemp       = 0.7
)

// MoonshotConfig configures the Moonshot chat-completion client. Zero values
// fall back to defaults.
type MoonshotConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	MaxTokens   int
	Temperature float64
}

// MoonshotClient talks to the Moonshot OpenAI-compatible chat-completion API.
type MoonshotClient struct {
	cfg    MoonshotConfig
	client *http.Client
	log    zerolog.Logger
	stats  Stats
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResp struct {
	Choices []struct {
		Message chatMsg `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewMoonshotClient builds a client; missing config falls back to defaults.
// An empty API key yields a client that reports unavailable rather than an
// error, so the room can run without the backend.
func NewMoonshotClient(cfg MoonshotConfig, logger zerolog.Logger) *MoonshotClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemp
	}
	return &MoonshotClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.With().Str("component", "ai").Str("model", cfg.Model).Logger(),
	}
}

// Available reports whether an API key is configured.
func (c *MoonshotClient) Available() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// Stats returns the request counters.
func (c *MoonshotClient) Stats() Snapshot {
	return c.stats.Snapshot()
}

// Respond asks the backend for a reply, retrying transient failures with
// exponential backoff. The returned error carries a user-presentable message
// via UserMessage.
func (c *MoonshotClient) Respond(ctx context.Context, input string, contextTurns []Turn, username string) (string, error) {
	if !c.Available() {
		c.stats.recordFailure()
		return "", &Error{Localized: "AI服务暂时不可用，请稍后再试。", Cause: errors.New("api key not configured")}
	}
	if strings.TrimSpace(input) == "" {
		c.stats.recordFailure()
		return "", &Error{Localized: "请输入有效的消息内容。", Cause: errors.New("empty input")}
	}

	turns := buildTurns(input, contextTurns, username)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * (1 << (attempt - 1))
			c.log.Debug().Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.stats.recordFailure()
				return "", classify(ctx.Err())
			}
		}

		content, tokens, err := c.complete(ctx, turns)
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt+1).Int("max", c.cfg.MaxRetries).Msg("completion failed")
			continue
		}

		c.stats.recordSuccess(time.Since(start), tokens)
		return content, nil
	}

	c.stats.recordFailure()
	c.log.Error().Err(lastErr).Msg("completion exhausted retries")
	return "", classify(lastErr)
}

func (c *MoonshotClient) complete(ctx context.Context, turns []Turn) (string, int, error) {
	msgs := make([]chatMsg, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, chatMsg{Role: t.Role, Content: t.Content})
	}
	body, err := json.Marshal(chatReq{
		Model:       c.cfg.Model,
		Messages:    msgs,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      false,
	})
	if err != nil {
		return "", 0, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", 0, fmt.Errorf("moonshot: status %d: %s", resp.StatusCode, msg)
	}

	var decoded chatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", 0, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", 0, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", 0, errors.New("moonshot: empty response")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), decoded.Usage.TotalTokens, nil
}

var _ Client = (*MoonshotClient)(nil)
