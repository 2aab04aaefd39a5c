// Package ai talks to the chat-completion backend that powers the room's
// assistant.
package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Turn is one message of conversation context, OpenAI role conventions.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultInput substitutes for an empty mention ("@AI" with nothing after).
const DefaultInput = "你好！"

// FallbackResponse is the apologetic reply used when the backend fails in a
// way the error taxonomy does not cover.
const FallbackResponse = "抱歉，我现在无法回复，请稍后再试。😅"

// Client produces assistant replies.
type Client interface {
	// Respond returns the assistant's reply to input, given recent
	// conversation turns and the asking user's name. The error, when
	// non-nil, carries a user-presentable message via UserMessage.
	Respond(ctx context.Context, input string, contextTurns []Turn, username string) (string, error)
	// Available reports whether the backend is configured and reachable.
	Available() bool
}

// SystemPrompt frames the assistant's behavior in the room.
const SystemPrompt = `你是一个友好、有帮助的AI助手，正在参与一个多用户聊天室。

请遵循以下规则：
1. 保持友好、礼貌的语调
2. 回复要简洁明了，通常不超过200字
3. 如果用户问候你，要热情回应
4. 对于技术问题，提供准确有用的信息
5. 如果不确定答案，诚实地说不知道
6. 适当使用表情符号让对话更生动
7. 记住你在聊天室中，可能有多个用户在对话

请用中文回复，除非用户明确要求使用其他语言。`

// maxContextTurns bounds how much history rides along with a request.
const maxContextTurns = 5

// buildTurns assembles the request: system prompt, trailing context window,
// then the user's line prefixed with their name.
func buildTurns(input string, contextTurns []Turn, username string) []Turn {
	if username == "" {
		username = "用户"
	}
	out := make([]Turn, 0, len(contextTurns)+2)
	out = append(out, Turn{Role: RoleSystem, Content: SystemPrompt})
	if n := len(contextTurns); n > maxContextTurns {
		contextTurns = contextTurns[n-maxContextTurns:]
	}
	out = append(out, contextTurns...)
	out = append(out, Turn{Role: RoleUser, Content: username + ": " + input})
	return out
}

// Error is a backend failure carrying a user-presentable Chinese message
// alongside the underlying cause.
type Error struct {
	Localized string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Localized
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage maps an error to the string shown in chat. Unclassified errors
// get the generic unavailable message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var aiErr *Error
	if errors.As(err, &aiErr) && aiErr.Localized != "" {
		return aiErr.Localized
	}
	return "AI服务暂时不可用，请稍后再试。🤖"
}

// classify wraps a raw backend error with its user-presentable message.
func classify(err error) *Error {
	msg := strings.ToLower(err.Error())
	var localized string
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		localized = "AI响应超时，请稍后再试。⏰"
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "429"):
		localized = "AI服务繁忙，请稍后再试。🚦"
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") || strings.Contains(msg, "401"):
		localized = "AI服务配置错误，请联系管理员。🔑"
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		localized = "网络连接问题，请检查网络后重试。🌐"
	case strings.Contains(msg, "invalid"):
		localized = "请求格式有误，请重新输入。📝"
	default:
		localized = "AI服务暂时不可用，请稍后再试。🤖"
	}
	return &Error{Localized: localized, Cause: err}
}

// Stats tracks request outcomes. The response-time average is an exponential
// moving average with smoothing factor 0.1.
type Stats struct {
	mu              sync.Mutex
	total           int
	succeeded       int
	failed          int
	tokensUsed      int
	lastRequest     time.Time
	avgResponseTime time.Duration
}

const ewmaAlpha = 0.1

func (s *Stats) recordSuccess(elapsed time.Duration, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.succeeded++
	s.tokensUsed += tokens
	s.lastRequest = time.Now()
	if s.succeeded == 1 {
		s.avgResponseTime = elapsed
	} else {
		s.avgResponseTime = time.Duration(ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(s.avgResponseTime))
	}
}

func (s *Stats) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failed++
	s.lastRequest = time.Now()
}

// Snapshot is a copyable view of the counters.
type Snapshot struct {
	TotalRequests   int           `json:"total_requests"`
	Succeeded       int           `json:"successful_requests"`
	Failed          int           `json:"failed_requests"`
	TokensUsed      int           `json:"total_tokens_used"`
	LastRequest     time.Time     `json:"last_request_time"`
	AvgResponseTime time.Duration `json:"average_response_time"`
	SuccessRate     float64       `json:"success_rate"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		TotalRequests:   s.total,
		Succeeded:       s.succeeded,
		Failed:          s.failed,
		TokensUsed:      s.tokensUsed,
		LastRequest:     s.lastRequest,
		AvgResponseTime: s.avgResponseTime,
	}
	if s.total > 0 {
		snap.SuccessRate = float64(s.succeeded) / float64(s.total) * 100
	}
	return snap
}
