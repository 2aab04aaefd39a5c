package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// stubResponses cycle deterministically so tests can predict replies.
var stubResponses = []string{
	"你好！我是AI助手，很高兴为你服务！😊",
	"这是一个很好的问题，让我来帮你解答。",
	"感谢你的提问！我会尽力帮助你。",
	"有什么其他问题吗？我随时为你服务！",
	"希望我的回答对你有帮助！✨",
}

// StubClient is a deterministic in-process backend for development and tests.
// Inputs containing "错误" or "error" simulate a backend failure.
type StubClient struct {
	// Latency is the simulated per-request delay.
	Latency time.Duration

	mu    sync.Mutex
	next  int
	stats Stats
}

// NewStubClient creates a stub with a small simulated latency.
func NewStubClient() *StubClient {
	return &StubClient{Latency: 100 * time.Millisecond}
}

// Available always reports true.
func (c *StubClient) Available() bool { return true }

// Stats returns the request counters.
func (c *StubClient) Stats() Snapshot { return c.stats.Snapshot() }

// Respond cycles through canned replies.
func (c *StubClient) Respond(ctx context.Context, input string, _ []Turn, _ string) (string, error) {
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			c.stats.recordFailure()
			return "", classify(ctx.Err())
		}
	}

	if strings.TrimSpace(input) == "" {
		c.stats.recordFailure()
		return "", &Error{Localized: "请输入有效的消息内容。", Cause: errors.New("empty input")}
	}
	if strings.Contains(input, "错误") || strings.Contains(strings.ToLower(input), "error") {
		c.stats.recordFailure()
		return "", &Error{Localized: "模拟API错误", Cause: errors.New("simulated backend failure")}
	}

	c.mu.Lock()
	response := stubResponses[c.next%len(stubResponses)]
	c.next++
	c.mu.Unlock()

	c.stats.recordSuccess(c.Latency, 0)
	return response, nil
}

var _ Client = (*StubClient)(nil)
