package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildTurns(t *testing.T) {
	turns := buildTurns("你好", nil, "alice")
	if len(turns) != 2 {
		t.Fatalf("turns = %d", len(turns))
	}
	if turns[0].Role != RoleSystem || turns[0].Content != SystemPrompt {
		t.Fatalf("system turn = %+v", turns[0])
	}
	if turns[1].Role != RoleUser || turns[1].Content != "alice: 你好" {
		t.Fatalf("user turn = %+v", turns[1])
	}

	// Anonymous callers get the generic name.
	turns = buildTurns("hi", nil, "")
	if turns[1].Content != "用户: hi" {
		t.Fatalf("user turn = %+v", turns[1])
	}

	// Context is capped to the trailing window.
	ctxTurns := make([]Turn, 8)
	for i := range ctxTurns {
		ctxTurns[i] = Turn{Role: RoleUser, Content: strings.Repeat("x", i+1)}
	}
	turns = buildTurns("hi", ctxTurns, "bob")
	if len(turns) != maxContextTurns+2 {
		t.Fatalf("turns = %d", len(turns))
	}
	if turns[1].Content != strings.Repeat("x", 4) {
		t.Fatalf("oldest kept turn = %q", turns[1].Content)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", errors.New("request timeout"), "AI响应超时，请稍后再试。⏰"},
		{"deadline", context.DeadlineExceeded, "AI响应超时，请稍后再试。⏰"},
		{"rate limit", errors.New("Rate limit exceeded"), "AI服务繁忙，请稍后再试。🚦"},
		{"quota", errors.New("quota exhausted"), "AI服务繁忙，请稍后再试。🚦"},
		{"auth", errors.New("authentication failed"), "AI服务配置错误，请联系管理员。🔑"},
		{"api key", errors.New("invalid api key"), "AI服务配置错误，请联系管理员。🔑"},
		{"network", errors.New("connection refused"), "网络连接问题，请检查网络后重试。🌐"},
		{"invalid", errors.New("invalid request body"), "请求格式有误，请重新输入。📝"},
		{"unknown", errors.New("boom"), "AI服务暂时不可用，请稍后再试。🤖"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := UserMessage(classify(tc.err)); got != tc.want {
				t.Fatalf("UserMessage = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUserMessageFallback(t *testing.T) {
	if got := UserMessage(errors.New("plain error")); got != "AI服务暂时不可用，请稍后再试。🤖" {
		t.Fatalf("plain error = %q", got)
	}
	if got := UserMessage(nil); got != "" {
		t.Fatalf("nil error = %q", got)
	}
}

func TestStatsEWMA(t *testing.T) {
	var s Stats
	s.recordSuccess(time.Second, 10)
	if got := s.Snapshot().AvgResponseTime; got != time.Second {
		t.Fatalf("first avg = %v", got)
	}
	s.recordSuccess(2*time.Second, 5)
	// 0.1*2s + 0.9*1s = 1.1s
	got := s.Snapshot().AvgResponseTime
	want := 1100 * time.Millisecond
	if diff := got - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("avg = %v, want ~%v", got, want)
	}

	s.recordFailure()
	snap := s.Snapshot()
	if snap.TotalRequests != 3 || snap.Succeeded != 2 || snap.Failed != 1 || snap.TokensUsed != 15 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.SuccessRate < 66 || snap.SuccessRate > 67 {
		t.Fatalf("success rate = %v", snap.SuccessRate)
	}
}
