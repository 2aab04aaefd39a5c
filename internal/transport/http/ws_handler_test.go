package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/ai"
	"github.com/airoom/server/internal/broadcast"
	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/config"
	"github.com/airoom/server/internal/pipeline"
	"github.com/airoom/server/internal/proto"
	"github.com/airoom/server/internal/registry"
)

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	nop := zerolog.Nop()
	room := chat.NewRoom(10, 50)
	reg := registry.New(room, nil, nop)
	bcast := broadcast.NewManager(nop)
	stub := ai.NewStubClient()
	stub.Latency = 0
	proc := pipeline.New(reg, nil, stub, nil, nop)
	tracker := NewTracker()

	server := NewServer(Deps{
		Registry:  reg,
		Processor: proc,
		Broadcast: bcast,
		Tracker:   tracker,
	}, config.Config{
		Addr:              ":0",
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
	}, nop)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

type outboundFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// readUntilType drains frames until one of the wanted type arrives. Broadcast
// traffic interleaves with direct replies, so tests skip what they are not
// asserting on.
func readUntilType(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) outboundFrame {
	t.Helper()

	for {
		var frame outboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read waiting for %q: %v", wantType, err)
		}
		if frame.Type == wantType {
			return frame
		}
	}
}

func readUntilEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, wantEvent string) outboundFrame {
	t.Helper()

	for {
		var frame outboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read waiting for event %q: %v", wantEvent, err)
		}
		if frame.Type == proto.OutboundTypeEvent && frame.Event == wantEvent {
			return frame
		}
	}
}

func sendInbound(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, data any) {
	t.Helper()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal %s data: %v", typ, err)
		}
		raw = b
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func join(t *testing.T, ctx context.Context, conn *websocket.Conn, username string) proto.JoinOKData {
	t.Helper()

	sendInbound(t, ctx, conn, proto.InboundTypeJoin, proto.JoinData{Username: username})
	frame := readUntilType(t, ctx, conn, proto.OutboundTypeJoinOK)

	var ok proto.JoinOKData
	if err := json.Unmarshal(frame.Data, &ok); err != nil {
		t.Fatalf("decode join ack: %v", err)
	}
	return ok
}

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestConnectHandshake(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)

	frame := readUntilType(t, ctx, conn, proto.OutboundTypeConnectOK)
	var ack proto.ConnectOKData
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("decode connect ack: %v", err)
	}
	if ack.SessionID == "" {
		t.Fatal("connect ack missing session id")
	}
	if ack.Protocol != proto.ProtocolVersion {
		t.Fatalf("protocol = %d, want %d", ack.Protocol, proto.ProtocolVersion)
	}
}

func TestJoinAck(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	ok := join(t, ctx, conn, "张三")

	if ok.User.Username != "张三" {
		t.Fatalf("joined username = %q", ok.User.Username)
	}
	if ok.Rejoined {
		t.Fatal("first join flagged as rejoin")
	}
	if ok.UserCount != 2 { // AI assistant plus the joiner
		t.Fatalf("user count = %d", ok.UserCount)
	}
	if len(ok.History) == 0 {
		t.Fatal("join ack missing seeded history")
	}
	if !strings.Contains(ok.History[0].Content, "欢迎") {
		t.Fatalf("first history entry = %q, want welcome notice", ok.History[0].Content)
	}
}

func TestJoinRejectsInvalidUsername(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, username := range []string{"admin", "12345", "has space", ""} {
		conn := dialWS(t, ctx, ts)
		sendInbound(t, ctx, conn, proto.InboundTypeJoin, proto.JoinData{Username: username})

		frame := readUntilType(t, ctx, conn, proto.OutboundTypeJoinError)
		if frame.Error == nil {
			t.Fatalf("join %q: error frame missing payload", username)
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialWS(t, ctx, ts)
	join(t, ctx, first, "alice")

	second := dialWS(t, ctx, ts)
	sendInbound(t, ctx, second, proto.InboundTypeJoin, proto.JoinData{Username: "Alice"})
	frame := readUntilType(t, ctx, second, proto.OutboundTypeJoinError)
	if frame.Error == nil || frame.Error.Code != chat.ErrCodeUsernameTaken {
		t.Fatalf("error = %+v, want %s", frame.Error, chat.ErrCodeUsernameTaken)
	}
}

func TestMessageBroadcastBetweenUsers(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, ts)
	join(t, ctx, alice, "alice")
	bob := dialWS(t, ctx, ts)
	join(t, ctx, bob, "bob")

	sendInbound(t, ctx, alice, proto.InboundTypeMessage, proto.MessageData{Content: "hi there"})

	// Sender gets a direct acknowledgement.
	sent := readUntilType(t, ctx, alice, proto.OutboundTypeMessageSent)
	var ack proto.MessageView
	if err := json.Unmarshal(sent.Data, &ack); err != nil {
		t.Fatalf("decode sent ack: %v", err)
	}
	if ack.Content != "hi there" || ack.Username != "alice" {
		t.Fatalf("ack = %+v", ack)
	}

	// The other member sees the fan-out.
	frame := readUntilEvent(t, ctx, bob, string(broadcast.EventNewMessage))
	var payload struct {
		Message proto.MessageView `json:"message"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if payload.Message.Content != "hi there" || payload.Message.Username != "alice" {
		t.Fatalf("broadcast payload = %+v", payload.Message)
	}
}

func TestMentionProducesAIReplyBroadcast(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, ts)
	join(t, ctx, alice, "alice")

	sendInbound(t, ctx, alice, proto.InboundTypeMessage, proto.MessageData{Content: "@AI 在吗"})

	frame := readUntilEvent(t, ctx, alice, string(broadcast.EventMessageWithAI))
	var payload struct {
		Message    proto.MessageView  `json:"message"`
		AIResponse *proto.MessageView `json:"ai_response"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if payload.AIResponse == nil {
		t.Fatal("broadcast missing AI response")
	}
	if payload.AIResponse.Username != chat.AIUsername {
		t.Fatalf("AI reply author = %q", payload.AIResponse.Username)
	}
}

func TestMessageRejectedWithoutJoin(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	readUntilType(t, ctx, conn, proto.OutboundTypeConnectOK)

	sendInbound(t, ctx, conn, proto.InboundTypeMessage, proto.MessageData{Content: "hello"})
	frame := readUntilType(t, ctx, conn, proto.OutboundTypeMessageError)
	if frame.Error == nil || frame.Error.Code != chat.ErrCodeNotFound {
		t.Fatalf("error = %+v, want %s", frame.Error, chat.ErrCodeNotFound)
	}
}

func TestScriptContentRejected(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	join(t, ctx, conn, "alice")

	sendInbound(t, ctx, conn, proto.InboundTypeMessage, proto.MessageData{Content: "<script>alert(1)</script>"})
	frame := readUntilType(t, ctx, conn, proto.OutboundTypeMessageError)
	if frame.Error == nil || frame.Error.Code != chat.ErrCodeInvalidContent {
		t.Fatalf("error = %+v, want %s", frame.Error, chat.ErrCodeInvalidContent)
	}
}

func TestLeaveNotifiesOthers(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, ts)
	join(t, ctx, alice, "alice")
	bob := dialWS(t, ctx, ts)
	join(t, ctx, bob, "bob")

	sendInbound(t, ctx, bob, proto.InboundTypeLeave, nil)
	readUntilType(t, ctx, bob, proto.OutboundTypeLeaveOK)

	frame := readUntilEvent(t, ctx, alice, string(broadcast.EventUserLeave))
	var payload struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode leave broadcast: %v", err)
	}
	if payload.Username != "bob" {
		t.Fatalf("left username = %q", payload.Username)
	}
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, ts)
	join(t, ctx, alice, "alice")
	bob := dialWS(t, ctx, ts)
	join(t, ctx, bob, "bob")

	bob.Close(websocket.StatusNormalClosure, "bye")

	frame := readUntilEvent(t, ctx, alice, string(broadcast.EventUserLeave))
	var payload struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode leave broadcast: %v", err)
	}
	if payload.Username != "bob" {
		t.Fatalf("left username = %q", payload.Username)
	}
}

func TestPing(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	sendInbound(t, ctx, conn, proto.InboundTypePing, nil)

	frame := readUntilType(t, ctx, conn, proto.OutboundTypePong)
	var pong proto.PongData
	if err := json.Unmarshal(frame.Data, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Now == 0 {
		t.Fatal("pong missing server time")
	}
}

func TestTypingIndicatorExcludesTypist(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, ts)
	join(t, ctx, alice, "alice")
	bob := dialWS(t, ctx, ts)
	join(t, ctx, bob, "bob")

	sendInbound(t, ctx, alice, proto.InboundTypeTyping, proto.TypingData{Typing: true})

	frame := readUntilEvent(t, ctx, bob, string(broadcast.EventTypingIndicator))
	var payload struct {
		Username string `json:"username"`
		Typing   bool   `json:"is_typing"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if payload.Username != "alice" || !payload.Typing {
		t.Fatalf("typing payload = %+v", payload)
	}
}

func TestHistoryRequest(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	join(t, ctx, conn, "alice")
	sendInbound(t, ctx, conn, proto.InboundTypeMessage, proto.MessageData{Content: "for the record"})
	readUntilType(t, ctx, conn, proto.OutboundTypeMessageSent)

	sendInbound(t, ctx, conn, proto.InboundTypeHistory, proto.HistoryData{Limit: 10})
	frame := readUntilType(t, ctx, conn, proto.OutboundTypeHistory)

	var resp proto.HistoryResponse
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	var found bool
	for _, m := range resp.Messages {
		if m.Content == "for the record" {
			found = true
		}
	}
	if !found {
		t.Fatalf("history missing sent message: %+v", resp.Messages)
	}
}

func TestJoinWithDisplayName(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	sendInbound(t, ctx, conn, proto.InboundTypeJoin, proto.JoinData{Username: "alice", DisplayName: "爱丽丝"})
	frame := readUntilType(t, ctx, conn, proto.OutboundTypeJoinOK)

	var ok proto.JoinOKData
	if err := json.Unmarshal(frame.Data, &ok); err != nil {
		t.Fatalf("decode join ack: %v", err)
	}
	if ok.User.DisplayName != "爱丽丝" {
		t.Fatalf("display name = %q", ok.User.DisplayName)
	}

	// A second user cannot claim the same display name at join time.
	second := dialWS(t, ctx, ts)
	sendInbound(t, ctx, second, proto.InboundTypeJoin, proto.JoinData{Username: "bob", DisplayName: "爱丽丝"})
	errFrame := readUntilType(t, ctx, second, proto.OutboundTypeJoinError)
	if errFrame.Error == nil || errFrame.Error.Code != chat.ErrCodeUsernameTaken {
		t.Fatalf("error = %+v", errFrame.Error)
	}
}

func TestGetUserInfo(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)

	// Before joining there is no seated user to describe.
	sendInbound(t, ctx, conn, proto.InboundTypeUserInfo, nil)
	errFrame := readUntilType(t, ctx, conn, proto.OutboundTypeError)
	if errFrame.Error == nil || errFrame.Error.Code != chat.ErrCodeNotFound {
		t.Fatalf("error = %+v", errFrame.Error)
	}

	join(t, ctx, conn, "alice")
	sendInbound(t, ctx, conn, proto.InboundTypeUserInfo, nil)
	frame := readUntilType(t, ctx, conn, proto.OutboundTypeUserInfo)

	var info proto.UserView
	if err := json.Unmarshal(frame.Data, &info); err != nil {
		t.Fatalf("decode user info: %v", err)
	}
	if info.Username != "alice" || info.Role != string(chat.RoleHuman) {
		t.Fatalf("user info = %+v", info)
	}
}

func TestUnknownInboundType(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	sendInbound(t, ctx, conn, "bogus", nil)

	frame := readUntilType(t, ctx, conn, proto.OutboundTypeError)
	if frame.Error == nil || frame.Error.Code != chat.ErrCodeInvalidInput {
		t.Fatalf("error = %+v", frame.Error)
	}
}

func TestRESTUsersAndHistory(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	join(t, ctx, conn, "alice")

	resp, err := ts.Client().Get(ts.URL + "/api/users")
	if err != nil {
		t.Fatalf("users request: %v", err)
	}
	defer resp.Body.Close()
	var users proto.OnlineUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if users.UserCount != 2 {
		t.Fatalf("user count = %d", users.UserCount)
	}
	if users.Users[0].Username != chat.AIUsername {
		t.Fatalf("first roster entry = %q, want the AI assistant", users.Users[0].Username)
	}

	histResp, err := ts.Client().Get(ts.URL + "/api/history?limit=10")
	if err != nil {
		t.Fatalf("history request: %v", err)
	}
	defer histResp.Body.Close()
	var hist proto.HistoryResponse
	if err := json.NewDecoder(histResp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if hist.Count == 0 {
		t.Fatal("history empty, want at least the welcome notice")
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("stats request: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	for _, key := range []string{"room", "pipeline", "broadcast", "connections"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("stats missing %q section", key)
		}
	}
}
