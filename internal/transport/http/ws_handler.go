package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	stdhttp "net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/broadcast"
	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/history"
	"github.com/airoom/server/internal/pipeline"
	"github.com/airoom/server/internal/proto"
	"github.com/airoom/server/internal/registry"
	"github.com/airoom/server/internal/utils"
)

const (
	outboundBuffer = 32
	historyLimit   = 50
)

// WSHandler upgrades HTTP connections and drives the chat protocol.
type WSHandler struct {
	reg     *registry.Registry
	proc    *pipeline.Processor
	bcast   *broadcast.Manager
	store   history.Store
	tracker *Tracker
	log     zerolog.Logger
}

// NewWSHandler builds the websocket handler.
func NewWSHandler(reg *registry.Registry, proc *pipeline.Processor, bcast *broadcast.Manager, store history.Store, tracker *Tracker, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		reg:     reg,
		proc:    proc,
		bcast:   bcast,
		store:   store,
		tracker: tracker,
		log:     logger.With().Str("component", "ws").Logger(),
	}
}

// wsConn is one accepted connection: its identity, its outbound queue, and
// the session it joined under.
type wsConn struct {
	id        string
	sessionID string
	remoteIP  string
	out       chan proto.Outbound
	limiter   *rateLimiter
	closed    atomic.Bool
}

// Send queues a broadcast event for the write loop. A full queue counts as a
// failure so the broadcast layer can clean the subscriber up.
func (c *wsConn) Send(_ context.Context, ev broadcast.Event) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	select {
	case c.out <- proto.Outbound{Type: proto.OutboundTypeEvent, Event: string(ev.Type), Data: viewEventData(ev.Data)}:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// Alive reports whether the connection is still open.
func (c *wsConn) Alive() bool {
	return !c.closed.Load()
}

// viewEventData reshapes broadcast payloads for the wire so clients get
// display names and formatted times instead of raw entities.
func viewEventData(data any) any {
	switch p := data.(type) {
	case broadcast.MessagePayload:
		out := struct {
			Message    proto.MessageView  `json:"message"`
			AIResponse *proto.MessageView `json:"ai_response,omitempty"`
		}{Message: proto.ViewMessage(p.Message)}
		if p.AIResponse != nil {
			v := proto.ViewMessage(*p.AIResponse)
			out.AIResponse = &v
		}
		return out
	case broadcast.PresencePayload:
		return struct {
			Username  string            `json:"username"`
			UserCount int               `json:"user_count"`
			Notice    proto.MessageView `json:"notice"`
		}{p.Username, p.UserCount, proto.ViewMessage(p.Notice)}
	case broadcast.UserListPayload:
		return proto.OnlineUsersResponse{Users: proto.ViewUsers(p.Users), UserCount: p.UserCount}
	case broadcast.SystemPayload:
		return struct {
			Message proto.MessageView `json:"message"`
		}{proto.ViewMessage(p.Message)}
	default:
		return data
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	client := &wsConn{
		id:        utils.NewID(),
		sessionID: utils.NewID(),
		remoteIP:  remoteIP(r),
		out:       make(chan proto.Outbound, outboundBuffer),
		limiter:   newRateLimiter(messageRateLimit),
	}
	defer client.limiter.stop()
	h.tracker.Add(client.id, r.RemoteAddr)
	defer h.tracker.Remove(client.id)
	defer h.teardown(client)

	client.out <- proto.NewConnectOK(client.sessionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	client.closed.Store(true)
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", client.id).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// teardown removes the client's session from the room when the socket drops
// without an explicit leave.
func (h *WSHandler) teardown(client *wsConn) {
	client.closed.Store(true)
	h.bcast.Unsubscribe(client.sessionID)

	ctx := context.Background()
	u, notice, err := h.reg.RemoveUser(ctx, client.sessionID)
	if err != nil {
		return // never joined
	}
	h.bcast.BroadcastUserLeave(ctx, u.Username, h.reg.UserCount(), notice)
	h.bcast.BroadcastUserList(ctx, h.reg.OnlineUsers())
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsConn) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		h.tracker.Touch(client.id)
		h.dispatch(ctx, client, inbound)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsConn) error {
	for {
		select {
		case outbound, ok := <-client.out:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outbound); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.id).Msg("write ws outbound")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reply queues a response without blocking the read loop.
func (h *WSHandler) reply(client *wsConn, out proto.Outbound) {
	select {
	case client.out <- out:
	default:
		h.log.Warn().Str("conn_id", client.id).Str("type", out.Type).Msg("outbound queue full, reply dropped")
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client *wsConn, inbound proto.Inbound) {
	switch inbound.Type {
	case proto.InboundTypeJoin:
		h.handleJoin(ctx, client, inbound.Data)
	case proto.InboundTypeLeave:
		h.handleLeave(ctx, client)
	case proto.InboundTypeMessage:
		h.handleMessage(ctx, client, inbound.Data)
	case proto.InboundTypeTyping:
		h.handleTyping(ctx, client, inbound.Data)
	case proto.InboundTypePing:
		h.tracker.RecordPing(client.id)
		h.reply(client, proto.Outbound{Type: proto.OutboundTypePong, Data: proto.PongData{Now: time.Now().Unix()}})
	case proto.InboundTypeHistory:
		h.handleHistory(ctx, client, inbound.Data)
	case proto.InboundTypeOnlineUsers:
		users := h.reg.OnlineUsers()
		h.reply(client, proto.Outbound{Type: proto.OutboundTypeOnlineUsers, Data: proto.OnlineUsersResponse{
			Users:     proto.ViewUsers(users),
			UserCount: len(users),
		}})
	case proto.InboundTypeSuggestNames:
		h.handleSuggest(ctx, client, inbound.Data)
	case proto.InboundTypeSetDisplayName:
		h.handleDisplayName(ctx, client, inbound.Data)
	case proto.InboundTypeUserInfo:
		u, err := h.reg.ValidateSession(client.sessionID, "")
		if err != nil {
			h.reply(client, proto.NewError(proto.OutboundTypeError, err))
			return
		}
		h.reply(client, proto.Outbound{Type: proto.OutboundTypeUserInfo, Data: proto.ViewUser(u)})
	default:
		h.reply(client, proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{
			Code: chat.ErrCodeInvalidInput,
			Msg:  "未知消息类型: " + inbound.Type,
		}})
	}
}

func (h *WSHandler) handleJoin(ctx context.Context, client *wsConn, data json.RawMessage) {
	var req proto.JoinData
	if err := json.Unmarshal(data, &req); err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeJoinError, chat.Reject(chat.ErrCodeInvalidInput, "无效的加入请求")))
		return
	}

	res, err := h.reg.AddUser(ctx, client.sessionID, req.Username, client.remoteIP, req.DisplayName)
	if err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeJoinError, err))
		return
	}

	h.reg.BindConnection(client.id, client.sessionID)
	h.bcast.Subscribe(client.sessionID, res.User.Username, broadcast.DefaultRoom, client)

	users := h.reg.OnlineUsers()
	h.reply(client, proto.Outbound{Type: proto.OutboundTypeJoinOK, Data: proto.JoinOKData{
		User:      proto.ViewUser(res.User),
		Rejoined:  res.Rejoined,
		Users:     proto.ViewUsers(users),
		UserCount: len(users),
		History:   proto.ViewMessages(h.reg.Room().RecentMessages(historyLimit)),
	}})

	if !res.Rejoined && res.Notice != nil {
		h.bcast.BroadcastUserJoin(ctx, res.User.Username, len(users), *res.Notice)
		h.bcast.BroadcastUserList(ctx, users)
	}
}

func (h *WSHandler) handleLeave(ctx context.Context, client *wsConn) {
	u, notice, err := h.reg.RemoveUser(ctx, client.sessionID)
	if err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeError, err))
		return
	}
	h.bcast.Unsubscribe(client.sessionID)
	h.reply(client, proto.Outbound{Type: proto.OutboundTypeLeaveOK})

	h.bcast.BroadcastUserLeave(ctx, u.Username, h.reg.UserCount(), notice)
	h.bcast.BroadcastUserList(ctx, h.reg.OnlineUsers())
}

func (h *WSHandler) handleMessage(ctx context.Context, client *wsConn, data json.RawMessage) {
	var req proto.MessageData
	if err := json.Unmarshal(data, &req); err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeMessageError, chat.Reject(chat.ErrCodeInvalidInput, "无效的消息请求")))
		return
	}
	if !client.limiter.allow() {
		h.reply(client, proto.NewError(proto.OutboundTypeMessageError, chat.Reject(chat.ErrCodeRateLimited, "发送太快了，请稍后再试")))
		return
	}

	res, err := h.proc.ProcessMessage(ctx, client.sessionID, req.Content)
	if err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeMessageError, err))
		return
	}
	h.tracker.RecordMessage(client.id)

	h.reply(client, proto.Outbound{Type: proto.OutboundTypeMessageSent, Data: proto.ViewMessage(res.Message)})
	h.bcast.BroadcastMessage(ctx, res.Message, res.AIResponse)
}

func (h *WSHandler) handleTyping(ctx context.Context, client *wsConn, data json.RawMessage) {
	var req proto.TypingData
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	u, err := h.reg.ValidateSession(client.sessionID, "")
	if err != nil {
		return
	}
	h.bcast.BroadcastTyping(ctx, client.sessionID, u.Username, req.Typing)
}

func (h *WSHandler) handleHistory(ctx context.Context, client *wsConn, data json.RawMessage) {
	var req proto.HistoryData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(client, proto.NewError(proto.OutboundTypeError, chat.Reject(chat.ErrCodeInvalidInput, "无效的历史请求")))
			return
		}
	}
	limit := req.Limit
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}

	var msgs []chat.Message
	if h.store != nil {
		var err error
		msgs, err = h.store.RecentMessages(ctx, limit)
		if err != nil {
			h.log.Error().Err(err).Msg("load history")
			msgs = h.reg.Room().RecentMessages(limit)
		}
	} else {
		msgs = h.reg.Room().RecentMessages(limit)
	}

	h.reply(client, proto.Outbound{Type: proto.OutboundTypeHistory, Data: proto.HistoryResponse{
		Messages: proto.ViewMessages(msgs),
		Count:    len(msgs),
	}})
}

func (h *WSHandler) handleSuggest(ctx context.Context, client *wsConn, data json.RawMessage) {
	var req proto.SuggestData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(client, proto.NewError(proto.OutboundTypeSuggestError, chat.Reject(chat.ErrCodeInvalidInput, "无效的建议请求")))
			return
		}
	}
	suggestions, err := h.reg.SuggestUsernames(ctx, client.remoteIP, req.Preferred, 5)
	if err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeSuggestError, err))
		return
	}
	h.reply(client, proto.Outbound{Type: proto.OutboundTypeSuggestions, Data: proto.SuggestionsResponse{Suggestions: suggestions}})
}

func (h *WSHandler) handleDisplayName(ctx context.Context, client *wsConn, data json.RawMessage) {
	var req proto.DisplayNameData
	if err := json.Unmarshal(data, &req); err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeError, chat.Reject(chat.ErrCodeInvalidInput, "无效的昵称请求")))
		return
	}
	u, err := h.reg.UpdateDisplayName(client.sessionID, req.DisplayName)
	if err != nil {
		h.reply(client, proto.NewError(proto.OutboundTypeError, err))
		return
	}
	h.reply(client, proto.Outbound{Type: proto.OutboundTypeUserInfo, Data: proto.ViewUser(u)})
	h.bcast.BroadcastUserList(ctx, h.reg.OnlineUsers())
}

func remoteIP(r *stdhttp.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
