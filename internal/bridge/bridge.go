package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/broadcast"
	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/config"
	"github.com/airoom/server/internal/pipeline"
	"github.com/airoom/server/internal/registry"
)

// MQTT topics shared with the device firmware. Chat flows in on ChatIn and
// back out on ChatOut; the gimbal lifecycle lives under device/gimbal/.
const (
	TopicChatIn         = "chatroom/messages/in"
	TopicChatOut        = "chatroom/messages/out"
	TopicUserJoin       = "chatroom/users/join"
	TopicUserLeave      = "chatroom/users/leave"
	TopicSystem         = "chatroom/system"
	TopicGimbalControl  = "device/gimbal/control"
	TopicGimbalRegister = "device/gimbal/register"
	TopicGimbalStatus   = "device/gimbal/status"
)

const (
	connectTimeout  = 5 * time.Second
	disconnectQuiet = 250 // milliseconds, paho's Disconnect grace
	defaultUsername = "MQTT用户"
	// sessionPrefix keeps device sessions apart from websocket ones.
	sessionPrefix = "mqtt_"
	// usernameSuffix marks bridged authors in the room roster.
	usernameSuffix = "_MQTT"
)

// chatInbound is the JSON body devices publish on TopicChatIn.
type chatInbound struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	ClientID string `json:"client_id"`
}

// presenceInbound is the body on the user join/leave topics.
type presenceInbound struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

type registerInbound struct {
	ClientID   string         `json:"client_id"`
	Username   string         `json:"username"`
	DeviceType string         `json:"device_type"`
	DeviceInfo map[string]any `json:"device_info"`
}

type statusInbound struct {
	ClientID string         `json:"client_id"`
	Status   string         `json:"status"`
	Position *GimbalCommand `json:"current_position"`
}

// chatOutbound mirrors what websocket clients see, flattened for devices.
type chatOutbound struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
}

type systemOutbound struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// gimbalDevice tracks one registered pan/tilt unit.
type gimbalDevice struct {
	ClientID     string         `json:"client_id"`
	Username     string         `json:"username"`
	DeviceType   string         `json:"device_type"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Online       bool           `json:"online"`
	Position     *GimbalCommand `json:"position,omitempty"`
}

// Stats is the bridge counter snapshot exposed on /api/stats.
type Stats struct {
	Connected      bool      `json:"connected"`
	Broker         string    `json:"broker"`
	Users          int       `json:"users"`
	Devices        int       `json:"devices"`
	GimbalOnline   bool      `json:"gimbal_online"`
	Received       int       `json:"messages_received"`
	Published      int       `json:"messages_published"`
	GimbalCommands int       `json:"gimbal_commands"`
	LastMessage    time.Time `json:"last_message"`
}

// Bridge relays chat between MQTT devices and the room, and carries the
// gimbal control channel. Device authors join the room like any other user,
// suffixed so the roster shows where they came from.
type Bridge struct {
	cfg   config.MQTTConfig
	reg   *registry.Registry
	proc  *pipeline.Processor
	bcast *broadcast.Manager
	log   zerolog.Logger

	client mqtt.Client
	// publish is swappable so handlers can be exercised without a broker.
	publish func(topic string, payload []byte)

	mu        sync.Mutex
	connected bool
	users     map[string]string // client id -> session id
	devices   map[string]*gimbalDevice
	received  int
	published int
	commands  int
	lastMsg   time.Time
}

// New builds the bridge without connecting. Start dials the broker.
func New(cfg config.MQTTConfig, reg *registry.Registry, proc *pipeline.Processor, bcast *broadcast.Manager, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		reg:     reg,
		proc:    proc,
		bcast:   bcast,
		log:     logger.With().Str("component", "mqtt").Logger(),
		users:   make(map[string]string),
		devices: make(map[string]*gimbalDevice),
	}
	b.publish = b.publishMQTT
	return b
}

// Start connects to the broker and subscribes the inbound topics.
func (b *Bridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			b.setConnected(true)
			b.log.Info().Str("broker", b.cfg.BrokerURL).Msg("mqtt connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.setConnected(false)
			b.log.Warn().Err(err).Msg("mqtt connection lost")
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username).SetPassword(b.cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", b.cfg.BrokerURL, err)
	}

	inbound := []string{TopicChatIn, TopicUserJoin, TopicUserLeave, TopicGimbalControl, TopicGimbalRegister, TopicGimbalStatus}
	for _, topic := range inbound {
		topic := topic
		token := b.client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			b.Route(context.Background(), m.Topic(), m.Payload())
		})
		if token.Wait(); token.Error() != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
		}
		b.log.Debug().Str("topic", topic).Msg("subscribed")
	}

	b.publishSystem("MQTT服务已连接")
	return nil
}

// Stop announces shutdown, unseats bridged users, and disconnects.
func (b *Bridge) Stop(ctx context.Context) {
	b.publishSystem("MQTT服务即将停止")

	b.mu.Lock()
	sessions := make([]string, 0, len(b.users))
	for _, session := range b.users {
		sessions = append(sessions, session)
	}
	b.users = make(map[string]string)
	b.devices = make(map[string]*gimbalDevice)
	b.mu.Unlock()

	for _, session := range sessions {
		if _, _, err := b.reg.RemoveUser(ctx, session); err != nil {
			b.log.Debug().Err(err).Str("session", session).Msg("remove bridged user")
		}
	}

	if b.client != nil {
		b.client.Disconnect(disconnectQuiet)
	}
	b.setConnected(false)
	b.log.Info().Msg("mqtt stopped")
}

// Route dispatches one inbound publication by topic.
func (b *Bridge) Route(ctx context.Context, topic string, payload []byte) {
	b.mu.Lock()
	b.received++
	b.lastMsg = time.Now()
	b.mu.Unlock()

	switch topic {
	case TopicChatIn:
		b.handleChat(ctx, payload)
	case TopicUserJoin:
		b.handleUserJoin(ctx, payload)
	case TopicUserLeave:
		b.handleUserLeave(ctx, payload)
	case TopicGimbalControl:
		b.handleGimbalControl(ctx, payload)
	case TopicGimbalRegister:
		b.handleGimbalRegister(ctx, payload)
	case TopicGimbalStatus:
		b.handleGimbalStatus(ctx, payload)
	default:
		b.log.Debug().Str("topic", topic).Msg("ignoring unexpected topic")
	}
}

func (b *Bridge) handleChat(ctx context.Context, payload []byte) {
	var in chatInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		// Bare text is accepted as an anonymous message.
		in = chatInbound{Message: string(payload)}
	}
	if strings.TrimSpace(in.Message) == "" {
		return
	}

	session, err := b.ensureUser(ctx, in.ClientID, in.Username)
	if err != nil {
		b.log.Warn().Err(err).Str("client_id", in.ClientID).Msg("seat bridged user")
		return
	}

	res, err := b.proc.ProcessMessage(ctx, session, in.Message)
	if err != nil {
		b.log.Warn().Err(err).Str("client_id", in.ClientID).Msg("bridged message rejected")
		return
	}

	b.bcast.BroadcastMessage(ctx, res.Message, res.AIResponse)
	b.publishChat(res.Message, res.AIResponse)
}

func (b *Bridge) handleUserJoin(ctx context.Context, payload []byte) {
	var in presenceInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		b.log.Warn().Err(err).Msg("decode mqtt join")
		return
	}
	if _, err := b.ensureUser(ctx, in.ClientID, in.Username); err != nil {
		b.log.Warn().Err(err).Str("client_id", in.ClientID).Msg("seat bridged user")
	}
}

func (b *Bridge) handleUserLeave(ctx context.Context, payload []byte) {
	var in presenceInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		b.log.Warn().Err(err).Msg("decode mqtt leave")
		return
	}

	b.mu.Lock()
	session, ok := b.users[in.ClientID]
	delete(b.users, in.ClientID)
	b.mu.Unlock()
	if !ok {
		return
	}

	u, notice, err := b.reg.RemoveUser(ctx, session)
	if err != nil {
		b.log.Debug().Err(err).Str("session", session).Msg("remove bridged user")
		return
	}
	b.bcast.BroadcastUserLeave(ctx, u.Display(), b.reg.UserCount(), notice)
	b.bcast.BroadcastUserList(ctx, b.reg.OnlineUsers())
	b.publishSystem(fmt.Sprintf("MQTT用户 %s 离开了聊天室", u.Username))
}

// ensureUser seats a device author in the room, reusing the session on
// repeat messages from the same client id.
func (b *Bridge) ensureUser(ctx context.Context, clientID, username string) (string, error) {
	if clientID == "" {
		clientID = "unknown"
	}
	if strings.TrimSpace(username) == "" {
		username = defaultUsername
	}

	session := sessionPrefix + clientID
	res, err := b.reg.AddUser(ctx, session, username+usernameSuffix, "", "")
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.users[clientID] = session
	b.mu.Unlock()

	if !res.Rejoined {
		if res.Notice != nil {
			b.bcast.BroadcastUserJoin(ctx, res.User.Display(), b.reg.UserCount(), *res.Notice)
		}
		b.bcast.BroadcastUserList(ctx, b.reg.OnlineUsers())
		b.publishSystem(fmt.Sprintf("MQTT用户 %s 加入了聊天室", res.User.Username))
	}
	return session, nil
}

func (b *Bridge) handleGimbalControl(ctx context.Context, payload []byte) {
	cmd, err := ParseGimbalCommand(string(payload))
	if err != nil {
		b.log.Warn().Err(err).Msg("gimbal control rejected")
		b.publishSystem(fmt.Sprintf("云台控制消息格式错误: %s", strings.TrimSpace(string(payload))))
		return
	}

	b.mu.Lock()
	b.commands++
	b.mu.Unlock()

	b.publishSystem(fmt.Sprintf("云台已调整至: X=%d, Y=%d", cmd.X, cmd.Y))
	b.notifyRoom(ctx, fmt.Sprintf("云台控制: X=%d, Y=%d", cmd.X, cmd.Y))
}

func (b *Bridge) handleGimbalRegister(ctx context.Context, payload []byte) {
	var in registerInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		b.log.Warn().Err(err).Msg("decode gimbal register")
		return
	}
	if in.Username != "云台" && in.DeviceType != "gimbal" {
		b.log.Warn().Str("username", in.Username).Str("device_type", in.DeviceType).Msg("non-gimbal device register ignored")
		return
	}
	if in.ClientID == "" {
		in.ClientID = "unknown_gimbal"
	}
	if in.Username == "" {
		in.Username = "云台"
	}

	now := time.Now()
	b.mu.Lock()
	b.devices[in.ClientID] = &gimbalDevice{
		ClientID:     in.ClientID,
		Username:     in.Username,
		DeviceType:   in.DeviceType,
		RegisteredAt: now,
		LastSeen:     now,
		Online:       true,
	}
	b.mu.Unlock()

	b.publishSystem(fmt.Sprintf("云台设备 %s (%s) 已连接", in.Username, in.ClientID))
	b.notifyRoom(ctx, fmt.Sprintf("🎥 云台设备 %s 已上线，可使用 @云台 指令进行控制", in.Username))
	b.log.Info().Str("client_id", in.ClientID).Msg("gimbal registered")
}

func (b *Bridge) handleGimbalStatus(ctx context.Context, payload []byte) {
	var in statusInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		b.log.Warn().Err(err).Msg("decode gimbal status")
		return
	}

	b.mu.Lock()
	dev, ok := b.devices[in.ClientID]
	if ok {
		dev.LastSeen = time.Now()
		dev.Online = in.Status == "online"
		if in.Position != nil {
			dev.Position = in.Position
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if in.Status == "offline" {
		b.publishSystem(fmt.Sprintf("云台设备 %s 已离线", in.ClientID))
		b.notifyRoom(ctx, fmt.Sprintf("📴 云台设备 %s 已离线", in.ClientID))
	}
}

// SendGimbalCommand validates and publishes a control command on behalf of a
// chat user.
func (b *Bridge) SendGimbalCommand(ctx context.Context, cmd GimbalCommand, username string) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	b.publish(TopicGimbalControl, []byte(cmd.String()))

	b.mu.Lock()
	b.commands++
	b.published++
	b.mu.Unlock()

	b.notifyRoom(ctx, fmt.Sprintf("%s 控制云台: X=%d, Y=%d", username, cmd.X, cmd.Y))
	return nil
}

// GimbalOnline reports whether any registered gimbal is currently online.
func (b *Bridge) GimbalOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dev := range b.devices {
		if dev.Online {
			return true
		}
	}
	return false
}

// notifyRoom posts a system notice to the room and fans it out.
func (b *Bridge) notifyRoom(ctx context.Context, text string) {
	msg, err := b.proc.ProcessSystemMessage(ctx, text)
	if err != nil {
		b.log.Error().Err(err).Msg("post system notice")
		return
	}
	b.bcast.BroadcastSystemNotification(ctx, msg)
}

// publishChat mirrors a processed message (and any AI reply) to ChatOut.
func (b *Bridge) publishChat(msg chat.Message, aiResponse *chat.Message) {
	out := chatOutbound{
		Type:      "user_message",
		Username:  msg.Username,
		Content:   msg.Content,
		Timestamp: msg.Timestamp.Format(time.RFC3339),
		MessageID: msg.ID,
	}
	b.publishJSON(TopicChatOut, out)

	if aiResponse != nil {
		b.publishJSON(TopicChatOut, chatOutbound{
			Type:      "ai_response",
			Username:  aiResponse.Username,
			Content:   aiResponse.Content,
			Timestamp: aiResponse.Timestamp.Format(time.RFC3339),
			MessageID: aiResponse.ID,
		})
	}
}

func (b *Bridge) publishSystem(text string) {
	b.publishJSON(TopicSystem, systemOutbound{
		Type:      "system_message",
		Message:   text,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (b *Bridge) publishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("encode mqtt payload")
		return
	}
	b.publish(topic, data)
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
}

func (b *Bridge) publishMQTT(topic string, payload []byte) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	b.client.Publish(topic, 0, false, payload)
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Stats snapshots the bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	online := false
	for _, dev := range b.devices {
		if dev.Online {
			online = true
			break
		}
	}
	return Stats{
		Connected:      b.connected,
		Broker:         b.cfg.BrokerURL,
		Users:          len(b.users),
		Devices:        len(b.devices),
		GimbalOnline:   online,
		Received:       b.received,
		Published:      b.published,
		GimbalCommands: b.commands,
		LastMessage:    b.lastMsg,
	}
}
