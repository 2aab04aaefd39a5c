// Package pipeline runs inbound chat messages through validation, mention
// handling, AI response, and persistence.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/ai"
	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/history"
	"github.com/airoom/server/internal/registry"
)

// aiContextWindow is how many recent messages ride along as conversation
// context for a mention.
const aiContextWindow = 5

// Result is the outcome of a processed message, ready to broadcast.
type Result struct {
	Message     chat.Message
	AIResponse  *chat.Message
	OnlineUsers []chat.User
	UserCount   int
	Timestamp   time.Time
}

// Stats counts pipeline outcomes.
type Stats struct {
	Processed int `json:"processed"`
	Rejected  int `json:"rejected"`
	Mentions  int `json:"mentions"`
	AIFailed  int `json:"ai_failed"`
}

// Processor validates inbound messages, reacts to AI mentions, and persists
// the results. Broadcast happens in the caller so the pipeline stays
// transport-agnostic.
type Processor struct {
	reg      *registry.Registry
	store    history.Store
	client   ai.Client
	mentions *chat.Mentions
	log      zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a processor. The store may be nil when persistence is disabled;
// a nil mentions matcher falls back to the default patterns.
func New(reg *registry.Registry, store history.Store, client ai.Client, mentions *chat.Mentions, logger zerolog.Logger) *Processor {
	if mentions == nil {
		mentions = chat.DefaultMentions()
	}
	return &Processor{
		reg:      reg,
		store:    store,
		client:   client,
		mentions: mentions,
		log:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// ProcessMessage runs one user message through the pipeline: session check,
// content validation, room append, mention handling, persistence. An AI
// backend failure never fails the message; the localized error text is posted
// as the AI's reply instead.
func (p *Processor) ProcessMessage(ctx context.Context, sessionID, content string) (Result, error) {
	user, err := p.reg.ValidateSession(sessionID, "")
	if err != nil {
		p.recordRejection()
		return Result{}, err
	}

	if !chat.IsValidContent(content) {
		p.recordRejection()
		return Result{}, chat.Reject(chat.ErrCodeInvalidContent, "消息内容无效：不能为空、过长或包含脚本")
	}

	msg, err := chat.NewUserMessage(user.Username, content, p.mentions)
	if err != nil {
		p.recordRejection()
		return Result{}, err
	}

	// Context for a possible mention is captured before the new message
	// lands in the window.
	var contextMsgs []chat.Message
	if msg.MentionsAI {
		contextMsgs = p.reg.Room().RecentMessages(aiContextWindow)
	}

	p.reg.Room().AppendMessage(msg)
	p.persist(ctx, msg)

	res := Result{Message: msg, Timestamp: msg.Timestamp}
	if msg.MentionsAI {
		aiMsg := p.respondToMention(ctx, msg, contextMsgs)
		res.AIResponse = &aiMsg
	}

	res.OnlineUsers = p.reg.OnlineUsers()
	res.UserCount = len(res.OnlineUsers)

	p.mu.Lock()
	p.stats.Processed++
	if msg.MentionsAI {
		p.stats.Mentions++
	}
	p.mu.Unlock()

	p.log.Debug().
		Str("session", sessionID).
		Str("message_id", msg.ID).
		Bool("mentions_ai", msg.MentionsAI).
		Msg("message processed")
	return res, nil
}

// respondToMention asks the backend for a reply and appends it to the room.
// Failures become an AI-authored message carrying the localized error text.
func (p *Processor) respondToMention(ctx context.Context, msg chat.Message, contextMsgs []chat.Message) chat.Message {
	input := msg.ExtractMentionContent(p.mentions)
	if input == "" {
		input = ai.DefaultInput
	}

	turns := make([]ai.Turn, 0, len(contextMsgs))
	for _, m := range contextMsgs {
		role := ai.RoleUser
		if m.IsFromAI() {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Turn{Role: role, Content: m.Username + ": " + m.Content})
	}

	response, err := p.client.Respond(ctx, input, turns, msg.Username)
	if err != nil {
		p.mu.Lock()
		p.stats.AIFailed++
		p.mu.Unlock()
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("ai response failed")
		response = ai.UserMessage(err)
	}

	aiMsg, err := chat.NewAIMessage(chat.AIUsername, response)
	if err != nil {
		// Response exceeded the message bound; fall back to the apology.
		aiMsg, _ = chat.NewAIMessage(chat.AIUsername, ai.FallbackResponse)
	}
	p.reg.Room().AppendMessage(aiMsg)
	p.persist(ctx, aiMsg)
	return aiMsg
}

// ProcessSystemMessage posts a system notice to the room and persists it.
func (p *Processor) ProcessSystemMessage(ctx context.Context, content string) (chat.Message, error) {
	msg, err := chat.NewSystemMessage(content)
	if err != nil {
		return chat.Message{}, err
	}
	p.reg.Room().AppendMessage(msg)
	p.persist(ctx, msg)
	return msg, nil
}

func (p *Processor) persist(ctx context.Context, msg chat.Message) {
	if p.store == nil {
		return
	}
	if err := p.store.Append(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID).Msg("persist message")
	}
}

func (p *Processor) recordRejection() {
	p.mu.Lock()
	p.stats.Rejected++
	p.mu.Unlock()
}

// Stats returns a copy of the counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// MentionRate is the fraction of processed messages that mentioned the AI.
func (p *Processor) MentionRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stats.Processed == 0 {
		return 0
	}
	return float64(p.stats.Mentions) / float64(p.stats.Processed)
}

// RejectionRate is the fraction of inbound messages that were rejected.
func (p *Processor) RejectionRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.stats.Processed + p.stats.Rejected
	if total == 0 {
		return 0
	}
	return float64(p.stats.Rejected) / float64(total)
}
