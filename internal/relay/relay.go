// Package relay turns one chat submission into a paced stream of reply
// text while recording the user and assistant messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"topic-chat/backend/internal/llm"
	"topic-chat/backend/internal/models"
	apperrors "topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCancelled is returned by Session.Run when the turn was stopped
// before the upstream reply completed
var ErrCancelled = errors.New("turn cancelled")

// Store is the persistence the relay needs for a turn
type Store interface {
	// GetConversation fails unless the conversation exists and belongs to userID
	GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	SaveMessage(ctx context.Context, message *models.Message) error
}

// Notifier is told when a user's conversation list changed
type Notifier interface {
	ConversationChanged(userID, conversationID string)
}

// Emitter writes client-facing events
type Emitter interface {
	Text(text string) error
	MessageID(id string) error
	End() error
	// Fail reports a failure after the stream has started
	Fail(err error) error
}

// Turn is one user submission
type Turn struct {
	// TurnID doubles as the user message id when it is a UUID
	TurnID         string
	Message        string
	Image          *llm.Image
	UserID         string
	ConversationID string
	Speed          Speed
}

// Result describes a finished turn
type Result struct {
	TurnID             string
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Reply              string
	Chunks             int
}

// Relay runs turns against one provider
type Relay struct {
	provider      llm.Provider
	store         Store
	notifier      Notifier
	pacer         *Pacer
	registry      *Registry
	metrics       *Metrics
	tracer        trace.Tracer
	log           *logger.Logger
	titleLength   int
	maxImageBytes int64
	defaultSpeed  Speed
}

// Option configures a Relay
type Option func(*Relay)

func WithNotifier(n Notifier) Option { return func(r *Relay) { r.notifier = n } }

func WithPacer(p *Pacer) Option { return func(r *Relay) { r.pacer = p } }

func WithRegistry(reg *Registry) Option { return func(r *Relay) { r.registry = reg } }

func WithMetrics(m *Metrics) Option { return func(r *Relay) { r.metrics = m } }

func WithTitleLength(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.titleLength = n
		}
	}
}

func WithMaxImageBytes(n int64) Option { return func(r *Relay) { r.maxImageBytes = n } }

func WithDefaultSpeed(s Speed) Option { return func(r *Relay) { r.defaultSpeed = ParseSpeed(string(s), SpeedNormal) } }

// New creates a relay. store may be nil, in which case nothing is persisted.
func New(provider llm.Provider, store Store, log *logger.Logger, opts ...Option) *Relay {
	r := &Relay{
		provider:     provider,
		store:        store,
		pacer:        NewPacer(),
		registry:     NewRegistry(),
		tracer:       otel.Tracer(instrumentationName),
		log:          log,
		titleLength:  50,
		defaultSpeed: SpeedNormal,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cancel stops a running turn started by userID
func (r *Relay) Cancel(turnID, userID string) error {
	return r.registry.Cancel(turnID, userID)
}

// DefaultSpeed is used when a turn does not name one
func (r *Relay) DefaultSpeed() Speed {
	return r.defaultSpeed
}

// TitleFromMessage derives a conversation title from the first message
func TitleFromMessage(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "Image"
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

// Session is a turn whose upstream stream is open
type Session struct {
	relay          *Relay
	turn           Turn
	ctx            context.Context
	cancel         context.CancelFunc
	span           trace.Span
	log            *logger.Logger
	stream         llm.FrameStream
	conversationID string
	userMessageID  string
	started        time.Time
	outcome        string
}

// ConversationID is the conversation the turn is recorded under, or ""
func (s *Session) ConversationID() string { return s.conversationID }

// TurnID identifies the turn for Relay.Cancel
func (s *Session) TurnID() string { return s.turn.TurnID }

// Start validates the turn, records the user message and opens the
// upstream stream. Errors are *apperrors.AppError values; nothing has been
// sent to the client when Start fails.
func (r *Relay) Start(ctx context.Context, turn Turn) (*Session, error) {
	started := time.Now()

	if strings.TrimSpace(turn.Message) == "" && turn.Image == nil {
		r.metrics.turn(ctx, OutcomeRejected, started)
		return nil, apperrors.InvalidInput("message or image is required")
	}
	if turn.Image != nil && r.maxImageBytes > 0 && int64(len(turn.Image.Data)) > r.maxImageBytes {
		r.metrics.turn(ctx, OutcomeRejected, started)
		return nil, apperrors.InvalidInput("image is too large").
			WithDetails(map[string]any{"maxBytes": r.maxImageBytes})
	}
	if err := r.provider.CheckCredential(ctx); err != nil {
		r.metrics.turn(ctx, OutcomeRejected, started)
		r.log.LogError(err, "model credential unavailable", "provider", r.provider.Name())
		return nil, apperrors.ConfigurationError("model API key is not configured").Wrap(err)
	}

	turn.Speed = ParseSpeed(string(turn.Speed), r.defaultSpeed)
	if turn.TurnID == "" {
		turn.TurnID = uuid.NewString()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	if !r.registry.Register(turn.TurnID, turn.UserID, cancel) {
		// a retried submission reusing a running id gets its own
		turn.TurnID = uuid.NewString()
		r.registry.Register(turn.TurnID, turn.UserID, cancel)
	}

	turnCtx, span := r.tracer.Start(turnCtx, "relay.turn", trace.WithAttributes(
		attribute.String("turn.id", turn.TurnID),
		attribute.String("turn.speed", string(turn.Speed)),
		attribute.Bool("turn.has_image", turn.Image != nil),
		attribute.String("llm.provider", r.provider.Name()),
	))

	s := &Session{
		relay:   r,
		turn:    turn,
		ctx:     turnCtx,
		cancel:  cancel,
		span:    span,
		log:     r.log.WithUserID(turn.UserID).With("turn_id", turn.TurnID),
		started: started,
	}

	s.conversationID = r.resolveConversation(turnCtx, s)
	s.userMessageID = r.saveUserMessage(turnCtx, s)
	span.SetAttributes(attribute.String("conversation.id", s.conversationID))

	stream, err := r.provider.Stream(turnCtx, llm.Prompt{Text: turn.Message, Image: turn.Image})
	if err != nil {
		s.outcome = OutcomeFailed
		span.RecordError(err)
		s.log.LogError(err, "model request failed", "provider", r.provider.Name())
		s.Close()
		if errors.Is(err, llm.ErrUnauthorized) || errors.Is(err, llm.ErrMissingCredential) {
			return nil, apperrors.ConfigurationError("model API rejected the configured credential").Wrap(err)
		}
		return nil, apperrors.UpstreamFailure("model request failed").Wrap(err)
	}
	s.stream = stream
	return s, nil
}

// resolveConversation returns the conversation id the turn is recorded
// under. A missing, unknown or foreign conversation id starts a new
// conversation; without a user nothing is recorded.
func (r *Relay) resolveConversation(ctx context.Context, s *Session) string {
	if r.store == nil || s.turn.UserID == "" {
		return ""
	}

	if id := s.turn.ConversationID; id != "" {
		conversation, err := r.store.GetConversation(ctx, id, s.turn.UserID)
		if err == nil {
			return conversation.ID
		}
		s.log.Warn("conversation not usable for this turn, starting a new one",
			"conversation_id", id,
			"error", err.Error(),
		)
	}

	conversation, err := r.store.CreateConversation(ctx, s.turn.UserID, TitleFromMessage(s.turn.Message, r.titleLength))
	if err != nil {
		r.metrics.persistFailure(ctx, "conversation")
		s.log.LogError(err, "failed to create conversation for turn")
		return ""
	}
	s.log.Info("conversation created for turn", "conversation_id", conversation.ID)
	r.notify(s.turn.UserID, conversation.ID)
	return conversation.ID
}

func (r *Relay) saveUserMessage(ctx context.Context, s *Session) string {
	if s.conversationID == "" {
		return ""
	}

	message := &models.Message{
		ConversationID: s.conversationID,
		UserID:         s.turn.UserID,
		Role:           models.RoleUser,
		Content:        s.turn.Message,
	}
	if _, err := uuid.Parse(s.turn.TurnID); err == nil {
		message.ID = s.turn.TurnID
	}
	if img := s.turn.Image; img != nil {
		if strings.TrimSpace(message.Content) == "" {
			message.Content = fmt.Sprintf("[Image: %s]", img.Name)
		}
		meta, _ := json.Marshal(models.ImageMetadata{
			HasImage:  true,
			ImageName: img.Name,
			ImageSize: len(img.Data),
			MimeType:  img.MediaType,
		})
		message.Metadata = meta
	}

	if err := r.store.SaveMessage(ctx, message); err != nil {
		r.metrics.persistFailure(ctx, "user_message")
		s.log.LogError(err, "failed to save user message", "conversation_id", s.conversationID)
		return ""
	}
	return message.ID
}

// Run forwards reply text to emit until the upstream stream ends, then
// records the assistant message and sends the end event. It returns
// ErrCancelled when the turn was stopped; in that case nothing more is
// written or persisted.
func (s *Session) Run(emit Emitter) (*Result, error) {
	r := s.relay
	ctx := s.ctx
	result := &Result{
		TurnID:         s.turn.TurnID,
		ConversationID: s.conversationID,
		UserMessageID:  s.userMessageID,
	}

	var reply strings.Builder
	for {
		frame, err := s.stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, s.cancelled()
			}
			s.outcome = OutcomeFailed
			s.span.RecordError(err)
			s.log.LogError(err, "model stream failed", "chunks", result.Chunks)
			appErr := apperrors.UpstreamFailure("model stream failed").Wrap(err)
			if emitErr := emit.Fail(appErr); emitErr != nil {
				s.log.Debug("failed to send error event", "error", emitErr.Error())
			}
			return result, appErr
		}
		if !frame.Visible() {
			continue
		}

		if err := emit.Text(frame.Text); err != nil {
			if ctx.Err() != nil {
				return result, s.cancelled()
			}
			s.outcome = OutcomeFailed
			return result, fmt.Errorf("write chunk: %w", err)
		}
		reply.WriteString(frame.Text)
		result.Chunks++
		r.metrics.chunk(ctx)

		if err := r.pacer.Wait(ctx, s.turn.Speed); err != nil {
			return result, s.cancelled()
		}
	}
	if ctx.Err() != nil {
		return result, s.cancelled()
	}

	result.Reply = reply.String()
	if result.Reply != "" && s.conversationID != "" && s.turn.UserID != "" {
		result.AssistantMessageID = r.saveAssistantMessage(ctx, s, result.Reply)
	}
	if result.AssistantMessageID != "" {
		if err := emit.MessageID(result.AssistantMessageID); err != nil {
			s.log.LogError(err, "failed to send message id")
		}
		r.notify(s.turn.UserID, s.conversationID)
	}
	if err := emit.End(); err != nil {
		s.log.LogError(err, "failed to send end event")
	}

	s.outcome = OutcomeCompleted
	s.log.Info("turn completed",
		"conversation_id", s.conversationID,
		"chunks", result.Chunks,
		"reply_length", len(result.Reply),
	)
	return result, nil
}

func (r *Relay) saveAssistantMessage(ctx context.Context, s *Session, reply string) string {
	message := &models.Message{
		ConversationID: s.conversationID,
		UserID:         s.turn.UserID,
		Role:           models.RoleAssistant,
		Content:        reply,
	}
	if err := r.store.SaveMessage(ctx, message); err != nil {
		r.metrics.persistFailure(ctx, "assistant_message")
		s.log.LogError(err, "failed to save assistant message", "conversation_id", s.conversationID)
		return ""
	}
	return message.ID
}

func (s *Session) cancelled() error {
	s.outcome = OutcomeCancelled
	s.log.Info("turn cancelled", "conversation_id", s.conversationID)
	return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(s.ctx))
}

// Close releases the upstream stream and the turn's registration.
// It is safe to call more than once.
func (s *Session) Close() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.cancel == nil {
		return
	}
	s.relay.registry.Release(s.turn.TurnID)
	s.cancel()
	s.cancel = nil

	outcome := s.outcome
	if outcome == "" {
		outcome = OutcomeFailed
	}
	if outcome == OutcomeFailed {
		s.span.SetStatus(codes.Error, "turn failed")
	}
	s.span.SetAttributes(attribute.String("turn.outcome", outcome))
	s.span.End()
	s.relay.metrics.turn(context.WithoutCancel(s.ctx), outcome, s.started)
}

func (r *Relay) notify(userID, conversationID string) {
	if r.notifier == nil || userID == "" {
		return
	}
	r.notifier.ConversationChanged(userID, conversationID)
}
