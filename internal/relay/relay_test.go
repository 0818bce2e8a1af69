package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"topic-chat/backend/internal/llm"
	"topic-chat/backend/internal/models"
	apperrors "topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	frames   []llm.Frame
	streamFn func(ctx context.Context, prompt llm.Prompt) (llm.FrameStream, error)
	credErr  error

	mu      sync.Mutex
	prompts []llm.Prompt
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CheckCredential(context.Context) error { return p.credErr }

func (p *fakeProvider) Stream(ctx context.Context, prompt llm.Prompt) (llm.FrameStream, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	if p.streamFn != nil {
		return p.streamFn(ctx, prompt)
	}
	return llm.NewStaticStream(p.frames...), nil
}

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      []*models.Message
	failCreate    bool
	failRole      models.Role
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: make(map[string]*models.Conversation)}
}

func (s *fakeStore) GetConversation(_ context.Context, id, userID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if c.UserID != userID {
		return nil, errors.New("forbidden")
	}
	return c, nil
}

func (s *fakeStore) CreateConversation(_ context.Context, userID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return nil, errors.New("database is down")
	}
	c := &models.Conversation{ID: uuid.NewString(), UserID: userID, Title: title}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRole != "" && m.Role == s.failRole {
		return errors.New("write failed")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	copied := *m
	s.messages = append(s.messages, &copied)
	return nil
}

func (s *fakeStore) byRole(role models.Role) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeStore) conversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

type recordingEmitter struct {
	texts     []string
	messageID string
	ended     bool
	failure   error
	onText    func(string)
}

func (e *recordingEmitter) Fail(err error) error {
	e.failure = err
	return nil
}

func (e *recordingEmitter) Text(text string) error {
	e.texts = append(e.texts, text)
	if e.onText != nil {
		e.onText(text)
	}
	return nil
}

func (e *recordingEmitter) MessageID(id string) error {
	e.messageID = id
	return nil
}

func (e *recordingEmitter) End() error {
	e.ended = true
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) ConversationChanged(userID, conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, userID+"/"+conversationID)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestRelay(p llm.Provider, store Store, opts ...Option) *Relay {
	opts = append([]Option{WithPacer(NewPacerWith(nil, noSleep))}, opts...)
	return New(p, store, logger.Discard(), opts...)
}

func content(texts ...string) []llm.Frame {
	frames := make([]llm.Frame, 0, len(texts))
	for _, t := range texts {
		frames = append(frames, llm.Frame{Kind: llm.FrameContent, Text: t})
	}
	return frames
}

func runTurn(t *testing.T, r *Relay, turn Turn, emit *recordingEmitter) (*Result, error) {
	t.Helper()
	session, err := r.Start(context.Background(), turn)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.Run(emit)
}

func TestRelay_NewConversationTurn(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	provider := &fakeProvider{frames: content("Hello", ", ", "there!")}
	r := newTestRelay(provider, store, WithNotifier(notifier))

	emit := &recordingEmitter{}
	result, err := runTurn(t, r, Turn{Message: "hi", UserID: "user-1", Speed: SpeedFast}, emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", ", ", "there!"}, emit.texts)
	assert.True(t, emit.ended)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, "Hello, there!", result.Reply)

	require.Equal(t, 1, store.conversationCount())
	conversation := store.conversations[result.ConversationID]
	require.NotNil(t, conversation)
	assert.Equal(t, "hi", conversation.Title)

	users := store.byRole(models.RoleUser)
	assistants := store.byRole(models.RoleAssistant)
	require.Len(t, users, 1)
	require.Len(t, assistants, 1)
	assert.Equal(t, "hi", users[0].Content)
	assert.Equal(t, strings.Join(emit.texts, ""), assistants[0].Content)
	assert.Equal(t, assistants[0].ID, emit.messageID)
	assert.Equal(t, result.ConversationID, assistants[0].ConversationID)

	// created, then updated by the reply
	assert.Len(t, notifier.events, 2)
}

func TestRelay_MetadataFramesAreDropped(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{frames: []llm.Frame{
		{Kind: llm.FrameContent, Text: "a"},
		{Kind: llm.FrameMetadata, Text: `{"finishReason":"stop"}`},
		{Kind: llm.FrameContent, Text: ""},
		{Kind: llm.FrameRaw, Text: "raw line\n"},
		{Kind: llm.FrameMetadata, Text: `{"usage":{}}`},
	}}
	r := newTestRelay(provider, store)

	emit := &recordingEmitter{}
	result, err := runTurn(t, r, Turn{Message: "hi", UserID: "user-1"}, emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "raw line\n"}, emit.texts)
	assert.Equal(t, "araw line\n", result.Reply)
}

func TestRelay_ExistingConversation(t *testing.T) {
	store := newFakeStore()
	existing, _ := store.CreateConversation(context.Background(), "user-1", "Earlier")
	r := newTestRelay(&fakeProvider{frames: content("ok")}, store)

	result, err := runTurn(t, r, Turn{Message: "again", UserID: "user-1", ConversationID: existing.ID}, &recordingEmitter{})
	require.NoError(t, err)

	assert.Equal(t, existing.ID, result.ConversationID)
	assert.Equal(t, 1, store.conversationCount())
	assert.Equal(t, "Earlier", store.conversations[existing.ID].Title)
}

func TestRelay_UnusableConversationStartsNewOne(t *testing.T) {
	tests := []struct {
		name           string
		conversationID func(s *fakeStore) string
	}{
		{
			name:           "unknown id",
			conversationID: func(*fakeStore) string { return uuid.NewString() },
		},
		{
			name: "owned by someone else",
			conversationID: func(s *fakeStore) string {
				c, _ := s.CreateConversation(context.Background(), "user-2", "theirs")
				return c.ID
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			requested := tt.conversationID(store)
			before := store.conversationCount()
			r := newTestRelay(&fakeProvider{frames: content("ok")}, store)

			result, err := runTurn(t, r, Turn{Message: "hello", UserID: "user-1", ConversationID: requested}, &recordingEmitter{})
			require.NoError(t, err)

			assert.NotEqual(t, requested, result.ConversationID)
			assert.Equal(t, before+1, store.conversationCount())
			assert.Equal(t, "user-1", store.conversations[result.ConversationID].UserID)
		})
	}
}

func TestRelay_AnonymousTurnIsNotPersisted(t *testing.T) {
	store := newFakeStore()
	r := newTestRelay(&fakeProvider{frames: content("hi back")}, store)

	emit := &recordingEmitter{}
	result, err := runTurn(t, r, Turn{Message: "hi"}, emit)
	require.NoError(t, err)

	assert.Empty(t, result.ConversationID)
	assert.Empty(t, emit.messageID)
	assert.True(t, emit.ended)
	assert.Equal(t, 0, store.conversationCount())
	assert.Empty(t, store.messages)
}

func TestRelay_TurnIDBecomesUserMessageID(t *testing.T) {
	store := newFakeStore()
	r := newTestRelay(&fakeProvider{frames: content("ok")}, store)
	turnID := uuid.NewString()

	result, err := runTurn(t, r, Turn{TurnID: turnID, Message: "hi", UserID: "user-1"}, &recordingEmitter{})
	require.NoError(t, err)

	assert.Equal(t, turnID, result.TurnID)
	assert.Equal(t, turnID, result.UserMessageID)
	assert.Equal(t, turnID, store.byRole(models.RoleUser)[0].ID)
}

func TestRelay_ImageTurn(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{frames: content("a cat")}
	r := newTestRelay(provider, store)
	img := &llm.Image{Name: "cat.png", MediaType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

	result, err := runTurn(t, r, Turn{Image: img, UserID: "user-1"}, &recordingEmitter{})
	require.NoError(t, err)

	require.Len(t, provider.prompts, 1)
	assert.Same(t, img, provider.prompts[0].Image)
	assert.Equal(t, "Image", store.conversations[result.ConversationID].Title)

	userMsg := store.byRole(models.RoleUser)[0]
	assert.Equal(t, "[Image: cat.png]", userMsg.Content)

	var meta models.ImageMetadata
	require.NoError(t, json.Unmarshal(userMsg.Metadata, &meta))
	assert.True(t, meta.HasImage)
	assert.Equal(t, "cat.png", meta.ImageName)
	assert.Equal(t, 4, meta.ImageSize)
	assert.Equal(t, "image/png", meta.MimeType)
}

func TestRelay_RejectsInvalidTurns(t *testing.T) {
	tests := []struct {
		name string
		turn Turn
		cred error
		code string
	}{
		{name: "empty", turn: Turn{Message: "  "}, code: apperrors.CodeInvalidInput},
		{
			name: "image too large",
			turn: Turn{Image: &llm.Image{Name: "big.png", Data: make([]byte, 11)}},
			code: apperrors.CodeInvalidInput,
		},
		{name: "no credential", turn: Turn{Message: "hi"}, cred: llm.ErrMissingCredential, code: apperrors.CodeConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			provider := &fakeProvider{credErr: tt.cred}
			r := newTestRelay(provider, store, WithMaxImageBytes(10))

			_, err := r.Start(context.Background(), tt.turn)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetErrorCode(err))
			assert.Empty(t, provider.prompts)
			assert.Empty(t, store.messages)
		})
	}
}

func TestRelay_UpstreamRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "unauthorized", err: &llm.HTTPStatusError{StatusCode: 401}, code: apperrors.CodeConfiguration},
		{name: "server error", err: &llm.HTTPStatusError{StatusCode: 502}, code: apperrors.CodeUpstreamFailure},
		{name: "network", err: errors.New("connection refused"), code: apperrors.CodeUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			provider := &fakeProvider{streamFn: func(context.Context, llm.Prompt) (llm.FrameStream, error) {
				return nil, tt.err
			}}
			r := newTestRelay(provider, store)

			_, err := r.Start(context.Background(), Turn{Message: "hi", UserID: "user-1"})
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetErrorCode(err))

			// the user message stays behind without a reply
			assert.Len(t, store.byRole(models.RoleUser), 1)
			assert.Empty(t, store.byRole(models.RoleAssistant))
			assert.Equal(t, 0, r.registry.Len())
		})
	}
}

type failingStream struct {
	frames []llm.Frame
	err    error
}

func (s *failingStream) Next() (llm.Frame, error) {
	if len(s.frames) == 0 {
		return llm.Frame{}, s.err
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *failingStream) Close() error { return nil }

func TestRelay_MidStreamFailure(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{streamFn: func(context.Context, llm.Prompt) (llm.FrameStream, error) {
		return &failingStream{frames: content("partial"), err: io.ErrUnexpectedEOF}, nil
	}}
	r := newTestRelay(provider, store)

	emit := &recordingEmitter{}
	_, err := runTurn(t, r, Turn{Message: "hi", UserID: "user-1"}, emit)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUpstreamFailure, apperrors.GetErrorCode(err))
	assert.Equal(t, []string{"partial"}, emit.texts)
	assert.False(t, emit.ended)
	assert.Equal(t, apperrors.CodeUpstreamFailure, apperrors.GetErrorCode(emit.failure))
	assert.Empty(t, store.byRole(models.RoleAssistant))
}

func TestRelay_CancelStopsTurn(t *testing.T) {
	store := newFakeStore()
	r := newTestRelay(&fakeProvider{frames: content("one", "two", "three")}, store)
	turnID := uuid.NewString()

	emit := &recordingEmitter{}
	emit.onText = func(string) {
		assert.ErrorIs(t, r.Cancel(turnID, "user-2"), ErrNotTurnOwner)
		assert.NoError(t, r.Cancel(turnID, "user-1"))
	}
	_, err := runTurn(t, r, Turn{TurnID: turnID, Message: "hi", UserID: "user-1"}, emit)

	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"one"}, emit.texts)
	assert.False(t, emit.ended)
	assert.Len(t, store.byRole(models.RoleUser), 1)
	assert.Empty(t, store.byRole(models.RoleAssistant))
	assert.ErrorIs(t, r.Cancel(turnID, "user-1"), ErrTurnNotFound)
}

func TestRelay_ClientDisconnect(t *testing.T) {
	store := newFakeStore()
	r := newTestRelay(&fakeProvider{frames: content("one", "two")}, store)

	ctx, cancel := context.WithCancel(context.Background())
	session, err := r.Start(ctx, Turn{Message: "hi", UserID: "user-1"})
	require.NoError(t, err)
	defer session.Close()

	emit := &recordingEmitter{onText: func(string) { cancel() }}
	_, err = session.Run(emit)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, store.byRole(models.RoleAssistant))
}

func TestRelay_AssistantPersistenceFailureStillEnds(t *testing.T) {
	store := newFakeStore()
	store.failRole = models.RoleAssistant
	r := newTestRelay(&fakeProvider{frames: content("fine")}, store)

	emit := &recordingEmitter{}
	result, err := runTurn(t, r, Turn{Message: "hi", UserID: "user-1"}, emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"fine"}, emit.texts)
	assert.True(t, emit.ended)
	assert.Empty(t, emit.messageID)
	assert.Empty(t, result.AssistantMessageID)
}

func TestRelay_ConversationCreateFailureStillStreams(t *testing.T) {
	store := newFakeStore()
	store.failCreate = true
	r := newTestRelay(&fakeProvider{frames: content("still here")}, store)

	emit := &recordingEmitter{}
	result, err := runTurn(t, r, Turn{Message: "hi", UserID: "user-1"}, emit)
	require.NoError(t, err)

	assert.Empty(t, result.ConversationID)
	assert.Equal(t, []string{"still here"}, emit.texts)
	assert.True(t, emit.ended)
	assert.Empty(t, store.messages)
}

func TestRelay_EmptyReplyIsNotPersisted(t *testing.T) {
	store := newFakeStore()
	r := newTestRelay(&fakeProvider{frames: []llm.Frame{{Kind: llm.FrameMetadata, Text: "{}"}}}, store)

	emit := &recordingEmitter{}
	_, err := runTurn(t, r, Turn{Message: "hi", UserID: "user-1"}, emit)
	require.NoError(t, err)

	assert.True(t, emit.ended)
	assert.Empty(t, emit.texts)
	assert.Empty(t, store.byRole(models.RoleAssistant))
}

func TestRelay_SpeedPacesEachChunk(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	record := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	r := New(&fakeProvider{frames: content("a", "b")}, nil, logger.Discard(),
		WithPacer(NewPacerWith(nil, record)))

	_, err := runTurn(t, r, Turn{Message: "hi", Speed: "slow"}, &recordingEmitter{})
	require.NoError(t, err)

	require.Len(t, delays, 2)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 280*time.Millisecond)
	}
}

func TestTitleFromMessage(t *testing.T) {
	long := strings.Repeat("word ", 20)

	tests := []struct {
		in   string
		want string
	}{
		{in: "hi", want: "hi"},
		{in: "  spaced \n out\tquestion ", want: "spaced out question"},
		{in: "", want: "Image"},
		{in: long, want: strings.TrimSpace(long)[:50] + "..."},
		{in: strings.Repeat("é", 60), want: strings.Repeat("é", 50) + "..."},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.20q", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, TitleFromMessage(tt.in, 50))
		})
	}
}
