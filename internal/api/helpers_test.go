package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"topic-chat/backend/internal/llm"
	"topic-chat/backend/internal/models"
	"topic-chat/backend/internal/relay"
	"topic-chat/backend/internal/repository"
	"topic-chat/backend/internal/service"
	apperrors "topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type event struct {
	userID, conversationID, action string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) ConversationsChanged(userID, conversationID, action string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{userID, conversationID, action})
}

func (n *recordingNotifier) ConversationChanged(userID, conversationID string) {
	n.ConversationsChanged(userID, conversationID, "turn")
}

func (n *recordingNotifier) all() []event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]event(nil), n.events...)
}

// upstream is a fake model endpoint speaking the line protocol
type upstream struct {
	server *httptest.Server
	handle func(w http.ResponseWriter, r *http.Request)
}

func newUpstream(t *testing.T, lines ...string) *upstream {
	t.Helper()
	u := &upstream{}
	u.handle = func(w http.ResponseWriter, _ *http.Request) {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.handle(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

type testEnv struct {
	engine        *gin.Engine
	db            *gorm.DB
	users         *service.UserService
	conversations *service.ConversationService
	messages      *service.MessageService
	relay         *relay.Relay
	notifier      *recordingNotifier
	upstream      *upstream
	// paced runs after every forwarded chunk
	paced func()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func newTestEnv(t *testing.T, upstreamLines ...string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	log := logger.Discard()

	userRepo := repository.NewGormUserRepository(db)
	env := &testEnv{
		db:       db,
		notifier: &recordingNotifier{},
		upstream: newUpstream(t, upstreamLines...),
	}
	env.users = service.NewUserService(userRepo, nil, 0, log)
	env.conversations = service.NewConversationService(repository.NewGormConversationRepository(db), userRepo)
	env.messages = service.NewMessageService(repository.NewGormMessageRepository(db), env.conversations)

	provider := llm.NewDataStreamProvider(llm.StaticKey("test-key"), llm.WithBaseURL(env.upstream.server.URL))
	env.relay = relay.New(provider,
		service.NewRelayStoreAdapter(env.conversations, env.messages),
		log,
		relay.WithNotifier(env.notifier),
		relay.WithMaxImageBytes(1024),
		relay.WithPacer(relay.NewPacerWith(nil, func(context.Context, time.Duration) error {
			if env.paced != nil {
				env.paced()
			}
			return nil
		})),
	)

	engine := gin.New()
	engine.Use(logger.Middleware(log), apperrors.ErrorHandler(), apperrors.RecoveryWithLogger())
	group := engine.Group("/api")
	NewAgentHandler(env.relay, 1024).RegisterRoutes(group)
	NewConversationHandler(env.conversations, env.notifier).RegisterRoutes(group)
	NewMessageHandler(env.messages, env.notifier).RegisterRoutes(group)
	NewUserHandler(env.users).RegisterRoutes(group)
	env.engine = engine

	return env
}

func (e *testEnv) request(method, target string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	switch b := body.(type) {
	case nil:
		reader = strings.NewReader("")
	case string:
		reader = strings.NewReader(b)
	default:
		payload, _ := json.Marshal(b)
		reader = strings.NewReader(string(payload))
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createUser(t *testing.T, username string) *models.User {
	t.Helper()
	user, _, err := e.users.FetchOrCreate(context.Background(), username)
	require.NoError(t, err)
	return user
}

func (e *testEnv) createConversation(t *testing.T, userID, title string) *models.Conversation {
	t.Helper()
	conversation, err := e.conversations.Create(context.Background(), userID, title, nil)
	require.NoError(t, err)
	return conversation
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details"`
}
