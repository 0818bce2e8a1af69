package api

import (
	"net/http"

	"topic-chat/backend/internal/service"
	apperrors "topic-chat/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Notifier is told about conversation list changes made over REST
type Notifier interface {
	ConversationsChanged(userID, conversationID, action string)
}

type nopNotifier struct{}

func (nopNotifier) ConversationsChanged(string, string, string) {}

// ConversationHandler serves /api/conversations and /api/chat-history
type ConversationHandler struct {
	conversations *service.ConversationService
	notifier      Notifier
}

// NewConversationHandler creates the handler; notifier may be nil
func NewConversationHandler(conversations *service.ConversationService, notifier Notifier) *ConversationHandler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ConversationHandler{conversations: conversations, notifier: notifier}
}

func (h *ConversationHandler) RegisterRoutes(router gin.IRouter) {
	conversations := router.Group("/conversations")
	{
		conversations.GET("", h.Get)
		conversations.POST("", h.Create)
		conversations.PATCH("", h.Update)
		conversations.DELETE("", h.Delete)
	}

	history := router.Group("/chat-history")
	{
		history.GET("", h.List)
		history.DELETE("", h.DeleteAll)
	}
}

// Get fetches one conversation when topicId is given, otherwise lists the user's
func (h *ConversationHandler) Get(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		_ = c.Error(apperrors.InvalidInput("userId is required"))
		return
	}

	if topicID := param(c, "topicId", "conversationId"); topicID != "" {
		conversation, err := h.conversations.Get(c.Request.Context(), topicID, userID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic": conversation})
		return
	}

	h.List(c)
}

// List pages through a user's conversations, most recently updated first
func (h *ConversationHandler) List(c *gin.Context) {
	page, err := h.conversations.List(c.Request.Context(),
		c.Query("userId"),
		intQuery(c, "page", 1),
		intQuery(c, "pageSize", 0),
	)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type createConversationRequest struct {
	UserID      string  `json:"userId"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("invalid request body").Wrap(err))
		return
	}

	conversation, err := h.conversations.Create(c.Request.Context(), req.UserID, req.Title, req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	h.notifier.ConversationsChanged(conversation.UserID, conversation.ID, "created")
	c.JSON(http.StatusCreated, conversation)
}

type updateConversationRequest struct {
	TopicID     string  `json:"topicId"`
	UserID      string  `json:"userId"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

func (h *ConversationHandler) Update(c *gin.Context) {
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidInput("invalid request body").Wrap(err))
		return
	}
	if req.TopicID == "" {
		_ = c.Error(apperrors.InvalidInput("topicId is required"))
		return
	}

	conversation, err := h.conversations.UpdateTitle(c.Request.Context(), req.TopicID, req.UserID, req.Title, req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	h.notifier.ConversationsChanged(conversation.UserID, conversation.ID, "updated")
	c.JSON(http.StatusOK, conversation)
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	topicID := param(c, "topicId", "conversationId")
	userID := param(c, "userId")
	if topicID == "" {
		_ = c.Error(apperrors.InvalidInput("topicId is required"))
		return
	}

	if err := h.conversations.Delete(c.Request.Context(), topicID, userID); err != nil {
		fail(c, err)
		return
	}
	h.notifier.ConversationsChanged(userID, topicID, "deleted")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteAll clears a user's history
func (h *ConversationHandler) DeleteAll(c *gin.Context) {
	userID := param(c, "userId")
	deleted, err := h.conversations.DeleteAll(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	h.notifier.ConversationsChanged(userID, "", "cleared")
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}
