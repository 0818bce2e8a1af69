package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"topic-chat/backend/internal/llm"
	"topic-chat/backend/internal/relay"
	apperrors "topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AgentHandler streams model replies for chat turns
type AgentHandler struct {
	relay         *relay.Relay
	maxImageBytes int64
}

func NewAgentHandler(r *relay.Relay, maxImageBytes int64) *AgentHandler {
	return &AgentHandler{relay: r, maxImageBytes: maxImageBytes}
}

func (h *AgentHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/agent", h.Stream)
	router.POST("/agent/:turnId/cancel", h.Cancel)
}

// Stream runs one turn and writes it as server-sent events
func (h *AgentHandler) Stream(c *gin.Context) {
	image, err := h.readImage(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	turn := relay.Turn{
		TurnID:         param(c, "messageId", "turnId"),
		Message:        c.PostForm("message"),
		Image:          image,
		UserID:         param(c, "userId"),
		ConversationID: param(c, "topicId", "conversationId"),
		Speed:          relay.ParseSpeed(param(c, "speed"), h.relay.DefaultSpeed()),
	}
	if turn.Message == "" {
		turn.Message = c.Query("message")
	}

	session, err := h.relay.Start(c.Request.Context(), turn)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer session.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Turn-ID", session.TurnID())
	if id := session.ConversationID(); id != "" {
		header.Set("X-Conversation-ID", id)
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	_, err = session.Run(&sseEmitter{w: c.Writer})
	if err == nil || errors.Is(err, relay.ErrCancelled) {
		return
	}

	logger.FromContext(c).LogError(err, "turn aborted mid-stream", "turn_id", session.TurnID())
	session.Close()
	// the client must see a broken transfer, not a clean end of stream
	panic(http.ErrAbortHandler)
}

// Cancel stops a running turn; only the user who started it may
func (h *AgentHandler) Cancel(c *gin.Context) {
	turnID := c.Param("turnId")
	err := h.relay.Cancel(turnID, param(c, "userId"))
	switch {
	case errors.Is(err, relay.ErrTurnNotFound):
		_ = c.Error(apperrors.NotFound("no running turn with this id"))
		return
	case errors.Is(err, relay.ErrNotTurnOwner):
		_ = c.Error(apperrors.Forbidden("turn belongs to another user"))
		return
	case err != nil:
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "turnId": turnID})
}

func (h *AgentHandler) readImage(c *gin.Context) (*llm.Image, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, apperrors.InvalidInput("malformed form data").Wrap(err)
	}
	if h.maxImageBytes > 0 && fh.Size > h.maxImageBytes {
		return nil, apperrors.InvalidInput("image is too large").
			WithDetails(map[string]any{"maxBytes": h.maxImageBytes})
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.InvalidInput("unreadable image").Wrap(err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.InvalidInput("unreadable image").Wrap(err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	mediaType := fh.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	return &llm.Image{Name: fh.Filename, MediaType: mediaType, Data: data}, nil
}

// sseEmitter writes `data: <json>` frames and the terminal `event: end`
type sseEmitter struct {
	w gin.ResponseWriter
}

func (e *sseEmitter) data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.w.Flush()
	return nil
}

func (e *sseEmitter) Text(text string) error {
	return e.data(gin.H{"text": text})
}

func (e *sseEmitter) MessageID(id string) error {
	return e.data(gin.H{"messageId": id})
}

func (e *sseEmitter) End() error {
	if _, err := io.WriteString(e.w, "event: end\ndata: \n\n"); err != nil {
		return err
	}
	e.w.Flush()
	return nil
}

func (e *sseEmitter) Fail(err error) error {
	payload, _ := json.Marshal(apperrors.Body(apperrors.FromError(err)))
	if _, werr := fmt.Fprintf(e.w, "event: error\ndata: %s\n\n", payload); werr != nil {
		return werr
	}
	e.w.Flush()
	return nil
}
