package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jan-server/services/chat-sync/internal/interfaces/httpserver/events"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/handlers"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/middlewares"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/requests"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/responses"
)

// RegisterChatRoutes registers the conversation session routes.
func RegisterChatRoutes(router gin.IRoutes, handler *handlers.ChatHandler, keepAlive time.Duration) {
	router.POST("/chats/:chat_id/session", openSession(handler))
	router.DELETE("/chats/:chat_id/session", closeSession(handler))
	router.GET("/chats/:chat_id/view", getView(handler))
	router.POST("/chats/:chat_id/messages", submitMessage(handler))
	router.POST("/chats/:chat_id/refetch", refetch(handler))
	router.GET("/chats/:chat_id/actions", listActions(handler))
	router.DELETE("/chats/:chat_id/actions", clearActions(handler))
	router.GET("/chats/:chat_id/events", streamEvents(handler, keepAlive))
}

func openSession(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req requests.OpenSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				responses.HandleErrorWithStatus(c, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}

		view, err := handler.OpenSession(c.Request.Context(), c.Param("chat_id"), req.PreviousChatID)
		if err != nil {
			responses.HandleError(c, err, "failed to open session")
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func closeSession(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := c.Param("chat_id")
		c.JSON(http.StatusOK, responses.ClosedResponse{ChatID: chatID, Closed: handler.CloseSession(chatID)})
	}
}

func getView(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := handler.View(c.Param("chat_id"))
		if err != nil {
			responses.HandleError(c, err, "failed to get view")
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// submitMessage answers 202 once the attempt is accepted. With wait=true it
// answers 200 with the finished attempt, failed or settled.
func submitMessage(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := c.Param("chat_id")

		var req requests.SubmitMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			responses.HandleErrorWithStatus(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		wait := false
		if raw := c.Query("wait"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				responses.HandleErrorWithStatus(c, http.StatusBadRequest, "wait must be a boolean")
				return
			}
			wait = parsed
		}

		if !wait {
			attemptID, err := handler.Submit(c.Request.Context(), chatID, req.Text)
			if err != nil {
				responses.HandleError(c, err, "failed to submit message")
				return
			}
			view, _ := handler.View(chatID)
			c.JSON(http.StatusAccepted, responses.SubmitResponse{AttemptID: attemptID, State: view.State})
			return
		}

		attempt, err := handler.SubmitAndWait(c.Request.Context(), chatID, req.Text)
		if attempt.ID == "" {
			responses.HandleError(c, err, "failed to submit message")
			return
		}
		c.JSON(http.StatusOK, responses.NewAttemptResponse(attempt))
	}
}

func refetch(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := handler.Refetch(c.Request.Context(), c.Param("chat_id"))
		if err != nil {
			responses.HandleError(c, err, "failed to refetch messages")
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func listActions(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := c.Param("chat_id")
		entries, err := handler.Actions(chatID)
		if err != nil {
			responses.HandleError(c, err, "failed to list actions")
			return
		}
		c.JSON(http.StatusOK, responses.NewActionsResponse(chatID, entries))
	}
}

func clearActions(handler *handlers.ChatHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := handler.ClearActions(c.Param("chat_id")); err != nil {
			responses.HandleError(c, err, "failed to clear actions")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// streamEvents writes the current view, then every view update,
// scroll-to-latest hint and attempt transition as server-sent events.
func streamEvents(handler *handlers.ChatHandler, keepAlive time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		stream, cancel, view, err := handler.Subscribe(c.Param("chat_id"))
		if err != nil {
			responses.HandleError(c, err, "failed to subscribe")
			return
		}
		defer cancel()

		flusher, ok := middlewares.PrepareSSE(c)
		if !ok {
			responses.HandleErrorWithStatus(c, http.StatusInternalServerError, "streaming not supported")
			return
		}
		c.Status(http.StatusOK)

		if err := writeEvent(c.Writer, events.TypeView, view); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				if err := writeEvent(c.Writer, ev.Type, ev.Data); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
