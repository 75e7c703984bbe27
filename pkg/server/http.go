package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/auth"
	"github.com/aeolun/supportline/pkg/database"
)

// messageJSON is the REST representation of a persisted message.
type messageJSON struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type sendRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type presenceJSON struct {
	Username string `json:"username"`
	Active   bool   `json:"active"`
}

func toJSON(m *database.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", gin.WrapF(s.HealthHandler))

	var guard []gin.HandlerFunc
	if s.verifier != nil {
		guard = append(guard, auth.Middleware(s.verifier))
	}

	api := r.Group("/api", guard...)
	api.POST("/messages", s.handlePostMessage)
	api.GET("/messages/:username", s.handleGetHistory)
	api.GET("/messages/:username/:counterpart", s.handleGetHistory)
	api.GET("/presence", s.handleGetPresence)

	r.GET("/ws", append(guard, s.HandleWebSocket)...)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(httpStatus(err), gin.H{
		"error": publicMessage(err),
		"kind":  errorKind(err),
	})
}

// handlePostMessage is the durable send for clients without a live
// connection. The recipient still gets a live push when online.
func (s *Server) handlePostMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: invalid request body", ErrValidation))
		return
	}
	if strings.TrimSpace(req.Sender) == "" || strings.TrimSpace(req.Recipient) == "" {
		abortWithError(c, fmt.Errorf("%w: sender and recipient are required", ErrValidation))
		return
	}

	if identity, ok := auth.Identity(c); ok && identity != req.Sender {
		abortWithError(c, fmt.Errorf("%w: cannot send as another user", ErrAuthorization))
		return
	}

	msg, err := s.router.Send(c.Request.Context(), req.Sender, req.Recipient, req.Content)
	if err != nil {
		if httpStatus(err) == http.StatusInternalServerError {
			log.Error("send failed", zap.String("sender", req.Sender), zap.String("recipient", req.Recipient), zap.Error(err))
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toJSON(msg))
}

// handleGetHistory returns a user's messages, optionally narrowed to one
// counterpart. Users read their own history; admins may read anyone's.
func (s *Server) handleGetHistory(c *gin.Context) {
	username := c.Param("username")
	counterpart := c.Param("counterpart")

	if identity, ok := auth.Identity(c); ok && identity != username {
		role, err := s.router.Role(c.Request.Context(), identity)
		if err != nil || role != database.RoleAdmin {
			abortWithError(c, fmt.Errorf("%w: cannot read another user's messages", ErrAuthorization))
			return
		}
	}

	page, err := s.parsePage(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	msgs, err := s.router.History(c.Request.Context(), username, counterpart, page)
	if err != nil {
		log.Error("history failed", zap.String("username", username), zap.Error(err))
		abortWithError(c, err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toJSON(m))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) parsePage(c *gin.Context) (database.Page, error) {
	var page database.Page

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("%w: limit must be a non-negative integer", ErrValidation)
		}
		page.Limit = n
	}
	if v := c.Query("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return page, fmt.Errorf("%w: before must be a unix millisecond timestamp", ErrValidation)
		}
		page.Before = n
	}

	if max := s.config.HistoryLimit; max > 0 && (page.Limit == 0 || page.Limit > max) {
		page.Limit = max
	}
	return page, nil
}

func (s *Server) handleGetPresence(c *gin.Context) {
	snapshot := s.registry.Snapshot()
	users := make([]presenceJSON, 0, len(snapshot))
	for _, e := range snapshot {
		users = append(users, presenceJSON{Username: e.Username, Active: e.Active})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// HealthHandler reports liveness and a few counters.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","uptime_seconds":` +
		strconv.FormatInt(int64(time.Since(s.startTime).Seconds()), 10) +
		`,"connections":` + strconv.Itoa(s.sessions.Count()) +
		`,"online":` + strconv.Itoa(s.registry.OnlineCount()) + `}`))
}
