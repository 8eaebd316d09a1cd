package gateway

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/chat4all/backbone/pkg/models"
)

// defaultHistoryLimit is the page size when the client does not ask for one;
// maxHistoryLimit caps what a client may ask for.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// History provides the read-side log queries behind the REST endpoints.
type History interface {
	ReadHistory(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]models.MessageRow, error)
	ReadInbox(ctx context.Context, userID string, since time.Time) ([]models.InboxEntry, error)
}

// ConversationDirectory answers membership questions for access checks and
// conversation listings.
type ConversationDirectory interface {
	GetUserConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	GetMembers(ctx context.Context, conversationID string) ([]string, error)
}

// SetHistory wires the message-log read side. Without it the read endpoints
// answer 503.
func (s *Server) SetHistory(h History) {
	s.history = h
}

// SetDirectory wires the conversation directory.
func (s *Server) SetDirectory(d ConversationDirectory) {
	s.directory = d
}

// conversationsHandler handles GET /conversations.
func (s *Server) conversationsHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if s.directory == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "directory not available")
	}

	conversations, err := s.directory.GetUserConversations(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}
	if conversations == nil {
		conversations = []models.ConversationSummary{}
	}
	return c.JSON(http.StatusOK, conversations)
}

// historyHandler handles GET /conversations/:id/messages. Only members may
// read a conversation's history.
func (s *Server) historyHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if s.history == nil || s.directory == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history not available")
	}

	conversationID := c.Param("id")
	members, err := s.directory.GetMembers(c.Request().Context(), conversationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check membership")
	}
	if !slices.Contains(members, userID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of this conversation")
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(parsed, maxHistoryLimit)
	}
	var beforeSeq int64
	if raw := c.QueryParam("before_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "before_seq must be a positive integer")
		}
		beforeSeq = parsed
	}

	rows, err := s.history.ReadHistory(c.Request().Context(), conversationID, limit, beforeSeq)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read history")
	}
	if rows == nil {
		rows = []models.MessageRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

// inboxHandler handles GET /inbox.
func (s *Server) inboxHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if s.history == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history not available")
	}

	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		since = parsed
	}

	entries, err := s.history.ReadInbox(c.Request().Context(), userID, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read inbox")
	}
	if entries == nil {
		entries = []models.InboxEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
