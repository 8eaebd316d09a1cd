package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/chat4all/backbone/pkg/auth"
	"github.com/chat4all/backbone/pkg/realtime"
)

// wsHandler authenticates the request, upgrades it to a WebSocket, and
// blocks forwarding events until the client disconnects.
func (s *Server) wsHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// The session outlives request-context semantics once the connection is
	// hijacked; it is parented on the server session context so Shutdown
	// can close it.
	s.handleSession(s.sessionCtx, userID, conn)
	return nil
}

// authenticate extracts and verifies the bearer token, from the token query
// parameter or the Authorization header.
func (s *Server) authenticate(c *echo.Context) (string, error) {
	token := c.QueryParam("token")
	if token == "" {
		header := c.Request().Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	return s.verifier.Verify(token)
}

// handleSession runs one socket to completion: subscribe, forward, clean up.
// The subscription is confirmed before the session registers, so an event
// published after registration is guaranteed to reach this socket.
func (s *Server) handleSession(parentCtx context.Context, userID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sess := &session{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
	}

	sub, err := s.subscriber.Subscribe(ctx, realtime.UserChannel(userID))
	if err != nil {
		s.logger.Error("subscribe failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	s.registry.add(sess)
	defer s.registry.remove(sess)
	s.logger.Info("session connected",
		slog.String("session_id", sess.id),
		slog.String("user_id", userID))
	defer s.logger.Info("session disconnected",
		slog.String("session_id", sess.id),
		slog.String("user_id", userID))

	// Forward loop. Exits when the subscription closes or a write fails.
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for msg := range sub.Messages() {
			if err := s.send(ctx, sess, []byte(msg.Payload)); err != nil {
				s.logger.Warn("send failed, dropping session",
					slog.String("session_id", sess.id),
					slog.String("error", err.Error()))
				cancel()
				return
			}
		}
	}()

	// Read loop. Clients do not speak on this socket; reading only detects
	// disconnects and keeps control frames flowing.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	cancel()
	sub.Close()
	<-forwardDone
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) send(ctx context.Context, sess *session, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sess.conn.Write(writeCtx, websocket.MessageText, payload)
}
