// Package gateway terminates client WebSocket connections. Each
// authenticated socket subscribes to the user's ephemeral channel and
// forwards every published event verbatim; the rest of the pipeline never
// sees individual sockets.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	echo "github.com/labstack/echo/v5"

	"github.com/chat4all/backbone/pkg/auth"
	"github.com/chat4all/backbone/pkg/realtime"
)

// writeTimeout bounds one WebSocket send. A client that cannot drain its
// socket within this window is disconnected rather than allowed to stall
// its forward loop.
const writeTimeout = 10 * time.Second

// Subscription is one live ephemeral-channel subscription.
type Subscription interface {
	Messages() <-chan *redis.Message
	Close() error
}

// Subscriber opens ephemeral-channel subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// PubSubSubscriber adapts realtime.PubSub to the Subscriber interface.
type PubSubSubscriber struct {
	PubSub *realtime.PubSub
}

// Subscribe opens a subscription on the underlying pub/sub.
func (p PubSubSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return p.PubSub.Subscribe(ctx, channel)
}

// Server is the WebSocket gateway HTTP server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	// sessionCtx is the parent of every live session; cancelling it on
	// shutdown closes the sockets that http.Server.Shutdown cannot reach
	// once they are hijacked.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	verifier   *auth.Verifier
	subscriber Subscriber
	registry   *registry
	history    History
	directory  ConversationDirectory
	logger     *slog.Logger
}

// NewServer creates the gateway server and registers its routes.
func NewServer(verifier *auth.Verifier, subscriber Subscriber, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	sessionCtx, cancelSession := context.WithCancel(context.Background())
	s := &Server{
		echo:          e,
		sessionCtx:    sessionCtx,
		cancelSession: cancelSession,
		verifier:      verifier,
		subscriber:    subscriber,
		registry:      newRegistry(),
		logger:        logger,
	}
	e.Use(securityHeaders())
	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/conversations", s.conversationsHandler)
	e.GET("/conversations/:id/messages", s.historyHandler)
	e.GET("/inbox", s.inboxHandler)
	return s
}

// Handler exposes the route tree, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown closes live sessions, stops accepting new connections, and waits
// for in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelSession()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
