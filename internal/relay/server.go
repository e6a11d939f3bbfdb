package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/cartsync/internal/realtime"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "cartsync:events"

const maxPublishBody = 1 << 20

// Config configures a relay Server.
type Config struct {
	// Token, when set, must be presented by websocket clients (as the
	// TokenParam query parameter) and publishers (as a bearer token).
	Token      string
	TokenParam string

	// Redis enables cross-process fan-out through Channel.
	Redis   *redis.Client
	Channel string

	Logger *slog.Logger
}

// Server is the relay.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	router   *mux.Router
}

// NewServer creates a relay. Call Run to start Redis fan-out when Redis is
// configured.
func NewServer(cfg Config) *Server {
	if cfg.TokenParam == "" {
		cfg.TokenParam = realtime.DefaultTokenParam
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		hub:    newHub(cfg.Logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	return s.hub.count()
}

// Publish fans frame out to every client, through Redis when configured.
// frame must be a JSON object.
func (s *Server) Publish(ctx context.Context, frame []byte) error {
	if _, err := realtime.ParseEnvelope(frame); err != nil {
		return err
	}
	if s.cfg.Redis != nil {
		if err := s.cfg.Redis.Publish(ctx, s.cfg.Channel, frame).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
		return nil
	}
	s.hub.broadcast(frame)
	return nil
}

// Run forwards Redis messages to local clients until ctx is done. Without
// Redis it just waits for ctx.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Redis == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := s.cfg.Redis.Subscribe(ctx, s.cfg.Channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so nothing published after
	// Run starts is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", s.cfg.Channel, err)
	}
	s.logger.Info("relay subscribed", "channel", s.cfg.Channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			s.hub.broadcast([]byte(msg.Payload))
		}
	}
}

// ListenAndServe serves the relay on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := s.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	s.logger.Info("relay listening", "addr", addr, "redis", s.cfg.Redis != nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown(srv)
		return err
	}
	s.shutdown(srv)
	return nil
}

func (s *Server) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("relay shutdown", "error", err)
	}
}

func (s *Server) authorized(presented string) bool {
	if s.cfg.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.URL.Query().Get(s.cfg.TokenParam)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := s.hub.register(conn)
	defer func() {
		s.hub.unregister(c)
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.Publish(r.Context(), frame); err != nil {
			s.logger.Debug("ignoring client frame", "client", c.id, "error", err)
		}
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if !s.authorized(presented) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := s.Publish(r.Context(), body); err != nil {
		if errors.Is(err, realtime.ErrMalformed) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("publish failed", "error", err)
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.count(),
		"redis":   s.cfg.Redis != nil,
	})
}
