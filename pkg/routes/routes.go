package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kabili207/iamhere-server/pkg/registry"
	"github.com/kabili207/iamhere-server/pkg/session"
)

const (
	defaultHeartbeat    = 30 * time.Second
	defaultMaxFrameSize = 4096
	shutdownTimeout     = 10 * time.Second
)

// HealthChecker is satisfied by *sqlx.DB and *sql.DB.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type WebRouter struct {
	Health         HealthChecker
	Registry       *registry.Registry
	Sessions       *session.Factory
	ClientNotifier *ClientNotifier
	// Heartbeat is the WebSocket ping interval.
	Heartbeat    time.Duration
	MaxFrameSize int64
	Log          *slog.Logger

	upgrader websocket.Upgrader
}

type StatusResponse struct {
	Connections int `json:"connections"`
}

func (wr *WebRouter) logger() *slog.Logger {
	if wr.Log == nil {
		return slog.Default()
	}
	return wr.Log
}

// Handler builds the HTTP surface: health and status endpoints, the live
// connection count stream, and the WebSocket endpoint.
func (wr *WebRouter) Handler() http.Handler {
	if wr.Heartbeat <= 0 {
		wr.Heartbeat = defaultHeartbeat
	}
	if wr.MaxFrameSize <= 0 {
		wr.MaxFrameSize = defaultMaxFrameSize
	}
	if wr.ClientNotifier == nil {
		wr.ClientNotifier = NewClientNotifier()
	}
	wr.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Clients are mobile apps and a separately hosted web frontend.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/healthz", wr.healthz).Methods("GET")
	myRouter.HandleFunc("/api/status", wr.status).Methods("GET")
	myRouter.HandleFunc("/api/connections-sse", wr.connectionsSSE).Methods("GET")
	myRouter.HandleFunc("/ws", wr.serveWS).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	h := handlers.RecoveryHandler()

	return h(myRouter)
}

// Serve listens on listenAddr until ctx is cancelled, then shuts down
// gracefully.
func (wr *WebRouter) Serve(ctx context.Context, listenAddr string) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           wr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		wr.logger().Info("http server listening", "addr", listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		// Call the next handler in the chain.
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (wr *WebRouter) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if wr.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := wr.Health.PingContext(ctx); err != nil {
			wr.logger().Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (wr *WebRouter) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{Connections: wr.Registry.Size()})
}
