package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kabili207/iamhere-server/pkg/auth"
	"github.com/kabili207/iamhere-server/pkg/config"
	"github.com/kabili207/iamhere-server/pkg/events"
	"github.com/kabili207/iamhere-server/pkg/hooks"
	"github.com/kabili207/iamhere-server/pkg/metrics"
	"github.com/kabili207/iamhere-server/pkg/registry"
	"github.com/kabili207/iamhere-server/pkg/routes"
	"github.com/kabili207/iamhere-server/pkg/session"
	"github.com/kabili207/iamhere-server/pkg/store"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server and, if enabled, the MQTT broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
}

func runServer(ctx context.Context, cfg config.Configuration, log *slog.Logger) error {
	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database); err != nil {
			return err
		}
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	stores := store.New(db, store.Options{
		UserTTL:    cfg.Cache.UserTTL,
		ContactTTL: cfg.Cache.ContactTTL,
	})
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("error closing database", "error", err)
		}
	}()

	shutdownMetrics, err := metrics.Setup(ctx, cfg.Metrics.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("error flushing metrics", "error", err)
		}
	}()

	notifier := routes.NewClientNotifier()
	reg := registry.New(registry.WithNotifier(notifier), registry.WithLogger(log))
	m, err := metrics.New(metrics.Meter(), reg.Size)
	if err != nil {
		return err
	}

	router := events.NewRouter(events.Options{
		Events:   stores.Events,
		Contacts: stores.Contacts,
		Registry: reg,
		Metrics:  m,
		Logger:   log,
	})
	sessions := session.NewFactory(session.Options{
		Verifier:  auth.NewVerifier([]byte(cfg.JWT.Secret), stores.Users, cfg.JWT.RequireExpiry),
		Router:    router,
		Registry:  reg,
		LastSeen:  stores.Users,
		RateLimit: rate.Limit(cfg.Session.RateLimit),
		Burst:     cfg.Session.Burst,
		Logger:    log,
	})

	// The broker binds its listener before anything else starts, so a bad
	// MQTT address fails the command without leaving the HTTP server running.
	var broker *mqtt.Server
	if cfg.MQTT.Enabled {
		broker, err = newMQTTServer(cfg.MQTT, sessions, log)
		if err != nil {
			return err
		}
		if err := broker.Serve(); err != nil {
			_ = broker.Close()
			return fmt.Errorf("starting mqtt broker: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	wr := &routes.WebRouter{
		Health:         db,
		Registry:       reg,
		Sessions:       sessions,
		ClientNotifier: notifier,
		Heartbeat:      cfg.WebSocket.Heartbeat,
		MaxFrameSize:   cfg.WebSocket.MaxFrameSize,
		Log:            log.With("component", "http"),
	}
	g.Go(func() error {
		return wr.Serve(gctx, cfg.ListenAddr)
	})

	if broker != nil {
		g.Go(func() error {
			<-gctx.Done()
			return broker.Close()
		})
	}

	log.Info("server started", "listen_addr", cfg.ListenAddr, "mqtt", cfg.MQTT.Enabled, "database", cfg.Database.Driver)
	err = g.Wait()
	log.Info("server stopped")
	return err
}

func newMQTTServer(cfg config.MQTT, sessions *session.Factory, log *slog.Logger) (*mqtt.Server, error) {
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       log.With("component", "mqtt"),
	})

	err := server.AddHook(new(hooks.PresenceHook), &hooks.PresenceHookOptions{
		Publisher: server,
		Sessions:  sessions,
		TopicRoot: cfg.TopicRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("adding presence hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.ListenAddr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding mqtt listener: %w", err)
	}
	return server, nil
}
