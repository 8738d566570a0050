package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ShadiChat/internal/api"
	"ShadiChat/internal/cache"
	"ShadiChat/internal/chat"
	"ShadiChat/internal/config"
	"ShadiChat/internal/realtime"
	"ShadiChat/internal/session"
	"ShadiChat/internal/storage"
	"ShadiChat/internal/telemetry"
)

// App is the composition root and interactive shell
type App struct {
	config  config.Config
	logger  *slog.Logger
	db      *storage.DB
	store   *session.Store
	client  *api.Client
	manager *realtime.Manager
	cache   *cache.Cache
	chat    *chat.Controller
	nav     *Navigator

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex

	cleanup []func()
}

// New creates the application from cfg, initializing logging, telemetry
// and local storage
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		shutdown()
		logFile.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Debug {
		logger.Info("debug mode enabled")
	}

	a, err := assemble(cfg, logger, db, tracer, meter, os.Stdin, os.Stdout)
	if err != nil {
		db.Close()
		shutdown()
		logFile.Close()
		return nil, err
	}
	a.cleanup = append(a.cleanup, shutdown, func() { logFile.Close() })
	return a, nil
}

// assemble wires the components. tracer and meter may be nil.
func assemble(cfg config.Config, logger *slog.Logger, db *storage.DB, tracer trace.Tracer, meter metric.Meter, in io.Reader, out io.Writer) (*App, error) {
	store, err := session.NewStore(session.NewKVPersister(db, session.StorageKey), logger.With("component", "session"))
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	nav := NewNavigator(cfg.Locale)
	client, err := api.NewClient(cfg.APIURL, store, logger.With("component", "api"),
		api.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeoutDuration()}),
		api.WithNavigator(nav),
		api.WithTelemetry(tracer, meter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	store.SetRevoker(client)

	manager, err := realtime.NewManager(cfg.SocketURL, logger.With("component", "realtime"), realtime.Options{
		HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
		SendRate:         rate.Limit(cfg.SendRate),
		SendBurst:        cfg.SendBurst,
		Tracer:           tracer,
		Meter:            meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime manager: %w", err)
	}

	messages, err := cache.New(client, logger.With("component", "cache"), cache.Options{
		ReconcileWindow: cfg.ReconcileWindowDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}

	controller, err := chat.NewController(messages, manager, store, logger.With("component", "chat"))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat controller: %w", err)
	}

	a := &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		store:   store,
		client:  client,
		manager: manager,
		cache:   messages,
		chat:    controller,
		nav:     nav,
		in:      in,
		out:     out,
	}
	nav.setRedirectHook(func(path string) {
		a.println("Session expired. Please sign in again at " + path)
	})
	return a, nil
}

// start restores the persisted session and binds the socket and views to it
func (a *App) start(ctx context.Context) error {
	if err := a.store.Restore(ctx); err != nil {
		a.logger.Warn("failed to restore session, starting signed out", "error", err)
	}

	unsubscribe := a.store.Subscribe(func(s session.Session) {
		if s.AccessToken == "" {
			a.chat.Deselect()
			a.cache.Reset()
		}
	})
	a.cleanup = append(a.cleanup, unsubscribe)

	stopInbox := a.manager.Subscribe("", a.notifyInbound)
	a.cleanup = append(a.cleanup, stopInbox)

	a.manager.OnStateChange(func(s realtime.State) {
		a.logger.Info("realtime state changed", "state", s.String())
	})
	a.manager.Start(ctx, a.store)
	a.cleanup = append(a.cleanup, a.manager.Stop)

	if snap := a.store.Snapshot(); snap.IsAuthenticated {
		a.nav.Go("dashboard")
	}
	return nil
}

func (a *App) notifyInbound(msg session.Message) {
	if msg.SenderID == a.store.Snapshot().UserID() {
		return
	}
	if msg.ConversationID == a.chat.Active() {
		a.printf("%s\n", formatMessage(msg))
		return
	}
	a.printf("[new message in %s] %s\n", msg.ConversationID, formatMessage(msg))
}

// Close stops the socket and releases resources
func (a *App) Close() error {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		a.db = nil
	}
	return nil
}

// Run starts the interactive shell
func (a *App) Run() error {
	ctx := context.Background()
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.Close()

	a.println("=== ShadiChat ===")
	if snap := a.store.Snapshot(); snap.IsAuthenticated {
		a.printf("Signed in as %s\n", displayName(snap.User))
	} else {
		a.println("Not signed in. Use /login <google-id-token>")
	}
	a.println("Type /help for commands, /quit to exit")
	a.println("")

	scanner := bufio.NewScanner(a.in)
	for {
		a.prompt()
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := a.handleCommand(ctx, input)
			if err != nil {
				a.printf("Error: %v\n", err)
				a.logger.Error("command error", "command", strings.Fields(input)[0], "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		msg, err := a.chat.Submit(ctx, input)
		if err != nil {
			a.printf("Error: %v\n", err)
			a.logger.Error("failed to send message", "error", err)
			continue
		}
		a.printf("sent %s\n", msg.ID)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	a.println("Goodbye!")
	return nil
}

func (a *App) prompt() {
	if active := a.chat.Active(); active != "" {
		a.printf("%s> ", active)
		return
	}
	a.printf("%s> ", a.nav.CurrentPath())
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) println(s string) {
	a.printf("%s\n", s)
}
