package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aussiebroadwan/carelink/pkg/apiclient"
	"github.com/aussiebroadwan/carelink/pkg/chatsync"
	"github.com/aussiebroadwan/carelink/pkg/credstore"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/realtime"
	"github.com/aussiebroadwan/carelink/pkg/session"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	// sealerSalt domain-separates the credential key from other uses of the
	// master key.
	sealerSalt = "carelink/credstore/v1"
)

// Application owns the credential store and the network session.
type Application struct {
	cfg    Config
	logger *slog.Logger

	store   *credstore.SQLiteStore
	session *session.Session
}

// Option adjusts an Application before it is wired.
type Option func(*options)

type options struct {
	logOutput io.Writer
}

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// New creates the Application with all dependencies initialized. It does
// not touch the network.
func New(cfg Config, opts ...Option) (*Application, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "carelink",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			Output:  o.logOutput,
		}),
	}

	if err := app.initStore(); err != nil {
		return nil, err
	}

	if err := app.seedLanguage(context.Background()); err != nil {
		_ = app.store.Close()
		return nil, err
	}

	sess, err := session.New(session.Config{
		API: apiclient.Config{
			BaseURL:         cfg.APIURL,
			RequestTimeout:  cfg.HTTPTimeout,
			RefreshTimeout:  cfg.RefreshTimeout,
			TokenExpirySkew: cfg.TokenExpirySkew,
			RateLimit:       cfg.RateLimit,
		},
		Socket: realtime.Config{
			URL:              cfg.SocketURL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			SendTimeout:      cfg.SendTimeout,
			PingInterval:     cfg.PingInterval,
		},
		Chat: chatsync.Config{PageSize: cfg.HistoryPageSize},
	}, app.store, app.logger)
	if err != nil {
		_ = app.store.Close()
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	app.session = sess

	return app, nil
}

func (app *Application) Session() *session.Session { return app.session }
func (app *Application) Logger() *slog.Logger { return app.logger }
func (app *Application) Config() Config { return app.cfg }

// Ping checks that the credential database answers.
func (app *Application) Ping(ctx context.Context) error {
	return app.store.Ping(ctx)
}

// Close releases the session and the store. Stored credentials survive.
func (app *Application) Close() error {
	if err := app.session.Close(); err != nil {
		app.logger.Error("error closing session", "error", err)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing credential store", "error", err)
		return err
	}
	return nil
}

// initStore opens the credential database and applies migrations.
func (app *Application) initStore() error {
	material, ephemeral, err := cryptox.LoadKeyMaterial(app.cfg.MasterKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}
	if ephemeral {
		app.logger.Warn("no master key configured, stored credentials will not survive a restart",
			"env", cryptox.MasterKeyEnv)
	}

	sealer, err := cryptox.NewSealer(material, []byte(sealerSalt))
	if err != nil {
		return fmt.Errorf("failed to initialize sealer: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
	store, err := credstore.NewSQLiteStore(dsn, sealer)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	if err := store.ApplyMigrations(); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.store = store
	app.logger.Debug("credential store ready", "file", app.cfg.DatabaseFile)
	return nil
}

// seedLanguage stores the configured language unless one is already set.
func (app *Application) seedLanguage(ctx context.Context) error {
	if app.cfg.Language == "" {
		return nil
	}
	if credstore.ReadToken(ctx, app.store, credstore.KeyLanguage, app.logger) != "" {
		return nil
	}
	if err := app.store.Set(ctx, credstore.KeyLanguage, app.cfg.Language); err != nil {
		return fmt.Errorf("failed to store language preference: %w", err)
	}
	return nil
}
