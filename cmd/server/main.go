package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/passport-extract/client/internal/api"
	"github.com/passport-extract/client/internal/channel"
	"github.com/passport-extract/client/internal/config"
	"github.com/passport-extract/client/internal/session"
	"github.com/passport-extract/client/internal/upload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "passport-client: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	// Endpoints are resolved once; a missing one is a startup error.
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	submitter := upload.NewClient(cfg.Endpoints.SubmissionURL, nil, cfg.Session.SubmitTimeout, log)
	dialer := channel.NewWSDialer(cfg.Endpoints.ChannelURL, cfg.Session.HandshakeTimeout, log)
	ctrl := session.NewController(session.Options{
		ResultTimeout: cfg.Session.ResultTimeout,
		SubmitTimeout: cfg.Session.SubmitTimeout,
	}, submitter, dialer, log)
	defer ctrl.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, api.MiddlewareConfig{
		BodyLimit:      cfg.Server.BodyLimit,
		AllowOrigins:   cfg.Server.AllowOrigins,
		RequestLogging: cfg.Logging.Development,
	}, log)
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Session:      ctrl,
		SessionID:    ctrl.SessionID(),
		Version:      Version,
		AllowOrigins: cfg.Server.AllowOrigins,
		Logger:       log,
	}))

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	log.Info("starting",
		zap.String("version", Version),
		zap.String("buildTime", BuildTime),
		zap.String("config", configPath),
		zap.String("listen", "http://"+cfg.GetServerAddr()),
		zap.String("submission", cfg.Endpoints.SubmissionURL),
		zap.String("channel", cfg.Endpoints.ChannelURL),
		zap.String("session", ctrl.SessionID()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("shutting down")
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadConfig reads CONFIG_FILE, or client.yaml next to the executable.
func loadConfig() (*config.AppConfig, string, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get executable path: %w", err)
		}
		path = filepath.Join(filepath.Dir(exePath), "client.yaml")
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, path, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
