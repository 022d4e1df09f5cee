package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relliott-dev/prawcore-go/auth"
	"github.com/relliott-dev/prawcore-go/authorizer"
	"github.com/relliott-dev/prawcore-go/config"
	"github.com/relliott-dev/prawcore-go/httpapi"
	"github.com/relliott-dev/prawcore-go/session"
	"github.com/relliott-dev/prawcore-go/tokenstore"
	"github.com/relliott-dev/prawcore-go/transport"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "debug", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting prawcore-go demo")

	cfg, err := config.Load(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	store, err := tokenstore.Open(cfg.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open token store")
	}
	defer store.Close()

	requestor := transport.New(&http.Client{Timeout: cfg.Reddit.Timeout})

	authenticator := auth.NewTrusted(cfg.Reddit.ClientID, cfg.Reddit.ClientSecret, requestor, log)
	authenticator.SetOAuthURL(cfg.Reddit.RedditURL)
	authenticator.SetUserAgent(cfg.Reddit.UserAgent)

	var authz *authorizer.Authorizer
	if cfg.Reddit.Username != "" && cfg.Reddit.Password != "" {
		authz = authorizer.NewScript(authenticator, cfg.Reddit.Username, cfg.Reddit.Password, nil)
	} else {
		authz = authorizer.NewReadOnly(authenticator, "")
	}

	if entry, ok, err := store.Load(authz.Kind().String(), cfg.Reddit.ClientID); err != nil {
		log.WithError(err).Warn("Failed to load persisted refresh token")
	} else if ok {
		authz.SetRefreshToken(entry.RefreshToken)
		log.WithField("kind", authz.Kind().String()).Info("Loaded persisted refresh token")
	}

	authz.SetPostRefreshCallback(func(a *authorizer.Authorizer) {
		rt := a.RefreshToken()
		if rt == "" {
			return
		}
		err := store.Save(tokenstore.Entry{
			AuthorizerKind: a.Kind().String(),
			ClientID:       cfg.Reddit.ClientID,
			RefreshToken:   rt,
			Scopes:         strings.Join(a.Scopes(), " "),
			UpdatedAt:      time.Now().UTC(),
		})
		if err != nil {
			log.WithError(err).Warn("Failed to persist refresh token")
		}
	})

	sess := session.New(authz, requestor, cfg.Reddit.UserAgent, log)
	sess.SetOAuthURL(cfg.Reddit.OAuthURL)
	sess.SetRedditURL(cfg.Reddit.RedditURL)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httpapi.New(sess.Authorizer(), sess.Limiter(), 60, log)
	go server.Start(ctx, cfg.Server.Port)

	waitForShutdown(cancel, log)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("prawcore-go demo stopped")
}
