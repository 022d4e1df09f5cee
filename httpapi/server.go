// Package httpapi exposes a small Echo-based introspection surface
// over a live session core: liveness, rate-limit state, and
// authorizer state.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/relliott-dev/prawcore-go/authorizer"
	"github.com/relliott-dev/prawcore-go/ratelimit"
)

// Server is the introspection HTTP surface.
type Server struct {
	echo *echo.Echo
	log  *logrus.Logger
}

// New builds a Server that reports on the given authorizer and
// limiter. requestsPerMinute governs the server's own inbound rate
// limit.
func New(a *authorizer.Authorizer, limiter *ratelimit.Limiter, requestsPerMinute int, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	rps := float64(requestsPerMinute) / 60.0
	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rps * 0.95),
				Burst:     1,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	e.GET("/ratelimit", func(c echo.Context) error {
		return c.JSON(http.StatusOK, rateLimitView(limiter.Snapshot()))
	})

	e.GET("/authstatus", func(c echo.Context) error {
		return c.JSON(http.StatusOK, authStatusView(a))
	})

	return &Server{echo: e, log: log}
}

type rateLimitResponse struct {
	Remaining       *float64 `json:"remaining"`
	Used            *int     `json:"used"`
	NextRequestInMs int64    `json:"next_request_in_ms"`
	ResetInMs       int64    `json:"reset_in_ms"`
}

func rateLimitView(s ratelimit.Snapshot) rateLimitResponse {
	return rateLimitResponse{
		Remaining:       s.Remaining,
		Used:            s.Used,
		NextRequestInMs: s.NextRequestIn.Milliseconds(),
		ResetInMs:       s.ResetIn.Milliseconds(),
	}
}

type authStatusResponse struct {
	State     string   `json:"state"`
	Kind      string   `json:"kind"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in_ms"`
}

func authStatusView(a *authorizer.Authorizer) authStatusResponse {
	resp := authStatusResponse{
		State:  a.State().String(),
		Kind:   a.Kind().String(),
		Scopes: a.Scopes(),
	}
	if expiry := a.ExpiresAt(); expiry.After(time.Now()) {
		resp.ExpiresIn = time.Until(expiry).Milliseconds()
	}
	return resp
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully within 5 seconds.
func (s *Server) Start(ctx context.Context, port int) {
	go func() {
		addr := fmt.Sprintf(":%d", port)
		s.log.WithField("port", port).Info("Starting introspection API server")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("introspection API server failed")
		}
	}()

	<-ctx.Done()
	s.log.Info("Shutting down introspection API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("introspection API server shutdown failed")
	}
}
