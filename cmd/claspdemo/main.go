// Command claspdemo is a minimal example of wiring a clasp.Router: load
// config, set up logging, size GOMAXPROCS from the cgroup, start a
// metrics endpoint, establish a demo session, and wait for a signal.
// It is not a transport adapter — no WebSocket/QUIC/UDP listener is
// started here, since wire framing is out of the router core's scope.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/lumencanvas/clasp-sub005/internal/auth"
	"github.com/lumencanvas/clasp-sub005/internal/config"
	"github.com/lumencanvas/clasp-sub005/internal/logging"
	"github.com/lumencanvas/clasp-sub005/internal/value"

	"github.com/lumencanvas/clasp-sub005"
)

func main() {
	bootLogger := logging.New(logging.Options{Level: "info", Format: "json"})

	// automaxprocs (imported for its side effect above) sizes GOMAXPROCS to
	// the container's CPU quota rather than the host's core count, rounding
	// down (1.5 cores -> GOMAXPROCS=1).
	bootLogger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("cpu quota applied")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	var validator auth.Validator = auth.AnonymousValidator{}
	if cfg.SecurityMode == config.SecurityAuthenticated {
		secret := os.Getenv("CLASP_JWT_SECRET")
		if secret == "" {
			logger.Fatal().Msg("CLASP_SECURITY_MODE=authenticated requires CLASP_JWT_SECRET")
		}
		validator = auth.NewJWTValidator(secret)
	}

	router := clasp.New(clasp.Options{
		Config:    cfg,
		Logger:    logger,
		Validator: validator,
	})
	defer router.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", router.Metrics().Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")

	now := time.Now()
	welcome, err := router.Hello(clasp.Hello{
		RequestedFeatures: map[string]bool{"bundle": true, "gesture": true},
		Namespaces:        []string{"/demo"},
	}, now)
	if err != nil {
		logger.Fatal().Err(err).Msg("demo HELLO failed")
	}
	logger.Info().Str("session_id", string(welcome.SessionID)).Msg("demo session established")

	_, err = router.Submit(clasp.Op{
		Kind:    clasp.OpSet,
		Address: "/demo/greeting",
		Value:   value.String("hello from claspdemo"),
		Session: welcome.SessionID,
	}, now)
	if err != nil {
		logger.Error().Err(err).Msg("demo SET failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	router.Goodbye(welcome.SessionID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
