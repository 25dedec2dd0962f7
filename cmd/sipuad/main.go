package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvidnes/sipdialog/dialog"
	"github.com/kvidnes/sipdialog/internal/config"
	"github.com/kvidnes/sipdialog/internal/metrics"
	"github.com/kvidnes/sipdialog/sipua"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	logger := cfg.Logger()
	log.Logger = logger

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("tls")
	}

	ua, err := sipua.New(
		sipua.WithUserAgent(cfg.UserAgent),
		sipua.WithLogger(logger),
		sipua.WithTLSConfig(tlsConfig),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("build user agent")
	}

	ua.OnIncomingCall(func(d *dialog.ServerInviteDialog) {
		logger.Info().Str("dialog", d.ID().String()).Msg("incoming call, rejecting: no application wired")
		if _, err := d.Reject(486, "Busy Here"); err != nil {
			logger.Error().Err(err).Msg("reject incoming call")
		}
	})

	reg := prometheus.NewRegistry()
	metrics.New().MustRegister(reg, ua)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg)
	}

	addr := cfg.Addr()
	logger.Info().Str("addr", addr).Str("transport", cfg.Transport).Msg("listening")

	if err := ua.Listen(ctx, cfg.Transport, addr); err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if err := ua.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info().Str("addr", addr).Msg("metrics server started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server")
	}
}
