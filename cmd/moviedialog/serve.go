package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/httpapi"
	"github.com/flexigpt/moviedialog-go/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dialogue API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		h, err := buildHost(ctx, cfg, logger, reg)
		if err != nil {
			return err
		}
		defer func() {
			if err := h.Close(); err != nil {
				logger.Warn("close host", zap.Error(err))
			}
		}()

		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      httpapi.NewRouter(h.rt, reg, logger.Named("http")),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		sup := services.NewSupervisor("moviedialog", cfg.Server.ShutdownTimeout, logger.Named("supervisor"))
		sup.Add(services.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))
		sup.Add(services.NewSweepService(h.rt, cfg.Server.SweepInterval, logger.Named("sweeper")))

		logger.Info("serving",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Store.Backend),
			zap.String("catalogue", cfg.Catalog.DSN),
		)
		if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("stopped")
		return nil
	},
}
