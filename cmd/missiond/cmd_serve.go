package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"missionlab/internal/api"
)

var (
	serveWatch bool
	serveGroup string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the mission watchdog and the document watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			cancel()
			a.close()
		}()

		a.coordinator.Start(ctx)

		if serveWatch || cfg.Server.WatchDocuments {
			w := a.watcher(serveGroup)
			n, err := w.SyncAll(ctx)
			if err != nil {
				logger.Warn("initial document sync failed", zap.Error(err))
			}
			logger.Info("documents synced", zap.Int("ingested", n), zap.String("root", a.documentsDir))
			watcherDone := make(chan struct{})
			defer func() {
				cancel()
				<-watcherDone
			}()
			go func() {
				defer close(watcherDone)
				if err := w.Run(ctx); err != nil {
					logger.Error("document watcher stopped", zap.Error(err))
				}
			}()
		}

		srv := api.New(ctx, api.Deps{
			Missions:      a.coordinator,
			Optimizations: a.optimizer,
			Documents:     a.rag,
			Library:       a.store,
			Files:         a.files,
			Progress:      a.bus,
			Config:        cfg,
		}, logger.Named("api"))

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		logger.Info("missiond started",
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Server.DBPath),
			zap.String("documents", a.documentsDir),
			zap.String("embedding_model", a.rag.ModelName()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "ingest the documents root and watch it for changes")
	serveCmd.Flags().StringVar(&serveGroup, "group", "", "group assigned to watched documents")
}
