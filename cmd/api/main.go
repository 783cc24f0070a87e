package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"deckwork/api/internal/app"
	"deckwork/api/internal/assets"
	"deckwork/api/internal/config"
	"deckwork/api/internal/email"
	"deckwork/api/internal/export"
	"deckwork/api/internal/realtime"
	"deckwork/api/internal/revisions"
	"deckwork/api/internal/search"
	"deckwork/api/internal/sharelink"
	"deckwork/api/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return err
	}
	pg := store.NewPostgresStore(db)

	var shares *sharelink.RedisStore
	if cfg.RedisURL != "" {
		shares, err = sharelink.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("share links disabled", zap.Error(err))
			shares = nil
		} else {
			defer shares.Close()
		}
	}

	pgfts := search.NewPgFTS(db)
	var meili *search.Meili
	if cfg.MeiliURL != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchSvc := search.NewService(meili, pgfts, logger)

	var assetStore *assets.Store
	if cfg.MinioEndpoint != "" {
		assetStore, err = assets.NewStore(ctx, assets.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Warn("asset storage disabled", zap.Error(err))
			assetStore = nil
		}
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	svc := app.NewService(app.ServiceConfig{
		Store:     pg,
		JWTSecret: []byte(cfg.JWTSecret),
		Revisions: revisions.New(cfg.RevisionsDir),
		Search:    searchSvc,
		Shares:    shares,
		Mail:      mail,
		Assets:    assetStore,
		Logger:    logger,
		BaseURL:   "http://localhost" + cfg.Addr,
	})

	renderer := export.NewChromeRenderer(cfg.RenderTimeout)
	exportManager := export.NewManager(svc.ExportStore(), renderer, logger, cfg.ExportDir, cfg.ExportRetention)
	exportManager.StartSweeper(ctx, cfg.ExportSweepInterval)
	svc.SetExportManager(exportManager)

	searchSvc.ReindexAllFromPG(ctx)

	gateway := realtime.NewGateway(realtime.NewRegistry(), svc.RealtimeAccess(), svc.RealtimeSink(), logger)
	server := app.NewServer(svc, gateway, logger, cfg.CORSOrigin)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
