package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ims/api/internal/app"
	"ims/api/internal/blob"
	"ims/api/internal/config"
	"ims/api/internal/email"
	"ims/api/internal/gitrepo"
	"ims/api/internal/logging"
	"ims/api/internal/reminder"
	"ims/api/internal/search"
	"ims/api/internal/session"
	"ims/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrated, err := store.Migrate(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("migrations failed")
	}
	log.WithField("version", migrated.Version).Info("database schema up to date")

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.WithError(err).Fatal("create history dir")
	}

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("blob storage unavailable")
	}
	log.WithField("driver", blobs.Driver()).Info("blob storage ready")

	dataStore := store.NewPostgresStore(db)
	history := gitrepo.New(cfg.HistoryDir)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))

	mailer := email.NewService(email.ConfigFrom(cfg))
	if !mailer.IsConfigured() {
		log.Warn("SMTP is not configured; account tokens are returned in API responses")
	}

	service := app.New(cfg, dataStore, history, blobs, searchService).WithMailer(mailer)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer redisStore.Close()
		service.WithSessionStore(redisStore)
		log.Info("using redis for refresh sessions")
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.WithError(err).Warn("bootstrap failed, will retry on next restart")
	}

	reminders := reminder.New(dataStore, mailer, reminder.Options{
		WindowDays: cfg.ReminderWindowDays,
		PublicURL:  cfg.PublicURL,
	})
	if strings.TrimSpace(cfg.ReminderSchedule) != "" {
		if err := reminders.Start(ctx, cfg.ReminderSchedule); err != nil {
			log.WithError(err).Fatal("reminder schedule")
		}
		defer reminders.Stop()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.AuthRatePerMinute)
	httpServer.StartLimiterCleanup(ctx, 5*time.Minute)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("IMS API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
