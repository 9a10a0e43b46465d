package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/app"
	"roomchat/internal/config"
	"roomchat/internal/events"
	"roomchat/internal/ratelimit"
	"roomchat/internal/roomlock"
	"roomchat/internal/server"
	"roomchat/internal/util"
	"roomchat/pkg/ai"
	"roomchat/pkg/render"
	"roomchat/pkg/storage"
	"roomchat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	roomStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var locker roomlock.Locker
	if cfg.RedisAddr != "" {
		redisLocker, err := roomlock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, "")
		if err != nil {
			util.Fatal("failed to init redis room locker", "err", err)
		}
		locker = redisLocker
	} else {
		logger.Warn("redisAddr not set, using in-process room locks; run a single instance")
		locker = roomlock.NewMemoryLocker()
	}

	completer := ai.NewOpenAICompatCompleter(cfg.API.BaseURL, cfg.API.APIKey, ai.Params{
		Model:            cfg.API.Model,
		MaxTokens:        cfg.API.MaxTokens,
		FrequencyPenalty: cfg.API.FrequencyPenalty,
		PresencePenalty:  cfg.API.PresencePenalty,
		Temperature:      cfg.API.Temperature,
		TopP:             cfg.API.TopP,
	}, time.Duration(cfg.API.RequestTimeoutMs)*time.Millisecond)

	var quota *ratelimit.TurnQuota
	if cfg.TurnQuota.Limit > 0 {
		quota, err = ratelimit.NewTurnQuota(cfg.RedisAddr, cfg.RedisPassword, "",
			cfg.TurnQuota.Limit, time.Duration(cfg.TurnQuota.WindowSeconds)*time.Second)
		if err != nil {
			util.Fatal("failed to init turn quota", "err", err)
		}
	}

	var renderer *render.Client
	if cfg.RenderServiceURL != "" {
		renderer = render.NewClient(cfg.RenderServiceURL, render.Theme(cfg.RenderTheme))
	}

	var archive storage.Archive
	if cfg.Minio.Endpoint != "" {
		minioArchive, err := storage.NewMinioArchive(
			cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey,
			cfg.Minio.Bucket, cfg.Minio.UseSSL,
			time.Duration(cfg.Minio.LinkTTLMin)*time.Minute)
		if err != nil {
			util.Fatal("failed to init render archive", "err", err)
		}
		archive = minioArchive
	}

	appCore, err := app.New(app.Config{
		Store:               roomStore,
		Completer:           completer,
		Locker:              locker,
		Renderer:            renderer,
		Archive:             archive,
		Quota:               quota,
		RedactReasoning:     cfg.API.RedactReasoning,
		AllowOpenRoomDelete: cfg.AllowOpenRoomDelete,
		HistoryPageSize:     cfg.HistoryPageSize,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AMQP.URL != "" {
		consumer, err := events.NewConsumer(events.Config{
			URL:          cfg.AMQP.URL,
			InboundQueue: cfg.AMQP.InboundQueue,
			ReplyQueue:   cfg.AMQP.ReplyQueue,
			App:          appCore,
		})
		if err != nil {
			util.Fatal("failed to init event consumer", "err", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event consumer stopped", "err", err)
			}
		}()
	}

	httpServer := server.New(server.Config{App: appCore})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("roomchat listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("server failed", "err", err)
	}
}
