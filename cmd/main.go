package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"channel-relay/handler"
	"channel-relay/internal/integrations/gemini"
	"channel-relay/internal/integrations/paramstore"
	"channel-relay/internal/repository"
	"channel-relay/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	envFile := envString("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load env file", "path", envFile, "err", err)
		os.Exit(1)
	}

	// ---- Configuration (read only here) ----
	paramPrefix := os.Getenv("PARAM_PREFIX")
	turnTable := os.Getenv("TURN_TABLE")
	model := envString("GEMINI_MODEL", gemini.DefaultModel)
	configDir := envString("CONFIG_DIR", ".")
	saveDir := envString("SAVE_DIR", "chat_saves")
	channelFile := envString("CHANNEL_FILE", "allowed_channels.json")
	maxWorkers := envInt("MAX_WORKERS", 8)
	botReplyDelay := time.Duration(envInt("BOT_REPLY_DELAY_SECONDS", 5)) * time.Second
	backendTimeout := time.Duration(envInt("BACKEND_TIMEOUT_SECONDS", 120)) * time.Second

	// ---- AWS SDK config, only when something needs it ----
	var tokens paramstore.Tokens
	var archive usecase.TurnArchive
	if paramPrefix != "" || turnTable != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		if paramPrefix != "" {
			ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
			if err != nil {
				slog.Error("failed to create SSM client", "err", err)
				os.Exit(1)
			}
			tokens, err = paramstore.ResolveTokens(ctx, ssmClient, paramPrefix)
			if err != nil {
				slog.Error("failed to resolve tokens", "prefix", paramPrefix, "err", err)
				os.Exit(1)
			}
		}
		if turnTable != "" {
			a, err := repository.NewArchive(awsdynamodb.NewFromConfig(cfg), turnTable)
			if err != nil {
				slog.Error("failed to create turn archive", "err", err)
				os.Exit(1)
			}
			archive = a
		}
	}
	if tokens.Discord == "" {
		tokens.Discord = mustEnv("DISCORD_TOKEN")
	}
	if tokens.Gemini == "" {
		tokens.Gemini = mustEnv("GEMINI_TOKEN")
	}

	// ---- Storage ----
	store, err := repository.NewFileStore(configDir, saveDir)
	if err != nil {
		slog.Error("failed to create file store", "err", err)
		os.Exit(1)
	}
	channels, err := repository.NewChannelRegistry(channelFile)
	if err != nil {
		slog.Error("failed to load channel registry", "path", channelFile, "err", err)
		os.Exit(1)
	}
	if err := channels.Watch(ctx, logger); err != nil {
		slog.Warn("channel registry hot reload disabled", "err", err)
	}

	// ---- Clients ----
	backend, err := gemini.NewClient(ctx, tokens.Gemini, gemini.WithModel(model))
	if err != nil {
		slog.Error("failed to create Gemini client", "err", err)
		os.Exit(1)
	}
	session, err := handler.NewSession(tokens.Discord)
	if err != nil {
		slog.Error("failed to create Discord session", "err", err)
		os.Exit(1)
	}
	sender, err := handler.NewSender(session)
	if err != nil {
		slog.Error("failed to create sender", "err", err)
		os.Exit(1)
	}

	// ---- Relay ----
	deps := usecase.Dependencies{
		Backend:  backend,
		Store:    store,
		Channels: channels,
		Sender:   sender,
		Archive:  archive,
		Logger:   logger,
	}
	relay, err := usecase.NewRelay(deps, usecase.Options{
		MaxWorkers:     maxWorkers,
		BotReplyDelay:  botReplyDelay,
		BackendTimeout: backendTimeout,
	})
	if err != nil {
		slog.Error("failed to create relay", "err", err)
		os.Exit(1)
	}

	// In-flight dispatches finish after a shutdown signal.
	h, err := handler.NewHandler(context.WithoutCancel(ctx), relay, sender, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}
	session.AddHandler(h.OnReady)
	session.AddHandler(h.OnMessageCreate)

	if err := session.Open(); err != nil {
		slog.Error("failed to open Discord session", "err", err)
		os.Exit(1)
	}
	slog.Info("relay started", "model", backend.Model(), "config_dir", configDir, "channel_file", channelFile)

	<-ctx.Done()
	slog.Info("shutting down")
	if err := session.Close(); err != nil {
		slog.Warn("failed to close Discord session", "err", err)
	}
	relay.Wait()
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
