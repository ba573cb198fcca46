package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charla-ai/charla/internal/auth"
	"github.com/charla-ai/charla/internal/chat"
	"github.com/charla-ai/charla/internal/config"
	"github.com/charla-ai/charla/internal/logger"
	"github.com/charla-ai/charla/internal/reply"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the configuration file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none")
	logFile := flag.String("log-file", "", "log file path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogFile); err != nil {
		return err
	}

	secret := cfg.JWTSecret
	generated := secret == ""
	if generated {
		secret, err = generateSecret()
		if err != nil {
			return fmt.Errorf("failed to generate signing secret: %w", err)
		}
		logger.Warn("No JWT secret configured, generated an ephemeral one")
	}
	verifier := auth.NewVerifier(secret)
	defer verifier.Close()

	if generated {
		// Hand the operator a usable credential, since nobody else can
		// mint one against an ephemeral secret.
		token, err := verifier.Sign("dev", 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Development token: %s\n", token)
	}

	store := config.NewStore(cfg, *configPath)
	go store.Watch()
	defer store.Close()

	responder, err := buildResponder(store)
	if err != nil {
		return err
	}

	srv := chat.NewServer(store, verifier, responder)
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("charla-server listening on %s\n", cfg.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown signal received")
	if err := srv.Stop(); err != nil {
		return err
	}
	return nil
}

// buildResponder selects the reply-generation collaborator from config.
func buildResponder(store *config.Store) (reply.Responder, error) {
	cfg := store.Get()
	switch cfg.Reply.Provider {
	case config.ProviderOpenAI:
		return reply.NewOpenAIResponder(cfg.Reply.OpenAI.APIKey, cfg.Reply.OpenAI.Model)
	case config.ProviderAnthropic:
		return reply.NewAnthropicResponder(cfg.Reply.Anthropic.APIKey, cfg.Reply.Anthropic.Model)
	default:
		// Canned responder reads the delay through the store so config
		// reloads take effect live.
		return reply.NewDelayedResponderFunc(store.ReplyDelay), nil
	}
}

const secretLength = 32

func generateSecret() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
