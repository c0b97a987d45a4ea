package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/application"
	"github.com/quillchat/quill/internal/infrastructure/config"
	"github.com/quillchat/quill/internal/infrastructure/logger"
	"github.com/quillchat/quill/internal/interfaces/repl"
)

const (
	appName    = "quill"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	// .env is optional; real env vars win over it.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Console logs at warn keep the chat readable; explicit config wins.
	logLevel := cfg.Log.Level
	if logLevel == "" || logLevel == "info" {
		logLevel = "warn"
	}
	logFormat := cfg.Log.Format
	if logFormat == "" {
		logFormat = "console"
	}
	logOutput := cfg.Log.Output
	if logOutput == "" {
		logOutput = "stderr"
	}
	log, err := logger.NewLogger(logger.Config{
		Level:      logLevel,
		Format:     logFormat,
		OutputPath: logOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}
	defer app.Stop()

	// Ctrl-C during a stream belongs to the REPL's /stop; a second one (or
	// SIGTERM) shuts down via context cancellation.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	session := repl.New(app, log)
	if err := session.Run(ctx); err != nil {
		log.Error("Session ended with error", zap.Error(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s — local-first multi-provider chat

Usage:
  %s            Start an interactive chat session
  %s version    Print the version
  %s help       Show this help

Configuration is read from ~/.quill/config.yaml, ./config.yaml, and
QUILL_* environment variables.
`, appName, appName, appName, appName)
}
