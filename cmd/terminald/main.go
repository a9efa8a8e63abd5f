package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/terminal"
	"github.com/dmitrijs2005/poskeeper/internal/terminal/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(os.Stderr, logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})

	ctx := context.Background()
	app, err := terminal.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, err.Error())
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		os.Exit(1)
	}
}
