// cmd/stream-core/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/YaganovValera/market-stream/internal/app"
	"github.com/YaganovValera/market-stream/internal/config"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

func main() {
	var (
		configPath  string
		printConfig bool
	)

	root := &cobra.Command{
		Use:           "stream-core",
		Short:         "resilient market-data streaming core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath, printConfig)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")
	root.Flags().BoolVar(&printConfig, "print-config", false, "print resolved config and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stream-core: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, printConfig bool) error {
	// 1. Загрузить конфиг
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if printConfig {
		config.Print(cfg)
		return nil
	}

	// 2. Инициализация логгера
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// 3. Контекст с отменой по сигналам
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Sugar().Infow("starting service",
		"service.name", cfg.ServiceName,
		"service.version", cfg.ServiceVersion,
		"feeds", len(cfg.Feeds),
	)

	// 4. Запуск основного приложения
	if err := app.Run(ctx, cfg, log); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	log.Sugar().Infow("shutdown complete")
	return nil
}
