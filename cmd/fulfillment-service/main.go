package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/app"
	"github.com/vladislavdragonenkov/ofs/internal/config"
	"github.com/vladislavdragonenkov/ofs/internal/version"
)

// setupLogger настраивает формат и уровень логирования из конфигурации.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(parseLevel(level))
}

// parseLevel разбирает уровень логирования; неизвестное значение — info.
func parseLevel(level string) log.Level {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return parsed
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("version", version.String()).Info("запускаем fulfillment service")

	if err := app.Run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("сервис завершился с ошибкой")
	}

	log.Info("fulfillment service остановлен")
}
