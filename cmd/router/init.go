package main

import (
	"log/slog"
	"os"

	"kvrouter/internal/config"
)

// initConfig загружает конфиг из KVROUTER_CONFIG (или config.yaml). Если файл не найден, возвращается config.Default().
func initConfig() (config.Config, error) {
	return config.Load(config.PathFromEnv())
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg config.LoggerConfig) {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String(), "json", cfg.JSON)
}
