package main

import (
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/config"
	"github.com/13uraksahin/read-water-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
