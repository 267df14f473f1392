package main

import (
	"os"

	"github.com/23skdu/longbow-prune/internal/config"
	"github.com/23skdu/longbow-prune/internal/logger"
	"github.com/23skdu/longbow-prune/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.Log.With("prune-server")

	h := server.New(logger.Log)
	r := h.Router()

	log.Info("pruning service listening", "addr", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
