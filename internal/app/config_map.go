package app

import (
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/status"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	shutdown, err := config.ParseDurationField("engine.shutdown_timeout", cfg.Engine.ShutdownTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{Workers: cfg.Engine.WorkerThreads, ShutdownTimeout: shutdown}, nil
}

// mapStorageConfig reports enabled=false for driver none.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	driver := cfg.StorageDriver()
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: cfg.Storage.Path, BusyTimeout: busy}, true, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	out := status.Config{Addr: cfg.Status.Addr, Pprof: cfg.Status.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("status.read_timeout", cfg.Status.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("status.write_timeout", cfg.Status.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("status.idle_timeout", cfg.Status.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}
