package config

import (
	"fmt"

	"github.com/danghamo/busline/pkg/logger"
)

// Initialize loads configuration and sets up global logger
func Initialize() (*Config, *logger.Logger, error) {
	cfg, err := Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Log.Level),
		Environment: cfg.Log.Environment,
		Encoding:    cfg.Log.Encoding,
		Output:      cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.SetGlobalLogger(appLogger)

	appLogger.WithFields(map[string]interface{}{
		"role":           cfg.Agent.Role,
		"bus_no":         cfg.Agent.BusNo,
		"api_base_url":   cfg.API.BaseURL,
		"tracking_mode":  cfg.Tracking.Mode,
		"tracking_slot":  cfg.Tracking.Slot,
		"events_backend": cfg.Events.Backend,
		"server_port":    cfg.Server.Port,
		"log_level":      cfg.Log.Level,
		"log_encoding":   cfg.Log.Encoding,
	}).Info("Configuration and logger initialized successfully")

	return cfg, appLogger, nil
}
