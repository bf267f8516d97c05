// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/api"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notify"
	"github.com/keygate/keygate/internal/services"
)

// Application wires configuration, store, engine and HTTP server together
type Application struct {
	version   string
	configDir string
	dataDir   string
}

func NewApplication(version, configDir, dataDir string) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
	}
}

func (app *Application) Run() {
	log.Info().Str("version", app.version).Msg("Starting keygate")

	cfg, err := config.New(app.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}

	cfg.ApplyLogConfig()
	cfg.WatchConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	collector := metrics.New()

	opTimeout := time.Duration(cfg.Config.Store.OperationTimeout) * time.Second
	licenseService := services.NewLicenseService(db, collector, opTimeout)

	tokenStore := models.NewAPITokenStore(db.Conn())

	notifier := notify.NewClient(cfg.Config.WebhookURL)
	if notifier.Enabled() {
		log.Info().Msg("Validation webhook notifications enabled")
	} else {
		log.Debug().Msg("No webhook URL configured, validation notifications disabled")
	}

	deps := &api.Dependencies{
		LicenseService: licenseService,
		TokenStore:     tokenStore,
		Notifier:       notifier,
		Metrics:        collector,
	}

	router := api.NewRouter(deps)

	readTimeout := time.Duration(cfg.Config.HTTPTimeouts.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Config.HTTPTimeouts.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Config.HTTPTimeouts.IdleTimeout) * time.Second

	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	if writeTimeout == 0 {
		writeTimeout = 120 * time.Second
	}
	if idleTimeout == 0 {
		idleTimeout = 180 * time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Info().
			Str("address", srv.Addr).
			Dur("readTimeout", readTimeout).
			Dur("writeTimeout", writeTimeout).
			Dur("idleTimeout", idleTimeout).
			Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
