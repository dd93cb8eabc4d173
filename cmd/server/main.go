// Package main initializes and starts the Textric relay server:
// configuration, logging, database, repositories, services, the
// connection registry, and the HTTP and socket listeners.
package main

import (
	"context"
	"fmt"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/textric/textric-server/internal/config"
	"github.com/textric/textric-server/internal/db"
	"github.com/textric/textric-server/internal/logger"
	"github.com/textric/textric-server/internal/relay"
	"github.com/textric/textric-server/internal/repository"
	"github.com/textric/textric-server/internal/server/handler/http"
	"github.com/textric/textric-server/internal/server/handler/ws"
	"github.com/textric/textric-server/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	ver, date := version, buildDate
	if ver == "" {
		ver = "N/A"
	}
	if date == "" {
		date = "N/A"
	}
	fmt.Printf("Build version: %s\n", ver)
	fmt.Printf("Build date: %s\n", date)

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init("Info"); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	// Initialize PostgreSQL connection and schema.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}

	// Sweep expired handle candidates in the background; the service
	// also purges lazily on every handle generation.
	db.StartCandidateCleaner(context.Background(), postgresDB,
		time.Minute,
		service.HandleTTL,
		zapLogger,
	)

	// Initialize repositories for accounts and the delivery queue.
	accountRepo := repository.NewPostgresAccountRepository(postgresDB)
	queueRepo := repository.NewPostgresQueueRepository(postgresDB)

	// Initialize business-logic services.
	accountService := service.NewAccountService(accountRepo)
	queueService := service.NewQueueService(accountService, queueRepo)

	// The connection registry routes deliveries to live sockets.
	registry := relay.NewRegistry(accountService, queueRepo, relay.DefaultPumpInterval, zapLogger)

	// Create the HTTP handlers for accounts and device enrollment.
	userHandler := &http.UserHandler{UserService: accountService}
	deviceHandler := &http.DeviceHandler{DeviceService: accountService}
	router := http.NewRouter(userHandler, deviceHandler, zapLogger)

	// The socket handler runs the connection handshake and relays
	// envelopes into the queue.
	socketHandler := &ws.Handler{
		Accounts: accountService,
		Queue:    queueService,
		Registry: registry,
		Log:      zapLogger,
	}

	// Serve the socket endpoint on its own listener.
	go func() {
		zapLogger.Info("starting socket server", zap.String("addr", options.SocketAddr))
		if err := nethttp.ListenAndServe(options.SocketAddr, socketHandler); err != nil {
			zapLogger.Fatal("failed to start socket server", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTP server", zap.String("addr", options.HTTPAddr))
	if err := nethttp.ListenAndServe(options.HTTPAddr, router); err != nil {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
}
