package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dispatchsync/internal/app"
	"dispatchsync/internal/assist"
	"dispatchsync/internal/bus"
	"dispatchsync/internal/config"
	"dispatchsync/internal/dispatch"
	"dispatchsync/internal/logging"
	"dispatchsync/internal/profile"
	"dispatchsync/internal/rbac"
	"dispatchsync/internal/replica"
	"dispatchsync/internal/search"
	"dispatchsync/internal/store"
	"dispatchsync/internal/syncer"

	"github.com/redis/go-redis/v9"
)

const defaultUnitType = "POLICE"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Init("dispatchsync", cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	remembered, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.ProfilePath).Msg("ignoring unreadable profile")
	}
	who := profile.Profile{
		Room:       cfg.Room,
		Role:       cfg.Role,
		Callsign:   cfg.Callsign,
		UnitType:   cfg.UnitType,
		OperatorID: cfg.OperatorID,
	}.Merge(remembered)
	if who.Room == "" {
		logger.Fatal().Msg("no room configured; set DISPATCH_ROOM")
	}
	if who.UnitType == "" {
		who.UnitType = defaultUnitType
	}
	role := rbac.Normalize(who.Role)
	sender := dispatch.CanonicalName(who.Callsign)
	switch {
	case role == rbac.RoleCoordinator:
		sender = dispatch.CoordinatorSender
	case sender == "":
		sender = dispatch.NewID("field")
	}
	logger = logger.With().Str("room", who.Room).Str("role", string(role)).Logger()

	mode := syncer.Mode(cfg.Mode)
	if mode == "" {
		mode = syncer.DefaultMode(role)
	}
	checks := map[string]app.Check{}

	var replicated syncer.Transport
	if mode != syncer.ModeLocal {
		relays, err := replica.DialRelays(ctx, cfg.Relays)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay setup failed")
		}
		relayStore, err := replica.NewRedisStore(relays)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay setup failed")
		}
		defer relayStore.Close()
		replicated = syncer.NewReplicatedStore(relayStore, who.Room)
		checks["relays"] = relayStore.Ping
	}

	var local syncer.Transport
	if mode != syncer.ModeReplicated {
		var localBus bus.Bus = bus.NewMemory()
		if strings.TrimSpace(cfg.BusRedisURL) != "" {
			opts, err := redis.ParseURL(cfg.BusRedisURL)
			if err != nil {
				logger.Fatal().Err(err).Msg("invalid bus redis url")
			}
			client := redis.NewClient(opts)
			defer client.Close()
			localBus = bus.NewRedis(client, who.Room)
			checks["bus"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
		local = syncer.NewLocalBus(localBus, sender)
	}

	transports, err := syncer.ForMode(mode, local, replicated)
	if err != nil {
		logger.Fatal().Err(err).Msg("transport setup failed")
	}

	var archive *store.Archive
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		archive, err = store.OpenArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("archive setup failed")
		}
		defer archive.Close()
		checks["archive"] = archive.Ping
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliKey)
	}
	searchService := search.NewService(meiliClient, who.Room)
	defer searchService.Close()

	// Only the coordinator keeps the room's history.
	var (
		recorder *app.Recorder
		onChange func(syncer.Change)
	)
	if role == rbac.RoleCoordinator {
		var archiver app.Archiver
		if archive != nil {
			archiver = archive
		}
		recorder = app.NewRecorder(who.Room, sender, archiver, searchService, logger)
		onChange = recorder.Observe
	}

	controller := syncer.New(syncer.Options{
		Role:           role,
		SenderID:       sender,
		Transports:     transports,
		JoinTimeout:    cfg.JoinTimeout,
		PublishTimeout: cfg.PublishTimeout,
		Logger:         logger,
		OnChange:       onChange,
	})
	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- controller.Run(runCtx) }()

	opts := app.Options{
		Room:       who.Room,
		Controller: controller,
		Search:     searchService,
		Checks:     checks,
		Logger:     logger,
	}
	if archive != nil {
		opts.Archive = archive
	}
	if assistant := assist.New(assist.Config{URL: cfg.AssistURL, APIKey: cfg.AssistAPIKey, Model: cfg.AssistModel}); assistant.IsConfigured() {
		opts.Assist = assistant
	}
	service := app.New(opts)

	joinCtx, cancelJoin := context.WithTimeout(ctx, 2*cfg.JoinTimeout)
	if role == rbac.RoleField && who.Callsign != "" {
		unit, err := service.JoinField(joinCtx, app.JoinInput{Callsign: who.Callsign, Type: who.UnitType, OperatorID: who.OperatorID})
		if err != nil {
			logger.Fatal().Err(err).Msg("join as field unit failed")
		}
		logger.Info().Str("unit", unit.ID).Str("callsign", unit.Name).Msg("joined room")
	} else {
		state, err := service.Join(joinCtx)
		if err != nil {
			logger.Fatal().Err(err).Msg("join failed")
		}
		if role == rbac.RoleCoordinator {
			searchService.Reindex(state)
		}
		logger.Info().Int("units", len(state.Units)).Int("incidents", len(state.Incidents)).Msg("joined room")
	}
	cancelJoin()

	who.Role = string(role)
	if err := profile.Save(cfg.ProfilePath, who); err != nil {
		logger.Warn().Err(err).Str("path", cfg.ProfilePath).Msg("profile not saved")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("mode", string(mode)).Msg("dispatch sync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-runDone:
		logger.Error().Err(err).Msg("sync controller stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	if err := controller.Flush(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending publications dropped")
	}
	stopRun()
	if recorder != nil {
		recorder.Close()
	}
}
