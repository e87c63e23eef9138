// README: Entry point; loads config, wires services, starts HTTP/websocket server and the push token cleanup job.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"delivtrack/internal/auth"
	"delivtrack/internal/config"
	httptransport "delivtrack/internal/http"
	"delivtrack/internal/infra"
	"delivtrack/internal/logging"
	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/notify"
	"delivtrack/internal/modules/order"
	"delivtrack/internal/modules/presence"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/realtime"
	"delivtrack/internal/realtime/hub"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	log := logging.New("delivtrack-api", cfg.Log.Level)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if err := infra.Migrate(ctx, dbPool, "migrations"); err != nil {
		return err
	}

	userStore := user.NewStore(dbPool)
	userSvc := user.NewService(userStore, log)

	var geo location.GeoIndex
	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.Warn("redis unavailable, nearby search uses the in-process index", "addr", cfg.Redis.Addr, "error", err)
		geo = location.NewMemGeo()
	} else {
		defer redisClient.Close()
		geo = location.NewRedisGeo(redisClient)
	}
	registry := presence.NewRegistry()
	defer registry.Close()
	locationStore := location.NewStore(userStore, geo, registry)

	var dispatcher notify.Dispatcher = notify.NewNoopDispatcher(log)
	if cfg.Firebase.ProjectID != "" {
		fcm, err := infra.NewFirebaseMessaging(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		dispatcher = notify.NewFCMDispatcher(fcm, log)
	} else {
		log.Warn("TRACK_FIREBASE_PROJECT_ID not set, push notifications are disabled")
	}

	var publisher order.EventPublisher
	if cfg.AMQP.URL != "" {
		amqpPub, err := infra.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publisher = order.NewBrokerPublisher(amqpPub)
	}

	orderSvc := order.NewService(order.Deps{
		Store:     order.NewStore(dbPool),
		Drivers:   userStore,
		Notifier:  dispatcher,
		Publisher: publisher,
		Log:       log,
	})

	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.TokenTTL, userStore)
	h := hub.New(cfg.Realtime.SendBuffer, log)

	broadcaster := location.NewBroadcaster(location.BroadcasterDeps{
		Presence:  registry,
		Orders:    orderSvc,
		Store:     locationStore,
		Publisher: h,
		Log:       log,
	})
	rt := realtime.NewRouter(realtime.Deps{
		Verifier:  verifier,
		Hub:       h,
		Presence:  registry,
		Locations: broadcaster,
		Geo:       locationStore,
		Config:    cfg.Realtime,
		Log:       log,
	})

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier:  verifier,
		Orders:    orderSvc,
		Users:     userSvc,
		Presence:  registry,
		Locations: locationStore,
		Realtime:  rt,
		Log:       log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, handler, log)

	job := notify.NewTokenCleanupJob(userStore, cfg.Push.CleanupSchedule, cfg.Push.TokenMaxAge, log)
	if err := job.Start(); err != nil {
		return err
	}
	defer job.Stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Run() }()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// closing the hub ends every websocket writer, which tears the sessions down
	h.Close()
	rt.Wait()
	broadcaster.Wait()
	return nil
}
