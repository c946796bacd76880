package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/config"
	"github.com/iliyamo/showtime-booking/internal/database"
	"github.com/iliyamo/showtime-booking/internal/handler"
	"github.com/iliyamo/showtime-booking/internal/lock"
	"github.com/iliyamo/showtime-booking/internal/middleware"
	"github.com/iliyamo/showtime-booking/internal/queue"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/router"
	"github.com/iliyamo/showtime-booking/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := config.NewLogger(cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.Check{}

	// Store
	var (
		store service.Store
		db    *sql.DB
	)
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		var err error
		db, err = database.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			return err
		}
		store = repository.NewBookingRepo(db)
		checks["mysql"] = db.PingContext
	default:
		log.Warn("using in-memory store, bookings are lost on restart")
		store = repository.NewMemoryStore()
	}

	// Redis is optional unless the scope lock needs it.
	var rdb *redis.Client
	if c, err := config.NewRedisClient(config.LoadRedisConfig()); err != nil {
		if cfg.ScopeLock.Enabled {
			return err
		}
		log.Warn("redis unavailable, rate limiting disabled", zap.Error(err))
	} else {
		rdb = c
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	opts := []service.Option{}
	if cfg.ScopeLock.Enabled {
		opts = append(opts, service.WithLocker(lock.NewRedisLocker(rdb, cfg.ScopeLock.TTL, log)))
	}
	if cfg.Events.Enabled {
		pub := service.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Queue, log)
		defer pub.Close()
		opts = append(opts, service.WithPublisher(pub))
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	svc := service.NewBookingService(store, service.NewGocronTimer(sched), service.Config{
		HoldTTL:         cfg.Booking.HoldTTL,
		OpTimeout:       cfg.Booking.OpTimeout,
		DefaultCurrency: cfg.Booking.DefaultCurrency,
	}, log, opts...)
	defer svc.Shutdown()

	recoverCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = svc.Recover(recoverCtx)
	cancel()
	if err != nil {
		return err
	}
	stopSweep, err := svc.StartSweeper(cfg.Booking.SweepInterval)
	if err != nil {
		return err
	}
	defer stopSweep()

	if cfg.Events.LogConsumer {
		go func() {
			err := queue.StartBookingConsumer(ctx, queue.ConsumerConfig{
				URL:     cfg.Events.URL,
				Queue:   cfg.Events.Queue,
				LogPath: cfg.Events.LogPath,
			}, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event log consumer stopped", zap.Error(err))
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	var scripter redis.Scripter
	if rdb != nil {
		scripter = rdb
	}
	router.RegisterRoutes(e, &handler.HealthHandler{Checks: checks})
	router.RegisterBookings(e,
		handler.NewBookingHandler(svc, log),
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), scripter, log),
	)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
