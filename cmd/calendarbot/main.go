package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calendar-assistant/internal/bot"
	"calendar-assistant/internal/config"
	"calendar-assistant/internal/ledger"
	"calendar-assistant/internal/llm"
	"calendar-assistant/internal/logger"
	"calendar-assistant/internal/metrics"
	"calendar-assistant/internal/notify"
	"calendar-assistant/internal/scheduler"
	"calendar-assistant/internal/service"
	"calendar-assistant/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.New("").WithError(err).Fatal("config")
	}
	log := logger.New(cfg.LogLevel)

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	userRepo := store.NewUserRepository(db)
	eventRepo := store.NewEventRepository(db)
	deliveryLedger := ledger.NewGormLedger(db)

	events := service.NewEventService(eventRepo, cfg.ExpandHorizon)
	extractor := llm.NewClient(cfg.LLMEndpoint, cfg.LLMTimeout)

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, extractor, events, &cfg, log)
	if err != nil {
		log.WithError(err).Fatal("start bot")
	}

	defaultLoc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.WithError(err).Fatal("load default timezone")
	}
	sink := notify.NewTelegramSink(telegramBot.API(), userRepo, defaultLoc)

	m := metrics.New(nil)
	sched := scheduler.New(eventRepo, deliveryLedger, sink, log, m, scheduler.Config{
		Offsets:         cfg.ReminderOffsets,
		Slack:           cfg.ReminderSlack,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Workers:         cfg.DeliveryWorkers,
		Retention:       cfg.LedgerRetention,
	})

	runner := scheduler.NewRunner(time.Local)
	if _, err := runner.ScheduleInterval(cfg.TickInterval, func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), cfg.TickInterval)
		defer cancel()
		sched.RunTick(tickCtx)
	}); err != nil {
		log.WithError(err).Fatal("schedule reminder sweep")
	}
	if _, err := runner.ScheduleInterval(cfg.PurgeInterval, func() {
		purgeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sched.Purge(purgeCtx)
	}); err != nil {
		log.WithError(err).Fatal("schedule ledger purge")
	}
	runner.Start()
	defer runner.Stop()

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	log.Info("calendar assistant started")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("bot stopped")
	}
	log.Info("shutdown complete")
}
