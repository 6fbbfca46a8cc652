package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
	"github.com/pelusa-v/pelusa-voice/internal/config"
	"github.com/pelusa-v/pelusa-voice/internal/handlers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relay := chat.NewRelay(chat.Options{
		SweepInterval: cfg.SweepInterval,
		PresenceTTL:   cfg.PresenceTTL,
		Metrics:       chat.NewMetrics(reg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动中继
	go relay.Start(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handlers.New(relay, reg).Routes(app, cfg.Path)

	go func() {
		<-ctx.Done()
		log.Info("relay: shutting down")
		_ = app.Shutdown()
	}()

	log.Infof("relay: listening on %s%s", cfg.Addr(), cfg.Path)
	if err := app.Listen(cfg.Addr()); err != nil {
		log.Errorf("relay: %v", err)
		stop()
	}
	<-relay.Done()
}
