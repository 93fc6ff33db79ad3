package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripmate/realtime/internal/app"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/config"
	"github.com/tripmate/realtime/internal/logging"
	"github.com/tripmate/realtime/internal/suggest"
	"github.com/tripmate/realtime/internal/supervisor"
)

func main() {
	once := flag.Bool("once", false, "run the suggestion job once and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		logging.Fatal().Err(err).Msg("suggester stopped")
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)
	log := logging.Component("main")
	if cfg.Suggest.Places.APIKey == "" {
		return errors.New("suggest.places.api_key is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, *cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	if !cfg.NATS.Enabled {
		log.Warn().Msg("nats disabled, suggestions are stored but not pushed to live gateways")
	}
	bus, err := app.OpenBus(cfg.NATS, logging.Component("bus"))
	if err != nil {
		return err
	}
	defer bus.Close()

	chats := chat.NewManager(stores.Chats, stores.ChatTx, stores.Trips, nil, cfg.Chat, logging.Component("chat"))
	places := suggest.NewGoogleClient(cfg.Suggest.Places, logging.Component("places"))
	sched, err := suggest.NewScheduler(chats, stores.Trips, places, bus, cfg.Suggest, logging.Component("suggest"))
	if err != nil {
		return err
	}

	if once {
		report, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("chats", report.Chats).Int("posted", report.Posted).Int("skipped", report.Skipped).
			Msg("suggestion run finished")
		return nil
	}

	redisClient, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		sched.WithLock(suggest.NewRedisLock(redisClient))
	}

	sup := supervisor.New("tripmate-suggester", supervisor.DefaultConfig(), logging.Component("supervisor"))
	sup.Add(sched)
	log.Info().Str("at", cfg.Suggest.At).Str("timezone", cfg.Suggest.Timezone).Msg("suggester starting")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
