package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripmate/realtime/internal/app"
	"github.com/tripmate/realtime/internal/auth"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/config"
	"github.com/tripmate/realtime/internal/discovery"
	"github.com/tripmate/realtime/internal/gateway"
	"github.com/tripmate/realtime/internal/logging"
	"github.com/tripmate/realtime/internal/match"
	"github.com/tripmate/realtime/internal/moderation"
	"github.com/tripmate/realtime/internal/presence"
	"github.com/tripmate/realtime/internal/ratelimit"
	"github.com/tripmate/realtime/internal/suggest"
	"github.com/tripmate/realtime/internal/supervisor"
	"github.com/tripmate/realtime/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---
	stores, err := app.OpenStores(ctx, *cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	redisClient, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus, err := app.OpenBus(cfg.NATS, logging.Component("bus"))
	if err != nil {
		return err
	}

	// --- Services ---
	matches := match.NewService(stores.Matches, stores.MatchTx, cfg.Match, logging.Component("match"))
	chats := chat.NewManager(stores.Chats, stores.ChatTx, stores.Trips,
		moderation.NewFilter(cfg.Moderation), cfg.Chat, logging.Component("chat"))
	disc := discovery.NewService(stores.Users, matches, cfg.Discovery, logging.Component("discovery"))

	// --- Realtime ---
	dispatcher := ws.NewMessageDispatcher(nil, logging.Component("dispatcher"))
	server := ws.NewServer(cfg.Server, dispatcher.Dispatch, logging.Component("ws"))
	dispatcher.SetSender(server)

	deps := gateway.Deps{
		Matches:   matches,
		Chats:     chats,
		Discovery: disc,
		Users:     stores.Users,
		Trips:     stores.Trips,
		Presence:  presence.NewRegistry(),
		Bus:       bus,
		Sender:    server,
	}
	if cfg.RateLimit.Enabled && redisClient != nil {
		deps.Limiter = ratelimit.NewLimiter(redisClient, cfg.RateLimit, logging.Component("ratelimit"))
	}
	if cfg.Auth.Enabled() {
		verifier, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			return err
		}
		deps.Tokens = verifier
	}

	gw, err := gateway.New(deps, logging.Component("gateway"))
	if err != nil {
		return err
	}
	gw.Register(dispatcher)
	server.SetOnDisconnect(gw.Disconnect)
	server.SetHealthInfo(gw.HealthInfo)

	// --- Supervision ---
	sup := supervisor.New("tripmate-gateway", supervisor.DefaultConfig(), logging.Component("supervisor"))
	sup.Add(server)
	sup.Add(supervisor.Closer{Name: "bus", Close: bus.Close})

	if cfg.Suggest.Enabled {
		places := suggest.NewGoogleClient(cfg.Suggest.Places, logging.Component("places"))
		sched, err := suggest.NewScheduler(chats, stores.Trips, places, bus, cfg.Suggest, logging.Component("suggest"))
		if err != nil {
			return err
		}
		if redisClient != nil {
			sched.WithLock(suggest.NewRedisLock(redisClient))
		}
		sup.Add(sched)
	}

	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Bool("postgres", cfg.Postgres.DSN != "").
		Bool("nats", cfg.NATS.Enabled).
		Bool("ratelimit", deps.Limiter != nil).
		Bool("auth", deps.Tokens != nil).
		Bool("suggest", cfg.Suggest.Enabled).
		Msg("tripmate gateway starting")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("tripmate gateway stopped")
	return nil
}
