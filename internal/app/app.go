package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"anonbot/core/bootstrap"
	"anonbot/core/buildinfo"
	corecmd "anonbot/core/cmd"
	coretelegram "anonbot/core/telegram"
	"anonbot/core/telegram/router"
	"anonbot/internal/relay"
	"anonbot/internal/relay/store"
	"anonbot/internal/telemetry"

	"github.com/jmoiron/sqlx"
	tele "gopkg.in/telebot.v4"
)

// App holds the wired relay bot.
type App struct {
	cfg    *Config
	db     *sqlx.DB
	store  store.Store
	disp   *relay.Dispatcher
	sentry *telemetry.Sentry
	bot    atomic.Pointer[tele.Bot]
}

// Bootstrap initializes logging, the database, migrations, telemetry, and
// the relay engine.
func Bootstrap(carrier corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
	cfg, ok := carrier.(*Config)
	if !ok {
		return nil, fmt.Errorf("app: unexpected config type %T", carrier)
	}

	res, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg.CoreConfig(),
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}

	sink, err := telemetry.Init(telemetry.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     buildinfo.Version,
	})
	if err != nil {
		_ = res.DB.Close()
		return nil, fmt.Errorf("app: sentry init failed: %w", err)
	}

	st := store.NewPostgres(res.DB)
	states := relay.NewStateManager(cfg.ConversationTTL())
	anon := relay.NewAnonymizer(st, cfg.Relay.TokenLength, cfg.ExchangeTTL())
	disp := relay.NewDispatcher(st, anon, states, sink, relay.DispatcherConfig{
		RetryAttempts: cfg.Relay.RetryAttempts,
	})

	return &App{
		cfg:    cfg,
		db:     res.DB,
		store:  st,
		disp:   disp,
		sentry: sink,
	}, nil
}

// TelegramRunOptions wires handlers, routes and lifecycle hooks.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	reg := coretelegram.NewRegistry()
	h := &handlers{app: a}
	h.register(reg)

	adminID := a.cfg.Core.Telegram.AdminID

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{AdminID: adminID})
	routes = append(routes, router.TextRoutes(h, reg, router.TextOptions{
		UnknownText:  h.onFlowMessage,
		UnknownMedia: h.onFlowMessage,
	})...)
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))

	opts := coretelegram.RunOptions{
		Config:      a.cfg.CoreConfig(),
		Registry:    reg,
		Middlewares: coretelegram.DefaultMiddlewares(a.cfg.CoreConfig(), nil),
		Routes:      routes,
		OnStart: func(_ context.Context, rt coretelegram.Runtime) error {
			a.bot.Store(rt.Bot)
			a.disp.SetLinkBase(fmt.Sprintf("https://t.me/%s?start=", rt.Bot.Me.Username))
			return nil
		},
		OnStop: func(_ context.Context, _ coretelegram.Runtime) error {
			a.sentry.Close(2 * time.Second)
			return a.db.Close()
		},
	}
	return opts, nil
}
