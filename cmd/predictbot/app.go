package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/predictbot/config"
	"github.com/alejandrodnm/predictbot/internal/adapters/economy"
	"github.com/alejandrodnm/predictbot/internal/adapters/notify"
	redisbus "github.com/alejandrodnm/predictbot/internal/adapters/redis"
	"github.com/alejandrodnm/predictbot/internal/adapters/storage"
	"github.com/alejandrodnm/predictbot/internal/adapters/ws"
	"github.com/alejandrodnm/predictbot/internal/application/market"
	"github.com/alejandrodnm/predictbot/internal/application/wallet"
	"github.com/alejandrodnm/predictbot/internal/ports"
	"github.com/shopspring/decimal"
)

// app agrupa las dependencias construidas a partir de la configuración.
type app struct {
	cfg      *config.Config
	store    *storage.SQLiteStorage
	registry *economy.Registry
	console  *notify.Console
	markets  *market.Service
	wallet   *wallet.Service
	redis    *redisbus.Client // nil sin Redis
	events   *redisbus.Events // nil sin Redis
	hub      *ws.Hub          // solo en serve
}

func newApp(ctx context.Context, cfg *config.Config, serve bool) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, console: notify.NewConsole()}

	a.registry, err = buildEconomies(cfg.Economies, store)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.buildNotifier()
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker ports.Locker
	if cfg.Redis.Addr != "" {
		a.redis, err = redisbus.New(ctx, redisbus.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = redisbus.NewLocker(a.redis)
		a.events = redisbus.NewEvents(a.redis)
	}
	if serve {
		a.hub = ws.NewHub()
	}

	// con Redis los eventos pasan por el bus para llegar al hub de serve
	// aunque los emita otro proceso
	var publisher ports.EventPublisher
	switch {
	case a.events != nil:
		publisher = a.events
	case a.hub != nil:
		publisher = a.hub
	default:
		publisher = a.console
	}

	a.markets = market.New(market.Config{
		InitialLiquidity: decimal.NewFromInt(cfg.Market.InitialLiquidity),
		MinBet:           cfg.Market.MinBet,
		MaxBet:           cfg.Market.MaxBet,
		QuotePoints:      cfg.Market.QuotePoints,
		RefundGrace:      cfg.RefundGrace(),
		Admins:           cfg.Market.Admins,
		DefaultEconomy:   cfg.Market.DefaultEconomy,
		NotifyWorkers:    cfg.Market.NotifyWorkers,
	}, store, a.registry, notifier, publisher)
	if locker != nil {
		a.markets.SetLocker(locker)
	}
	a.wallet = wallet.New(store, a.registry, cfg.Market.DefaultEconomy)

	slog.Debug("app ready",
		"dsn", cfg.Storage.DSN,
		"economies", a.registry.Names(),
		"redis", cfg.Redis.Addr != "",
		"serve", serve,
	)
	return a, nil
}

func buildEconomies(cfgs []config.EconomyConfig, ledger ports.Ledger) (*economy.Registry, error) {
	reg := economy.NewRegistry()
	for _, e := range cfgs {
		switch e.Kind {
		case config.EconomyLocal:
			reg.Register(economy.NewLocal(e.Name, ledger))
		case config.EconomyRemote:
			reg.Register(economy.NewRemote(economy.RemoteConfig{
				Name:       e.Name,
				BaseURL:    e.BaseURL,
				Realm:      e.Realm,
				APIKey:     e.APIKey,
				RatePerSec: e.RatePerSec,
			}))
		default:
			return nil, fmt.Errorf("economy %q: unknown kind %q", e.Name, e.Kind)
		}
	}
	return reg, nil
}

func (a *app) buildNotifier() (ports.Notifier, error) {
	var senders []ports.Notifier
	if a.cfg.Notify.Console {
		senders = append(senders, a.console)
	}
	if token := a.cfg.Notify.Telegram.Token; token != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:      token,
			MaxRetries: a.cfg.Notify.Telegram.MaxRetries,
			RetryWait:  time.Second,
		})
		if err != nil {
			return nil, err
		}
		senders = append(senders, tg)
	}
	return notify.NewMulti(senders...), nil
}

// Close libera Redis y la base de datos.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("storage close failed", "err", err)
	}
}
