package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/config"
	"github.com/quantrail/brokerd/pkg/engine"
	"github.com/quantrail/brokerd/pkg/engine/eventstore"
	"github.com/quantrail/brokerd/pkg/engine/riskrule"
	"github.com/quantrail/brokerd/pkg/engine/store"
	redis_wrapper "github.com/quantrail/brokerd/pkg/infra/redis"
	"github.com/quantrail/brokerd/pkg/logging"
	"github.com/quantrail/brokerd/pkg/research"
	"github.com/quantrail/brokerd/pkg/toolserver"
	"github.com/quantrail/brokerd/pkg/venue"
	alpacavenue "github.com/quantrail/brokerd/pkg/venue/alpaca"
	"github.com/quantrail/brokerd/pkg/venue/fixgw"
	"github.com/quantrail/brokerd/pkg/venue/sim"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}

	configBytes, err := json.MarshalIndent(cfg, "", "   ")
	if err != nil {
		zap.S().Warnf("could not convert config to JSON: %v", err)
	} else {
		zap.S().Debugf("load config %s", string(configBytes))
	}

	log := logging.NewLogger(logging.INFO)
	defer log.Sync() // nolint

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// dedup cache is optional; the engine degrades to in-process dedup
	var dedup *redis.Client
	if cfg.Redis != nil {
		dedup, err = redis_wrapper.InitRedis(cfg.Redis)
		if err != nil {
			log.Fatal(ctx, "init redis fail", zap.Error(err))
		}
	}

	var pub eventstore.Publisher
	if cfg.Nats != nil {
		nc, err := nats.Connect(cfg.Nats.URL)
		if err != nil {
			log.Fatal(ctx, "connect nats fail", zap.Error(err))
		}
		defer nc.Close()
		js, err := nc.JetStream()
		if err != nil {
			log.Fatal(ctx, "jetstream fail", zap.Error(err))
		}
		pub, err = eventstore.NewNatsPublisher(js, cfg.Nats.Stream, cfg.Nats.Subject)
		if err != nil {
			log.Fatal(ctx, "ensure stream fail", zap.Error(err))
		}
	}
	journal := eventstore.NewInMemoryEventStore(pub)

	var rules []riskrule.RiskRule
	if cfg.Engine.MinOrderQty > 0 {
		rules = append(rules, riskrule.NewMinQtyRule(decimal.NewFromFloat(cfg.Engine.MinOrderQty)))
	}
	if cfg.Engine.PriceTick > 0 {
		rules = append(rules, riskrule.NewTickSizeRule(decimal.NewFromFloat(cfg.Engine.PriceTick)))
	}

	e := engine.New(log, store.New(), journal, rules, dedup, engineConfig(cfg.Engine))
	e.StartCleaner(10 * time.Minute)

	sessions := buildSessions(ctx, cfg, log)
	if len(sessions) == 0 {
		log.Fatal(ctx, "no venues configured")
	}
	for _, sess := range sessions {
		e.AddSession(sess)
	}

	drainGrace := cfg.Engine.ReconcileGrace
	if drainGrace <= 0 {
		drainGrace = 2 * time.Second
	}
	for _, sess := range sessions {
		go engine.NewReconciler(e, sess, drainGrace, log).Run(ctx)
	}

	snapshotTTL := cfg.Engine.SnapshotTTL
	if snapshotTTL <= 0 {
		snapshotTTL = time.Minute
	}
	view := engine.NewView(e, journal, snapshotTTL, log)

	var res *research.Service
	if cfg.Venues.Alpaca != nil {
		md := marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.Venues.Alpaca.APIKey,
			APISecret: cfg.Venues.Alpaca.APISecret,
		})
		res = research.NewService(md, log)
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: toolserver.New(e, view, res, log).Router(),
	}
	go func() {
		log.Info(ctx, "tool server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "listen fail", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")

	drain := time.Duration(cfg.Engine.ShutdownDrainSecs) * time.Second
	if drain <= 0 {
		drain = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	e.Stop()
	for _, sess := range sessions {
		if err := sess.Adapter.Close(shutdownCtx); err != nil {
			log.Warn(context.Background(), "close venue fail",
				zap.String("venue", sess.Venue), zap.Error(err))
		}
	}
}

func engineConfig(ec config.EngineConfig) engine.Config {
	cfg := engine.DefaultConfig()
	if ec.MaxSubmitRetries > 0 {
		cfg.MaxSubmitRetries = ec.MaxSubmitRetries
	}
	if ec.Retention > 0 {
		cfg.Retention = ec.Retention
	}
	if ec.DedupTTL > 0 {
		cfg.DedupTTL = ec.DedupTTL
	}
	return cfg
}

func buildSessions(ctx context.Context, cfg *config.AppConfig, log *logging.Logger) []*venue.Session {
	var sessions []*venue.Session
	clientID := 1

	if pc := cfg.Venues.Paper; pc != nil {
		name := pc.Name
		if name == "" {
			name = "paper"
		}
		paper := sim.New(name, decimal.NewFromFloat(pc.StartingCash))
		for symbol, mark := range pc.Marks {
			paper.Mark(symbol, decimal.NewFromFloat(mark))
		}
		sessions = append(sessions, venue.NewSession(name, clientID, paper))
		clientID++
	}

	if ac := cfg.Venues.Alpaca; ac != nil {
		name := ac.Name
		if name == "" {
			name = "alpaca"
		}
		client := alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:    ac.APIKey,
			APISecret: ac.APISecret,
			BaseURL:   ac.BaseURL,
		})
		sessions = append(sessions, venue.NewSession(name, clientID, alpacavenue.New(name, client, log)))
		clientID++
	}

	if fc := cfg.Venues.Fix; fc != nil {
		name := fc.Name
		if name == "" {
			name = "fix"
		}
		gw, err := fixgw.New(fixgw.Config{
			Name:           name,
			ConfigFilepath: fc.ConfigFilepath,
		}, log)
		if err != nil {
			log.Fatal(ctx, "start fix gateway fail", zap.Error(err))
		}
		sessions = append(sessions, venue.NewSession(name, clientID, gw))
		clientID++
	}

	return sessions
}
