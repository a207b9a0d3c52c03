package main

import (
	"context"
	"encoding/json"
	"flag"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quantrail/brokerd/config"
	"github.com/quantrail/brokerd/pkg/engine/repo"
	"github.com/quantrail/brokerd/pkg/engine/worker"
	postgres_wrapper "github.com/quantrail/brokerd/pkg/infra/postgres"
	"github.com/quantrail/brokerd/pkg/logging"
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

	ctx := context.Background()

	nc, err := nats.Connect(cfg.Nats.URL)
	if err != nil {
		zap.S().Errorf("connect nats fail with err: %v", err)
		panic(err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		zap.S().Errorf("jetstream fail with err: %v", err)
		panic(err)
	}

	// Ensure stream
	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Nats.Stream,
		Subjects: []string{cfg.Nats.Stream + ".*"},
	})

	// init db
	db, err := postgres_wrapper.InitPostgres(cfg.OrderDB)
	if err != nil {
		zap.S().Errorf("init db fail with err: %v", err)
		panic(err)
	}

	sqlRepo := repo.NewRepo(db)

	w := worker.NewWorker(sqlRepo, log)
	if err := w.StartConsumer(ctx, js, cfg.Nats.Subject, cfg.Nats.Durable); err != nil {
		zap.S().Errorf("consumer stopped with err: %v", err)
	}
}
