package config

import (
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	postgres_wrapper "github.com/quantrail/brokerd/pkg/infra/postgres"
	redis_wrapper "github.com/quantrail/brokerd/pkg/infra/redis"
)

type AppConfig struct {
	ServiceName string `yaml:"service_name"`
	ListenAddr  string `yaml:"listen_addr"`

	OrderDB *postgres_wrapper.PostgresConfig `yaml:"order_db"`
	Redis   *redis_wrapper.RedisConfig       `yaml:"redis"`
	Nats    *NatsConfig                      `yaml:"nats"`

	Venues VenuesConfig `yaml:"venues"`
	Engine EngineConfig `yaml:"engine"`
}

type NatsConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	Durable string `yaml:"durable"`
}

type VenuesConfig struct {
	Paper  *PaperVenueConfig  `yaml:"paper"`
	Alpaca *AlpacaVenueConfig `yaml:"alpaca"`
	Fix    *FixVenueConfig    `yaml:"fix"`
}

type PaperVenueConfig struct {
	Name         string             `yaml:"name"`
	StartingCash float64            `yaml:"starting_cash"`
	Marks        map[string]float64 `yaml:"marks"`
}

type AlpacaVenueConfig struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

type FixVenueConfig struct {
	Name           string `yaml:"name"`
	ConfigFilepath string `yaml:"config_filepath"`
}

type EngineConfig struct {
	MaxSubmitRetries  uint64        `yaml:"max_submit_retries"`
	Retention         time.Duration `yaml:"retention"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	SnapshotTTL       time.Duration `yaml:"snapshot_ttl"`
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`
	MinOrderQty       float64       `yaml:"min_order_qty"`
	PriceTick         float64       `yaml:"price_tick"`
	ShutdownDrainSecs int           `yaml:"shutdown_drain_secs"`
}

// Load load config from file and environment variables.
func Load(filePath string) (*AppConfig, error) {
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	fields := []interface{}{
		"func",
		"config.readFromFile",
		"filePath",
		filePath,
	}

	sugar := zap.S().With(fields...)

	sugar.Debug("Load config...")
	zap.S().Debugf("CONFIG_FILE=%v", filePath)

	configBytes, err := os.ReadFile(filePath)
	if err != nil {
		sugar.Error("Failed to load config file")
		return nil, err
	}
	configBytes = []byte(os.ExpandEnv(string(configBytes)))

	cfg := &AppConfig{}

	err = yaml.Unmarshal(configBytes, cfg)
	if err != nil {
		sugar.Error("Failed to parse config file")
		return nil, err
	}

	zap.S().Debugf("config: %+v", cfg)

	return cfg, nil
}
