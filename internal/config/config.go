package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Env            string `validate:"required"`
	ListenAddr     string `validate:"required"`
	LogLevel       string `validate:"oneof=debug info warn error"`
	DatabaseURL    string
	StorageBackend string        `validate:"oneof=postgres memory"`
	Interval       time.Duration `validate:"gte=0"`
	APIKey         string

	InfluxURL    string `validate:"omitempty,url"`
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	WeaviateURL string `validate:"omitempty,url"`

	MapboxToken   string
	MapboxBaseURL string  `validate:"omitempty,url"`
	RoutingRPS    float64 `validate:"gt=0"`

	SlackWebhookURL    string `validate:"omitempty,url"`
	SlackSigningSecret string
	NotifyURLs         []string

	MQTTBroker string
	MQTTTopic  string

	HITLCostThreshold float64 `validate:"gt=0"`
	PenaltyFactor     float64 `validate:"gte=0,lte=1"`
	RewardFactor      float64 `validate:"gte=0,lte=1"`
}

var defaults = map[string]any{
	"APP_ENV":                 "development",
	"LISTEN_ADDR":             ":8080",
	"LOG_LEVEL":               "info",
	"STORAGE_BACKEND":         "postgres",
	"PIPELINE_INTERVAL":       "6m",
	"INFLUXDB_URL":            "http://localhost:8086",
	"INFLUXDB_ORG":            "aegischain",
	"INFLUXDB_BUCKET":         "supply_chain",
	"MAPBOX_BASE_URL":         "https://api.mapbox.com/directions/v5/mapbox/driving",
	"ROUTING_RPS":             5.0,
	"MQTT_TOPIC":              "aegischain/pipeline",
	"HITL_COST_THRESHOLD_USD": 50000.0,
	"RL_PENALTY_FACTOR":       0.05,
	"RL_REWARD_FACTOR":        0.02,
}

// Load reads configuration from the environment. A missing DATABASE_URL with
// the postgres backend returns a usable Config together with a warning error
// so callers can decide; validation failures are returned the same way.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	cfg := Config{
		Env:                v.GetString("APP_ENV"),
		ListenAddr:         v.GetString("LISTEN_ADDR"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		StorageBackend:     strings.ToLower(v.GetString("STORAGE_BACKEND")),
		Interval:           v.GetDuration("PIPELINE_INTERVAL"),
		APIKey:             v.GetString("AEGIS_API_KEY"),
		InfluxURL:          v.GetString("INFLUXDB_URL"),
		InfluxToken:        v.GetString("INFLUXDB_TOKEN"),
		InfluxOrg:          v.GetString("INFLUXDB_ORG"),
		InfluxBucket:       v.GetString("INFLUXDB_BUCKET"),
		WeaviateURL:        v.GetString("WEAVIATE_URL"),
		MapboxToken:        v.GetString("MAPBOX_ACCESS_TOKEN"),
		MapboxBaseURL:      v.GetString("MAPBOX_BASE_URL"),
		RoutingRPS:         v.GetFloat64("ROUTING_RPS"),
		SlackWebhookURL:    v.GetString("SLACK_WEBHOOK_URL"),
		SlackSigningSecret: v.GetString("SLACK_SIGNING_SECRET"),
		NotifyURLs:         splitList(v.GetString("NOTIFY_URLS")),
		MQTTBroker:         v.GetString("MQTT_BROKER"),
		MQTTTopic:          v.GetString("MQTT_TOPIC"),
		HITLCostThreshold:  v.GetFloat64("HITL_COST_THRESHOLD_USD"),
		PenaltyFactor:      v.GetFloat64("RL_PENALTY_FACTOR"),
		RewardFactor:       v.GetFloat64("RL_REWARD_FACTOR"),
	}

	var errs []error
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.StorageBackend == "postgres" && cfg.DatabaseURL == "" {
		// Not fatal for early local runs; warn via error value so callers can decide.
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	return cfg, errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Logger builds the process logger: text in development, JSON elsewhere.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Env == "development" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With("env", c.Env)
}

func (c Config) String() string {
	return fmt.Sprintf("env=%s listen=%s backend=%s interval=%s", c.Env, c.ListenAddr, c.StorageBackend, c.Interval)
}
