// Package config reads the process configuration from the environment.
// Secrets and prompt content live in the parameter store, not here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"commerce-agent/internal/admission"
	"commerce-agent/internal/debounce"
	"commerce-agent/internal/domain"
)

type Config struct {
	StateTable      string
	ParamPrefix     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ProcessQueueURL string
	OrderSource     domain.OrderSource

	BatchTTL       time.Duration
	LockTTL        time.Duration
	QuietPeriod    time.Duration
	BurstThreshold int
	HistoryWindow  int
	PromptHistory  int
	Limits         admission.Limits
	CatalogTTL     time.Duration
	ParamCacheTTL  time.Duration

	DeliveryBasePrice float64
	DeliveryPerKM     float64
	ShopLat           float64
	ShopLon           float64

	SendRate float64
}

// Load reads the configuration. Every missing required variable is reported
// in the returned error.
func Load() (Config, error) {
	var missing []string
	must := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	c := Config{
		StateTable:      must("STATE_TABLE"),
		ParamPrefix:     must("PARAM_PREFIX"),
		RedisAddr:       must("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         envInt("REDIS_DB", 0),
		ProcessQueueURL: must("PROCESS_QUEUE_URL"),
		OrderSource:     domain.OrderSource(envString("ORDER_SOURCE", string(domain.SourceMessenger))),

		BatchTTL:       envDuration("BATCH_TTL", 60*time.Second),
		LockTTL:        envDuration("LOCK_TTL", 30*time.Second),
		QuietPeriod:    envDuration("QUIET_PERIOD", debounce.DefaultQuietPeriod),
		BurstThreshold: envInt("BURST_THRESHOLD", debounce.DefaultBurstThreshold),
		HistoryWindow:  envInt("HISTORY_WINDOW", 40),
		PromptHistory:  envInt("PROMPT_HISTORY", 20),
		Limits: admission.Limits{
			Hourly:        envInt("HOURLY_LIMIT", admission.DefaultLimits.Hourly),
			Daily:         envInt("DAILY_LIMIT", admission.DefaultLimits.Daily),
			BreakerLimit:  envInt("BREAKER_LIMIT", admission.DefaultLimits.BreakerLimit),
			BreakerWindow: envDuration("BREAKER_WINDOW", admission.DefaultLimits.BreakerWindow),
		},
		CatalogTTL:    envDuration("CATALOG_TTL", 5*time.Minute),
		ParamCacheTTL: envDuration("PARAM_CACHE_TTL", 5*time.Minute),

		DeliveryBasePrice: envFloat("DELIVERY_BASE_PRICE", 5),
		DeliveryPerKM:     envFloat("DELIVERY_PER_KM", 1),
		ShopLat:           envFloat("SHOP_LAT", 41.7151),
		ShopLon:           envFloat("SHOP_LON", 44.8271),

		SendRate: envFloat("SEND_RATE", 20),
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}
	if _, err := c.OrderSource.Prefix(); err != nil {
		return Config{}, fmt.Errorf("config: ORDER_SOURCE: %w", err)
	}
	return c, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration accepts Go durations ("1500ms") or plain seconds ("60").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return def
}
