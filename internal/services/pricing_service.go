package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/models"
)

// ErrConfigUnavailable means no price config could be read for an operation.
// PricingEngine recovers from it with the fallback cost.
var ErrConfigUnavailable = errors.New("pricing config unavailable")

type PriceConfigSource interface {
	GetPriceConfig(ctx context.Context, operation string) (*models.PriceConfig, error)
}

// PostgresPriceConfigSource reads the externally administered credit_configs table.
type PostgresPriceConfigSource struct {
	db *sql.DB
}

func NewPostgresPriceConfigSource(db *sql.DB) *PostgresPriceConfigSource {
	return &PostgresPriceConfigSource{db: db}
}

func (s *PostgresPriceConfigSource) GetPriceConfig(ctx context.Context, operation string) (*models.PriceConfig, error) {
	var (
		cfg = models.PriceConfig{Operation: operation}
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT base_cost, additional_params
		FROM credit_configs
		WHERE operation = $1`, operation).Scan(&cfg.BaseCost, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no config for %s", ErrConfigUnavailable, operation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	cfg.AdditionalParams = map[string]int64{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg.AdditionalParams); err != nil {
			return nil, fmt.Errorf("%w: additional_params: %v", ErrConfigUnavailable, err)
		}
	}
	return &cfg, nil
}

// CachedPriceConfigSource keeps price configs in Redis for ttl. Redis errors fall
// through to the wrapped source.
type CachedPriceConfigSource struct {
	next  PriceConfigSource
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedPriceConfigSource(next PriceConfigSource, redisClient *redis.Client, ttl time.Duration) *CachedPriceConfigSource {
	return &CachedPriceConfigSource{next: next, redis: redisClient, ttl: ttl}
}

func (s *CachedPriceConfigSource) GetPriceConfig(ctx context.Context, operation string) (*models.PriceConfig, error) {
	if s.redis == nil {
		return s.next.GetPriceConfig(ctx, operation)
	}

	key := fmt.Sprintf("pricing:config:%s", operation)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == nil {
		var cfg models.PriceConfig
		if jerr := json.Unmarshal(data, &cfg); jerr == nil {
			return &cfg, nil
		}
	} else if err != redis.Nil {
		logrus.WithError(err).WithField("operation", operation).Warn("[PRICING] Cache read failed")
	}

	cfg, err := s.next.GetPriceConfig(ctx, operation)
	if err != nil {
		return nil, err
	}

	if payload, jerr := json.Marshal(cfg); jerr == nil {
		if serr := s.redis.Set(ctx, key, payload, s.ttl).Err(); serr != nil {
			logrus.WithError(serr).WithField("operation", operation).Warn("[PRICING] Cache write failed")
		}
	}
	return cfg, nil
}

// PricingEngine turns an operation and its request parameters into a credit cost.
//
// Cost is base_cost plus, for every truthy parameter whose billable key appears in
// additional_params, the per-key cost times the units the parameter asks for.
// Flags and tiers are one unit; a number is its own unit count, so numSamples 3
// bills extra_sample three times.
//
// Billable keys: a parameter's own name, renamed through the alias table
// (numSamples -> extra_sample by default). A string value selects a tier and
// bills "<value>_<suffix>" (quality "high" -> "high_image"), then "<value>".
type PricingEngine struct {
	source       PriceConfigSource
	fallbackCost int64
	tierSuffix   string
	aliases      map[string]string
}

func NewPricingEngine(source PriceConfigSource, cfg *config.PricingConfig) *PricingEngine {
	aliases := cfg.Aliases
	if aliases == nil {
		aliases = map[string]string{}
	}
	return &PricingEngine{
		source:       source,
		fallbackCost: cfg.FallbackCost,
		tierSuffix:   cfg.TierSuffix,
		aliases:      aliases,
	}
}

func (e *PricingEngine) ComputeCost(ctx context.Context, operation string, params map[string]any) int64 {
	cfg, err := e.source.GetPriceConfig(ctx, operation)
	if err != nil || cfg == nil {
		logrus.WithFields(logrus.Fields{
			"operation": operation,
			"fallback":  e.fallbackCost,
			"error":     err,
		}).Warn("[PRICING] Config unavailable, using fallback cost")
		return e.fallbackCost
	}
	return e.cost(cfg, params)
}

func (e *PricingEngine) cost(cfg *models.PriceConfig, params map[string]any) int64 {
	total := cfg.BaseCost
	for name, value := range params {
		units, truthy := paramUnits(value)
		if !truthy {
			continue
		}
		unitCost, ok := e.lookup(cfg.AdditionalParams, name, value)
		if !ok {
			continue
		}
		total += int64(math.Ceil(float64(unitCost) * units))
	}
	return total
}

func (e *PricingEngine) lookup(additional map[string]int64, name string, value any) (int64, bool) {
	var candidates []string
	if tier, ok := value.(string); ok {
		if e.tierSuffix != "" {
			candidates = append(candidates, tier+"_"+e.tierSuffix)
		}
		candidates = append(candidates, tier)
	} else {
		if alias, ok := e.aliases[name]; ok {
			candidates = append(candidates, alias)
		}
		candidates = append(candidates, name)
	}

	for _, key := range candidates {
		if cost, ok := additional[key]; ok {
			return cost, true
		}
	}
	return 0, false
}

// paramUnits reports whether a parameter is truthy and, for numbers, how many units it asks for.
// Flags and tiers count as one unit.
func paramUnits(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		return 1, v
	case string:
		return 1, v != ""
	case int:
		return float64(v), v > 0
	case int32:
		return float64(v), v > 0
	case int64:
		return float64(v), v > 0
	case float32:
		return float64(v), v > 0
	case float64:
		return v, v > 0
	case json.Number:
		f, err := v.Float64()
		return f, err == nil && f > 0
	default:
		return 0, false
	}
}
