package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type GenerationConfig struct {
	// DevMode forces low image quality and skips the daily rate limit. Billing still applies.
	DevMode           bool
	MaxImageSize      int64
	MaxImages         int
	MaxSamples        int
	MaxRequestsPerDay int
	DefaultQuality    string
}

type PricingConfig struct {
	FallbackCost int64
	CacheTTL     time.Duration
	TierSuffix   string
	Aliases      map[string]string
}

type PaymentsConfig struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
	WebhookSkew   time.Duration
	Plans         map[string]int64 // provider product id -> credits
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ImageModel  string
	PromptModel string
	Timeout     time.Duration
}

type StorageConfig struct {
	Root          string
	PublicBaseURL string
}

type ReconcileConfig struct {
	StaleAfter time.Duration
}

func LoadGenerationConfig() *GenerationConfig {
	viper.SetDefault("app.dev_mode", false)
	viper.SetDefault("generation.max_image_size", 5*1024*1024)
	viper.SetDefault("generation.max_images", 4)
	viper.SetDefault("generation.max_samples", 5)
	viper.SetDefault("generation.max_requests_per_day", 20)
	viper.SetDefault("generation.default_quality", "medium")

	return &GenerationConfig{
		DevMode:           viper.GetBool("app.dev_mode"),
		MaxImageSize:      viper.GetInt64("generation.max_image_size"),
		MaxImages:         viper.GetInt("generation.max_images"),
		MaxSamples:        viper.GetInt("generation.max_samples"),
		MaxRequestsPerDay: viper.GetInt("generation.max_requests_per_day"),
		DefaultQuality:    viper.GetString("generation.default_quality"),
	}
}

func LoadPricingConfig() *PricingConfig {
	viper.SetDefault("pricing.fallback_cost", 2)
	viper.SetDefault("pricing.cache_ttl", 5*time.Minute)
	viper.SetDefault("pricing.tier_suffix", "image")
	viper.SetDefault("pricing.aliases", "numSamples:extra_sample,num_samples:extra_sample")

	return &PricingConfig{
		FallbackCost: viper.GetInt64("pricing.fallback_cost"),
		CacheTTL:     viper.GetDuration("pricing.cache_ttl"),
		TierSuffix:   viper.GetString("pricing.tier_suffix"),
		Aliases:      ParseStringMap(viper.GetString("pricing.aliases")),
	}
}

func LoadPaymentsConfig() *PaymentsConfig {
	viper.SetDefault("payments.base_url", "https://test.dodopayments.com")
	viper.SetDefault("payments.webhook_skew", 5*time.Minute)
	viper.SetDefault("payments.plans", "")

	return &PaymentsConfig{
		APIKey:        viper.GetString("payments.api_key"),
		BaseURL:       viper.GetString("payments.base_url"),
		WebhookSecret: viper.GetString("payments.webhook_secret"),
		WebhookSkew:   viper.GetDuration("payments.webhook_skew"),
		Plans:         ParsePlans(viper.GetString("payments.plans")),
	}
}

func LoadOpenAIConfig() *OpenAIConfig {
	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.image_model", "gpt-image-1")
	viper.SetDefault("openai.prompt_model", "gpt-4o-mini")
	viper.SetDefault("openai.timeout", 3*time.Minute)

	return &OpenAIConfig{
		APIKey:      viper.GetString("openai.api_key"),
		BaseURL:     viper.GetString("openai.base_url"),
		ImageModel:  viper.GetString("openai.image_model"),
		PromptModel: viper.GetString("openai.prompt_model"),
		Timeout:     viper.GetDuration("openai.timeout"),
	}
}

func LoadStorageConfig() *StorageConfig {
	viper.SetDefault("storage.root", "./data/ads")
	viper.SetDefault("storage.public_base_url", "http://localhost:8080/static/ads")

	return &StorageConfig{
		Root:          viper.GetString("storage.root"),
		PublicBaseURL: strings.TrimRight(viper.GetString("storage.public_base_url"), "/"),
	}
}

func LoadReconcileConfig() *ReconcileConfig {
	viper.SetDefault("reconcile.stale_after", 15*time.Minute)

	return &ReconcileConfig{
		StaleAfter: viper.GetDuration("reconcile.stale_after"),
	}
}

// ParsePlans reads "product:credits,product:credits". Malformed pairs are skipped.
func ParsePlans(raw string) map[string]int64 {
	plans := make(map[string]int64)
	for key, val := range ParseStringMap(raw) {
		if credits, err := strconv.ParseInt(val, 10, 64); err == nil && credits > 0 {
			plans[key] = credits
		}
	}
	return plans
}

// ParseStringMap reads "key:value,key:value".
func ParseStringMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || val == "" {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out
}
