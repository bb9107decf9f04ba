package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesTokenServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "TOKEN_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "TOKEN_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_CatalogKeyFallsBackToInternalKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "shared-key")
	unsetEnvWithCleanup(t, "CATALOG_SERVICE_INTERNAL_API_KEY")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CatalogServiceAPIKey != "shared-key" {
		t.Fatalf("expected catalog key to fall back to internal key, got %q", cfg.CatalogServiceAPIKey)
	}
}

func TestLoadConfig_DefaultsAndCoercions(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "DEFAULT_CURRENCY")
	unsetEnvWithCleanup(t, "PURCHASE_RATE_LIMIT_PER_MINUTE")
	unsetEnvWithCleanup(t, "RECONCILE_BATCH_LIMIT")
	unsetEnvWithCleanup(t, "PAYMENT_EVENT_QUEUE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultCurrency != "USD" {
		t.Fatalf("expected default currency USD, got %q", cfg.DefaultCurrency)
	}
	if cfg.PurchaseRateLimitPerMinute != 10 {
		t.Fatalf("expected default purchase rate limit 10, got %d", cfg.PurchaseRateLimitPerMinute)
	}
	if cfg.ReconcileBatchLimit != 100 {
		t.Fatalf("expected default reconcile batch limit 100, got %d", cfg.ReconcileBatchLimit)
	}
	if cfg.PaymentEventQueue != "token_service.payment_updates" {
		t.Fatalf("expected default payment event queue, got %q", cfg.PaymentEventQueue)
	}
}

func TestLoadConfig_LowercaseCurrencyIsNormalized(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_CURRENCY", "eur")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultCurrency != "EUR" {
		t.Fatalf("expected currency normalized to EUR, got %q", cfg.DefaultCurrency)
	}
}

func TestLoadConfig_NegativeRateLimitDisablesLimiter(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PURCHASE_RATE_LIMIT_PER_MINUTE", "-5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PurchaseRateLimitPerMinute != 0 {
		t.Fatalf("expected negative rate limit coerced to 0, got %d", cfg.PurchaseRateLimitPerMinute)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
