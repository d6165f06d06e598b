package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("PORT", "")
	t.Setenv("STORE_DRIVER", "")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8090" {
		t.Fatalf("expected default port 8090, got %q", cfg.ServerPort)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
	if cfg.ProviderReadMaxAttempts != 3 {
		t.Fatalf("expected 3 provider read attempts, got %d", cfg.ProviderReadMaxAttempts)
	}
}

func TestLoadConfig_WebhookSecretFallsBackToAppSecret(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("PAYMENT_PROVIDER_APP_SECRET", "app-secret")
	t.Setenv("PAYMENT_PROVIDER_WEBHOOK_SECRET", "")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ProviderWebhookSecret != "app-secret" {
		t.Fatalf("expected webhook secret to fall back to app secret, got %q", cfg.ProviderWebhookSecret)
	}
}

func TestLoadConfig_ClampsOutOfRangeValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("PAYMENT_PROVIDER_TIMEOUT_SECONDS", "900")
	t.Setenv("PAYMENT_PROVIDER_READ_MAX_ATTEMPTS", "40")
	t.Setenv("BALANCE_CACHE_TTL_SECONDS", "-3")
	t.Setenv("STORE_DRIVER", "sqlite")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ProviderTimeoutSeconds != 120 {
		t.Fatalf("expected timeout capped at 120, got %d", cfg.ProviderTimeoutSeconds)
	}
	if cfg.ProviderReadMaxAttempts != 5 {
		t.Fatalf("expected read attempts capped at 5, got %d", cfg.ProviderReadMaxAttempts)
	}
	if cfg.BalanceCacheTTLSeconds != 0 {
		t.Fatalf("expected negative cache ttl coerced to 0, got %d", cfg.BalanceCacheTTLSeconds)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected unknown driver replaced by postgres, got %q", cfg.StoreDriver)
	}
	if len(cfg.Warnings) < 3 {
		t.Fatalf("expected coercion warnings, got %v", cfg.Warnings)
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	content := "SERVER_PORT=9911\nSTORE_DRIVER=memory\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9911" || cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected values from .env, got port=%q driver=%q", cfg.ServerPort, cfg.StoreDriver)
	}
}

func TestLoadEconomySettings_DefaultsAreValid(t *testing.T) {
	store, err := LoadEconomySettings("", nil)
	if err != nil {
		t.Fatalf("LoadEconomySettings returned error: %v", err)
	}
	s := store.Current()
	if s.TipBurnPercentage != 10 {
		t.Fatalf("expected default burn 10, got %d", s.TipBurnPercentage)
	}
	if s.VaultMinLockDuration != 24*time.Hour {
		t.Fatalf("expected 24h minimum lock, got %s", s.VaultMinLockDuration)
	}
}

func TestLoadEconomySettings_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "economy.yaml")
	yaml := "tip:\n  burn_percentage: 25\n  cooldown: 1m\ncurrencies: [usdt, btc]\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}
	t.Setenv("ECONOMY_RAIN_MAX_RECIPIENTS", "7")

	store, err := LoadEconomySettings(file, nil)
	if err != nil {
		t.Fatalf("LoadEconomySettings returned error: %v", err)
	}
	s := store.Current()
	if s.TipBurnPercentage != 25 || s.TipCooldown != time.Minute {
		t.Fatalf("expected file values, got burn=%d cooldown=%s", s.TipBurnPercentage, s.TipCooldown)
	}
	if s.RainMaxRecipients != 7 {
		t.Fatalf("expected env override of rain recipients, got %d", s.RainMaxRecipients)
	}
	if !s.SupportsCurrency("USDT") || s.SupportsCurrency("DOGE") {
		t.Fatalf("unexpected currency support: %v", s.SupportedCurrencies)
	}
}

func TestSettingsStore_ReloadKeepsLastValidSnapshot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "economy.yaml")
	if err := os.WriteFile(file, []byte("tip:\n  burn_percentage: 10\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := LoadEconomySettings(file, nil)
	if err != nil {
		t.Fatalf("LoadEconomySettings returned error: %v", err)
	}

	if err := os.WriteFile(file, []byte("vault:\n  min_lock: 1h\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.reload(); err == nil {
		t.Fatal("expected reload to reject a vault lock below 24h")
	}
	if got := store.Current(); got.TipBurnPercentage != 10 || got.VaultMinLockDuration != 24*time.Hour {
		t.Fatalf("expected previous snapshot to stay active, got burn=%d min_lock=%s", got.TipBurnPercentage, got.VaultMinLockDuration)
	}

	if err := os.WriteFile(file, []byte("tip:\n  burn_percentage: 30\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.reload(); err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	if got := store.Current().TipBurnPercentage; got != 30 {
		t.Fatalf("expected reloaded burn percentage 30, got %d", got)
	}
}

func TestEconomySettings_ValidateRejectsShortVaultLock(t *testing.T) {
	s := DefaultEconomySettings()
	s.VaultMinLockDuration = time.Hour
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for vault lock below 24h")
	}

	store := NewStaticSettings(DefaultEconomySettings())
	if err := store.Replace(s); err == nil {
		t.Fatal("expected Replace to reject invalid snapshot")
	}
	if store.Current().VaultMinLockDuration != 24*time.Hour {
		t.Fatal("expected previous snapshot to stay active")
	}
}
