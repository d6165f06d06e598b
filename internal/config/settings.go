/**
 * @description
 * Economy settings are the platform rules the ledger enforces but does not own:
 * tip and rain bounds, burn percentage, cooldowns, vault and withdrawal limits.
 * They are read from an optional yaml file plus ECONOMY_* environment overrides,
 * validated into an immutable snapshot, and swapped atomically when the file
 * changes. Operations take one snapshot at their start and use it throughout.
 *
 * @dependencies
 * - github.com/spf13/viper, github.com/fsnotify/fsnotify: Loading and file watching.
 * - github.com/shopspring/decimal: Token USD price.
 */

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EconomySettings is an immutable snapshot of the economy rules.
type EconomySettings struct {
	TipMinAmount             int64
	TipMaxAmount             int64
	TipBurnPercentage        int64
	TipCooldown              time.Duration
	RainMinAmount            int64
	RainMaxAmount            int64
	RainMaxRecipients        int
	RainCooldown             time.Duration
	RainActivityWindow       time.Duration
	ModeratorsBypassCooldown bool
	AdminsBypassCooldown     bool
	VaultMinLockDuration     time.Duration
	VaultMaxLockDuration     time.Duration
	VaultAutoRelease         bool
	WithdrawalMinAmount      int64
	WithdrawalMaxAmount      int64
	WithdrawalFee            int64
	WithdrawalAutoSubmitMax  int64
	SupportedCurrencies      []string
	TokenScale               int64
	TokenUSDPrice            decimal.Decimal
	PurchaseOrderTTL         time.Duration
}

// DefaultEconomySettings returns the rules used when nothing is configured.
func DefaultEconomySettings() EconomySettings {
	return EconomySettings{
		TipMinAmount:             100,
		TipMaxAmount:             1_000_000,
		TipBurnPercentage:        10,
		TipCooldown:              30 * time.Second,
		RainMinAmount:            300,
		RainMaxAmount:            5_000_000,
		RainMaxRecipients:        15,
		RainCooldown:             5 * time.Minute,
		RainActivityWindow:       15 * time.Minute,
		ModeratorsBypassCooldown: true,
		AdminsBypassCooldown:     true,
		VaultMinLockDuration:     24 * time.Hour,
		VaultMaxLockDuration:     365 * 24 * time.Hour,
		WithdrawalMinAmount:      1_000,
		WithdrawalMaxAmount:      10_000_000,
		WithdrawalFee:            100,
		WithdrawalAutoSubmitMax:  0,
		SupportedCurrencies:      []string{"USDT", "USDC", "BTC", "ETH", "SOL"},
		TokenScale:               100,
		TokenUSDPrice:            decimal.RequireFromString("0.10"),
		PurchaseOrderTTL:         time.Hour,
	}
}

// SupportsCurrency reports whether deposits and withdrawals accept currency.
func (s EconomySettings) SupportsCurrency(currency string) bool {
	for _, c := range s.SupportedCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// CooldownBypassed reports whether the role skips tip and rain cooldowns.
func (s EconomySettings) CooldownBypassed(isModerator, isAdmin bool) bool {
	return (isAdmin && s.AdminsBypassCooldown) || (isModerator && s.ModeratorsBypassCooldown)
}

// Validate rejects inconsistent snapshots.
func (s EconomySettings) Validate() error {
	var errs []error
	if s.TipMinAmount <= 0 || s.TipMaxAmount < s.TipMinAmount {
		errs = append(errs, fmt.Errorf("tip bounds invalid: min=%d max=%d", s.TipMinAmount, s.TipMaxAmount))
	}
	if s.TipBurnPercentage < 0 || s.TipBurnPercentage > 100 {
		errs = append(errs, fmt.Errorf("tip burn percentage out of range: %d", s.TipBurnPercentage))
	}
	if s.RainMinAmount <= 0 || s.RainMaxAmount < s.RainMinAmount {
		errs = append(errs, fmt.Errorf("rain bounds invalid: min=%d max=%d", s.RainMinAmount, s.RainMaxAmount))
	}
	if s.RainMaxRecipients <= 0 {
		errs = append(errs, fmt.Errorf("rain max recipients must be positive: %d", s.RainMaxRecipients))
	}
	if s.TipCooldown < 0 || s.RainCooldown < 0 || s.RainActivityWindow <= 0 {
		errs = append(errs, errors.New("cooldowns must be non-negative and activity window positive"))
	}
	if s.VaultMinLockDuration < 24*time.Hour {
		errs = append(errs, fmt.Errorf("vault minimum lock below 24h: %s", s.VaultMinLockDuration))
	}
	if s.VaultMaxLockDuration != 0 && s.VaultMaxLockDuration < s.VaultMinLockDuration {
		errs = append(errs, fmt.Errorf("vault maximum lock below minimum: %s", s.VaultMaxLockDuration))
	}
	if s.WithdrawalMinAmount <= 0 || s.WithdrawalMaxAmount < s.WithdrawalMinAmount {
		errs = append(errs, fmt.Errorf("withdrawal bounds invalid: min=%d max=%d", s.WithdrawalMinAmount, s.WithdrawalMaxAmount))
	}
	if s.WithdrawalFee < 0 || s.WithdrawalAutoSubmitMax < 0 {
		errs = append(errs, errors.New("withdrawal fee and auto-submit limit must be non-negative"))
	}
	if len(s.SupportedCurrencies) == 0 {
		errs = append(errs, errors.New("at least one supported currency is required"))
	}
	if s.TokenScale <= 0 {
		errs = append(errs, fmt.Errorf("token scale must be positive: %d", s.TokenScale))
	}
	if !s.TokenUSDPrice.IsPositive() {
		errs = append(errs, fmt.Errorf("token usd price must be positive: %s", s.TokenUSDPrice))
	}
	if s.PurchaseOrderTTL <= 0 {
		errs = append(errs, errors.New("purchase order ttl must be positive"))
	}
	return errors.Join(errs...)
}

// SettingsStore serves the current economy snapshot.
type SettingsStore struct {
	current atomic.Pointer[EconomySettings]
	v       *viper.Viper
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewStaticSettings returns a store that always serves s. Used by tests and tools.
func NewStaticSettings(s EconomySettings) *SettingsStore {
	store := &SettingsStore{logger: zap.NewNop()}
	store.current.Store(&s)
	return store
}

// LoadEconomySettings builds the initial snapshot from file (optional) and environment.
func LoadEconomySettings(file string, logger *zap.Logger) (*SettingsStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	setEconomyDefaults(v)
	v.SetEnvPrefix("ECONOMY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read economy settings %s: %w", file, err)
		}
	}

	settings, err := decodeEconomySettings(v)
	if err != nil {
		return nil, err
	}

	store := &SettingsStore{v: v, logger: logger.Named("settings")}
	if err := store.Replace(settings); err != nil {
		return nil, err
	}
	return store, nil
}

// Current returns the active snapshot.
func (s *SettingsStore) Current() EconomySettings {
	return *s.current.Load()
}

// Replace validates and installs a new snapshot.
func (s *SettingsStore) Replace(settings EconomySettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.current.Store(&settings)
	return nil
}

// Watch reloads the snapshot whenever the settings file changes. Invalid
// edits are logged and the previous snapshot stays active.
func (s *SettingsStore) Watch() {
	if s.v == nil || s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.reload(); err != nil {
			s.logger.Warn("economy settings reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		s.logger.Info("economy settings reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
	})
	s.v.WatchConfig()
}

// reload re-reads the settings file and installs it through Replace.
func (s *SettingsStore) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read economy settings: %w", err)
	}
	next, err := decodeEconomySettings(s.v)
	if err != nil {
		return err
	}
	return s.Replace(next)
}

func setEconomyDefaults(v *viper.Viper) {
	d := DefaultEconomySettings()
	v.SetDefault("tip.min_amount", d.TipMinAmount)
	v.SetDefault("tip.max_amount", d.TipMaxAmount)
	v.SetDefault("tip.burn_percentage", d.TipBurnPercentage)
	v.SetDefault("tip.cooldown", d.TipCooldown.String())
	v.SetDefault("rain.min_amount", d.RainMinAmount)
	v.SetDefault("rain.max_amount", d.RainMaxAmount)
	v.SetDefault("rain.max_recipients", d.RainMaxRecipients)
	v.SetDefault("rain.cooldown", d.RainCooldown.String())
	v.SetDefault("rain.activity_window", d.RainActivityWindow.String())
	v.SetDefault("cooldown.moderators_bypass", d.ModeratorsBypassCooldown)
	v.SetDefault("cooldown.admins_bypass", d.AdminsBypassCooldown)
	v.SetDefault("vault.min_lock", d.VaultMinLockDuration.String())
	v.SetDefault("vault.max_lock", d.VaultMaxLockDuration.String())
	v.SetDefault("vault.auto_release", d.VaultAutoRelease)
	v.SetDefault("withdrawal.min_amount", d.WithdrawalMinAmount)
	v.SetDefault("withdrawal.max_amount", d.WithdrawalMaxAmount)
	v.SetDefault("withdrawal.fee", d.WithdrawalFee)
	v.SetDefault("withdrawal.auto_submit_max", d.WithdrawalAutoSubmitMax)
	v.SetDefault("currencies", d.SupportedCurrencies)
	v.SetDefault("token.scale", d.TokenScale)
	v.SetDefault("token.usd_price", d.TokenUSDPrice.String())
	v.SetDefault("purchase_order.ttl", d.PurchaseOrderTTL.String())
}

func decodeEconomySettings(v *viper.Viper) (EconomySettings, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(v.GetString("token.usd_price")))
	if err != nil {
		return EconomySettings{}, fmt.Errorf("token.usd_price: %w", err)
	}

	currencies := make([]string, 0)
	for _, c := range v.GetStringSlice("currencies") {
		for _, part := range strings.Split(c, ",") {
			if trimmed := strings.ToUpper(strings.TrimSpace(part)); trimmed != "" {
				currencies = append(currencies, trimmed)
			}
		}
	}

	s := EconomySettings{
		TipMinAmount:             v.GetInt64("tip.min_amount"),
		TipMaxAmount:             v.GetInt64("tip.max_amount"),
		TipBurnPercentage:        v.GetInt64("tip.burn_percentage"),
		TipCooldown:              v.GetDuration("tip.cooldown"),
		RainMinAmount:            v.GetInt64("rain.min_amount"),
		RainMaxAmount:            v.GetInt64("rain.max_amount"),
		RainMaxRecipients:        v.GetInt("rain.max_recipients"),
		RainCooldown:             v.GetDuration("rain.cooldown"),
		RainActivityWindow:       v.GetDuration("rain.activity_window"),
		ModeratorsBypassCooldown: v.GetBool("cooldown.moderators_bypass"),
		AdminsBypassCooldown:     v.GetBool("cooldown.admins_bypass"),
		VaultMinLockDuration:     v.GetDuration("vault.min_lock"),
		VaultMaxLockDuration:     v.GetDuration("vault.max_lock"),
		VaultAutoRelease:         v.GetBool("vault.auto_release"),
		WithdrawalMinAmount:      v.GetInt64("withdrawal.min_amount"),
		WithdrawalMaxAmount:      v.GetInt64("withdrawal.max_amount"),
		WithdrawalFee:            v.GetInt64("withdrawal.fee"),
		WithdrawalAutoSubmitMax:  v.GetInt64("withdrawal.auto_submit_max"),
		SupportedCurrencies:      currencies,
		TokenScale:               v.GetInt64("token.scale"),
		TokenUSDPrice:            price,
		PurchaseOrderTTL:         v.GetDuration("purchase_order.ttl"),
	}
	return s, nil
}
