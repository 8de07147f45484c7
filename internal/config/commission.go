package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CommissionConfig carries the operator-tunable money and fraud rules.
type CommissionConfig struct {
	DefaultPoolPercentage string      `mapstructure:"defaultPoolPercentage"`
	PoolSplit             PoolSplit   `mapstructure:"poolSplit"`
	Payout                PayoutRules `mapstructure:"payout"`
	Risk                  RiskRules   `mapstructure:"risk"`
}

// PoolSplit is expressed in whole percent and must sum to 100.
type PoolSplit struct {
	Student int `mapstructure:"student"`
	Advisor int `mapstructure:"advisor"`
	Critic  int `mapstructure:"critic"`
}

type PayoutRules struct {
	MinimumPayout          int64         `mapstructure:"minimumPayout"`
	MinimumRetainedBalance int64         `mapstructure:"minimumRetainedBalance"`
	HoldWindow             time.Duration `mapstructure:"holdWindow"`
}

type RiskRules struct {
	Weights            map[string]int `mapstructure:"weights"`
	VolumeWindow       time.Duration  `mapstructure:"volumeWindow"`
	VolumeThreshold    int            `mapstructure:"volumeThreshold"`
	MinAccountAge      time.Duration  `mapstructure:"minAccountAge"`
	MinConversionDelay time.Duration  `mapstructure:"minConversionDelay"`
}

func DefaultCommissionConfig() CommissionConfig {
	return CommissionConfig{
		DefaultPoolPercentage: "0.10",
		PoolSplit:             PoolSplit{Student: 35, Advisor: 35, Critic: 30},
		Payout: PayoutRules{
			MinimumPayout:          500_00,
			MinimumRetainedBalance: 200_00,
			HoldWindow:             72 * time.Hour,
		},
		Risk: RiskRules{
			Weights: map[string]int{
				"self_referral":     60,
				"duplicate_ip":      25,
				"same_device":       25,
				"suspicious_volume": 20,
				"account_age":       15,
				"short_timeframe":   15,
			},
			VolumeWindow:       24 * time.Hour,
			VolumeThreshold:    10,
			MinAccountAge:      time.Hour,
			MinConversionDelay: 5 * time.Minute,
		},
	}
}

// PoolPercentage parses DefaultPoolPercentage. Validation guarantees it parses.
func (c CommissionConfig) PoolPercentage() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.DefaultPoolPercentage))
	if err != nil {
		return decimal.Zero
	}
	return d
}

type CommissionConfigHolder struct {
	current atomic.Value // holds CommissionConfig
}

// NewStaticCommissionConfigHolder pins a fixed config. Used by tests and tools.
func NewStaticCommissionConfigHolder(cfg CommissionConfig) *CommissionConfigHolder {
	holder := &CommissionConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCommissionConfigHolder() (*CommissionConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("commission")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/referralpool/config")
	v.AddConfigPath("/etc/referralpool")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REFERRALPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCommissionConfig()
	v.SetDefault("commission.defaultPoolPercentage", defaults.DefaultPoolPercentage)
	v.SetDefault("commission.poolSplit.student", defaults.PoolSplit.Student)
	v.SetDefault("commission.poolSplit.advisor", defaults.PoolSplit.Advisor)
	v.SetDefault("commission.poolSplit.critic", defaults.PoolSplit.Critic)
	v.SetDefault("commission.payout.minimumPayout", defaults.Payout.MinimumPayout)
	v.SetDefault("commission.payout.minimumRetainedBalance", defaults.Payout.MinimumRetainedBalance)
	v.SetDefault("commission.payout.holdWindow", defaults.Payout.HoldWindow)
	v.SetDefault("commission.risk.weights", defaults.Risk.Weights)
	v.SetDefault("commission.risk.volumeWindow", defaults.Risk.VolumeWindow)
	v.SetDefault("commission.risk.volumeThreshold", defaults.Risk.VolumeThreshold)
	v.SetDefault("commission.risk.minAccountAge", defaults.Risk.MinAccountAge)
	v.SetDefault("commission.risk.minConversionDelay", defaults.Risk.MinConversionDelay)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg CommissionConfig
	if err := v.UnmarshalKey("commission", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateCommissionConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CommissionConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CommissionConfig
		if err := v.UnmarshalKey("commission", &updated); err != nil {
			log.Printf("[commission-config] reload failed: %v", err)
			return
		}
		if err := ValidateCommissionConfig(updated); err != nil {
			log.Printf("[commission-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[commission-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CommissionConfigHolder) Get() CommissionConfig {
	if h == nil {
		return DefaultCommissionConfig()
	}
	return h.current.Load().(CommissionConfig)
}

func ValidateCommissionConfig(cfg CommissionConfig) error {
	pct, err := decimal.NewFromString(strings.TrimSpace(cfg.DefaultPoolPercentage))
	if err != nil {
		return fmt.Errorf("commission.defaultPoolPercentage: %w", err)
	}
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("commission.defaultPoolPercentage must be within (0, 1]")
	}
	split := cfg.PoolSplit
	if split.Student < 0 || split.Advisor < 0 || split.Critic < 0 {
		return errors.New("commission.poolSplit cannot be negative")
	}
	if split.Student+split.Advisor+split.Critic != 100 {
		return errors.New("commission.poolSplit must sum to 100")
	}
	if cfg.Payout.MinimumPayout <= 0 {
		return errors.New("commission.payout.minimumPayout must be positive")
	}
	if cfg.Payout.MinimumRetainedBalance < 0 {
		return errors.New("commission.payout.minimumRetainedBalance cannot be negative")
	}
	if cfg.Risk.VolumeThreshold <= 0 {
		return errors.New("commission.risk.volumeThreshold must be positive")
	}
	return nil
}
