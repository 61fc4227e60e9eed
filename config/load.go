package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"perp-riskgate/capital"
	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/order"
	"perp-riskgate/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string           `yaml:"env"`
	Log        logger.Config    `yaml:"log"`
	Risk       RiskConfig       `yaml:"risk"`
	Capital    CapitalConfig    `yaml:"capital"`
	KillSwitch KillSwitchConfig `yaml:"killSwitch"`
	Engine     EngineConfig     `yaml:"engine"`
	Feed       FeedConfig       `yaml:"feed"`
	Admin      AdminConfig      `yaml:"admin"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Reload     ReloadConfig     `yaml:"reload"`
	Venues     []VenueConfig    `yaml:"venues"`
}

// RiskConfig 下单前风控阈值，0 表示关闭对应守卫。
type RiskConfig struct {
	MaxNotional      float64       `yaml:"maxNotional"`
	MaxGrossExposure float64       `yaml:"maxGrossExposure"`
	MaxOrders        int           `yaml:"maxOrders"`
	OrderWindow      time.Duration `yaml:"orderWindow"`
	MaxLeverage      float64       `yaml:"maxLeverage"`
	MarginLeverage   float64       `yaml:"marginLeverage"`
	MaxVolatility    float64       `yaml:"maxVolatility"`
}

// Limits 转换为 risk.Limits。
func (r RiskConfig) Limits() risk.Limits {
	return risk.Limits{
		MaxNotional:      r.MaxNotional,
		MaxGrossExposure: r.MaxGrossExposure,
		MaxOrders:        r.MaxOrders,
		OrderWindow:      r.OrderWindow,
		MaxLeverage:      r.MaxLeverage,
		MarginLeverage:   r.MarginLeverage,
		MaxVolatility:    r.MaxVolatility,
	}
}

// CapitalConfig 资金分层。交易所未配置 tiers/safeTiers 时继承顶层默认值。
type CapitalConfig struct {
	Tiers      map[string]float64      `yaml:"tiers"`
	SafeTiers  []string                `yaml:"safeTiers"`
	Strategies map[string]string       `yaml:"strategies"`
	Exchanges  []ExchangeCapitalConfig `yaml:"exchanges"`
}

// ExchangeCapitalConfig AvailableMargin 为启动时的可用保证金，未配置时取 Equity，
// 之后由账户推送覆盖。DrawdownLimitPct 为 0 表示不进入安全模式。
type ExchangeCapitalConfig struct {
	Name             string             `yaml:"name"`
	Equity           float64            `yaml:"equity"`
	AvailableMargin  float64            `yaml:"availableMargin"`
	DrawdownLimitPct float64            `yaml:"drawdownLimitPct"`
	Tiers            map[string]float64 `yaml:"tiers"`
	SafeTiers        []string           `yaml:"safeTiers"`
}

// StartingMargin 启动时写入账户簿的可用保证金。
func (e ExchangeCapitalConfig) StartingMargin() float64 {
	if e.AvailableMargin > 0 {
		return e.AvailableMargin
	}
	return e.Equity
}

// ExchangeConfigs 展开默认值后的交易所资金配置。
func (c CapitalConfig) ExchangeConfigs() []capital.ExchangeConfig {
	tiers := c.Tiers
	if len(tiers) == 0 {
		tiers = capital.DefaultTierFractions()
	}
	safe := c.SafeTiers
	if safe == nil {
		safe = []string{capital.TierReserve}
	}
	out := make([]capital.ExchangeConfig, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		ec := capital.ExchangeConfig{
			Name:             ex.Name,
			Equity:           ex.Equity,
			DrawdownLimitPct: ex.DrawdownLimitPct,
			Tiers:            ex.Tiers,
			SafeTiers:        ex.SafeTiers,
		}
		if len(ec.Tiers) == 0 {
			ec.Tiers = tiers
		}
		if ec.SafeTiers == nil {
			ec.SafeTiers = safe
		}
		out = append(out, ec)
	}
	return out
}

// KillSwitchConfig 启动时是否直接处于熔断状态（需人工解除）。
type KillSwitchConfig struct {
	StartActivated bool   `yaml:"startActivated"`
	StartReason    string `yaml:"startReason"`
}

type EngineConfig struct {
	PlacementTimeout time.Duration `yaml:"placementTimeout"`
	VolatilityWindow int           `yaml:"volatilityWindow"`

	// Symbols key 为 "exchange/symbol" 或 "symbol"
	Symbols map[string]order.SymbolConstraints `yaml:"symbols"`
}

// FeedConfig 权益/回撤推送的 websocket 地址，URL 为空则不启动。
type FeedConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay time.Duration `yaml:"maxReconnectDelay"`
}

type AdminConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// BreakerConfig 下单失败熔断：连续失败达到 MaxFailures 后打开并触发 kill switch。
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxFailures      uint32        `yaml:"maxFailures"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests uint32        `yaml:"halfOpenRequests"`
}

type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// VenueConfig 交易所 REST 下单接入，未启用的交易所走 dry-run。
// 密钥建议通过 RG_<NAME>_API_KEY / RG_<NAME>_API_SECRET 注入。
type VenueConfig struct {
	Name       string        `yaml:"name"`
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"baseURL"`
	APIKey     string        `yaml:"apiKey"`
	Secret     string        `yaml:"secret"`
	RecvWindow time.Duration `yaml:"recvWindow"`
	RateLimit  float64       `yaml:"rateLimit"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	cfg, err = Parse(raw)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// Parse 解析 YAML 并填充默认值，不做校验。
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deploy-specific fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("RG_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("RG_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv("RG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	for i := range cfg.Venues {
		prefix := "RG_" + strings.ToUpper(cfg.Venues[i].Name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			cfg.Venues[i].APIKey = v
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			cfg.Venues[i].Secret = v
		}
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Engine.PlacementTimeout <= 0 {
		cfg.Engine.PlacementTimeout = 5 * time.Second
	}
	if cfg.Engine.VolatilityWindow <= 0 {
		cfg.Engine.VolatilityWindow = 60
	}
	if cfg.Feed.ReconnectDelay <= 0 {
		cfg.Feed.ReconnectDelay = time.Second
	}
	if cfg.Feed.MaxReconnectDelay <= 0 {
		cfg.Feed.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.Admin.ShutdownTimeout <= 0 {
		cfg.Admin.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.Interval <= 0 {
		cfg.Breaker.Interval = time.Minute
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenRequests == 0 {
		cfg.Breaker.HalfOpenRequests = 1
	}
	if cfg.Reload.Cooldown <= 0 {
		cfg.Reload.Cooldown = 2 * time.Second
	}
}

// Validate ensures required fields are present and consistent.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if err := cfg.Risk.Limits().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if len(cfg.Capital.Exchanges) == 0 {
		return errors.New("capital.exchanges is required")
	}
	for _, ex := range cfg.Capital.Exchanges {
		if ex.AvailableMargin < 0 {
			return fmt.Errorf("capital exchange %s availableMargin must be >= 0", ex.Name)
		}
	}
	seen := make(map[string]bool, len(cfg.Capital.Exchanges))
	for _, ex := range cfg.Capital.ExchangeConfigs() {
		if ex.Name == "" {
			return errors.New("capital.exchanges[].name is required")
		}
		if seen[ex.Name] {
			return fmt.Errorf("capital exchange %s listed twice", ex.Name)
		}
		seen[ex.Name] = true
		if ex.Equity < 0 {
			return fmt.Errorf("capital exchange %s equity must be >= 0", ex.Name)
		}
		if ex.DrawdownLimitPct < 0 || ex.DrawdownLimitPct > 1 {
			return fmt.Errorf("capital exchange %s drawdownLimitPct must be within [0, 1]", ex.Name)
		}
		sum := 0.0
		for tier, f := range ex.Tiers {
			if f < 0 {
				return fmt.Errorf("capital exchange %s tier %s fraction must be >= 0", ex.Name, tier)
			}
			sum += f
		}
		if sum <= 0 {
			return fmt.Errorf("capital exchange %s: %w", ex.Name, capital.ErrInvalidFractions)
		}
		for _, t := range ex.SafeTiers {
			if _, ok := ex.Tiers[t]; !ok {
				return fmt.Errorf("capital exchange %s safe tier %s: %w", ex.Name, t, capital.ErrUnknownTier)
			}
		}
	}
	if cfg.KillSwitch.StartActivated && cfg.KillSwitch.StartReason == "" {
		return errors.New("killSwitch.startReason is required when startActivated is set")
	}
	for key, sc := range cfg.Engine.Symbols {
		if sc.TickSize < 0 || sc.StepSize < 0 || sc.MinQty < 0 || sc.MaxQty < 0 || sc.MinNotional < 0 {
			return fmt.Errorf("engine.symbols.%s: constraints must be >= 0", key)
		}
		if sc.MaxQty > 0 && sc.MinQty > sc.MaxQty {
			return fmt.Errorf("engine.symbols.%s: minQty > maxQty", key)
		}
	}
	if cfg.Engine.VolatilityWindow < 2 {
		return errors.New("engine.volatilityWindow must be >= 2")
	}
	venues := make(map[string]bool, len(cfg.Venues))
	for _, v := range cfg.Venues {
		if !seen[v.Name] {
			return fmt.Errorf("venue %s is not a capital exchange", v.Name)
		}
		if venues[v.Name] {
			return fmt.Errorf("venue %s listed twice", v.Name)
		}
		venues[v.Name] = true
		if v.Enabled && v.BaseURL == "" {
			return fmt.Errorf("venue %s: baseURL is required", v.Name)
		}
		if v.RateLimit < 0 || v.Burst < 0 {
			return fmt.Errorf("venue %s: rateLimit and burst must be >= 0", v.Name)
		}
	}
	if cfg.Feed.MaxReconnectDelay < cfg.Feed.ReconnectDelay {
		return errors.New("feed.maxReconnectDelay must be >= feed.reconnectDelay")
	}
	return nil
}
