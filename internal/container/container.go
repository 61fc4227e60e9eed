package container

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-riskgate/account"
	"perp-riskgate/capital"
	"perp-riskgate/config"
	"perp-riskgate/gateway"
	"perp-riskgate/infrastructure/alert"
	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/infrastructure/monitor"
	"perp-riskgate/internal/admin"
	hotreload "perp-riskgate/internal/config"
	"perp-riskgate/internal/engine"
	"perp-riskgate/internal/feed"
	"perp-riskgate/order"
	"perp-riskgate/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfgPath string
	cfg     config.AppConfig

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alerts   *alert.Manager
	notifier *alert.Notifier

	// 风控与资金
	killSwitch *risk.KillSwitch
	capital    *capital.Orchestrator
	accounts   *account.Book
	history    *order.History

	// 下单
	gateway order.Gateway
	breaker *engine.BreakerGateway
	engine  *engine.ExecutionEngine

	// 外部接口
	admin    *httpServerComponent
	feed     *feed.Client
	reloader *hotreload.HotReloader

	lifecycle *LifecycleManager
	fatal     chan error
}

// New 读取配置并创建容器
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(configPath, cfg), nil
}

// NewWithConfig 使用已加载的配置，configPath 仅用于热更新。
func NewWithConfig(configPath string, cfg config.AppConfig) *Container {
	return &Container{
		cfgPath:   configPath,
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
		fatal:     make(chan error, 4),
	}
}

// SetGateway 替换默认的 dry-run 网关，须在 Build 之前调用。
func (c *Container) SetGateway(gw order.Gateway) {
	c.gateway = gw
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildRiskAndCapital(); err != nil {
		return fmt.Errorf("build risk/capital failed: %w", err)
	}
	if err := c.buildEngine(); err != nil {
		return fmt.Errorf("build engine failed: %w", err)
	}
	if err := c.buildInterfaces(); err != nil {
		return fmt.Errorf("build interfaces failed: %w", err)
	}
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewZapChannel("log", c.logger.Named("alert")),
	}, time.Minute)
	c.notifier = alert.NewNotifier(c.alerts, c.logger)
	return nil
}

func (c *Container) buildRiskAndCapital() error {
	c.killSwitch = risk.NewKillSwitch()
	c.killSwitch.OnChange(func(old, cur risk.SwitchStatus) {
		c.logger.LogKillSwitch(cur.State.String(), cur.LastChangeReason, cur.Details)
		c.monitor.KillSwitchChanged(cur.Active())
		c.notifier.KillSwitchChanged(old, cur)
	})
	if c.cfg.KillSwitch.StartActivated {
		reason := c.cfg.KillSwitch.StartReason
		if reason == "" {
			reason = "activated at startup"
		}
		if _, err := c.killSwitch.Activate(reason, nil); err != nil {
			return err
		}
	}

	var err error
	c.capital, err = capital.NewOrchestrator(c.cfg.Capital.ExchangeConfigs(), c.cfg.Capital.Strategies, c.logger)
	if err != nil {
		return fmt.Errorf("capital: %w", err)
	}
	c.capital.SetObserver(capital.Observers{c.monitor, c.notifier})

	c.accounts = account.NewBook(c.cfg.Engine.VolatilityWindow)
	for _, ex := range c.cfg.Capital.Exchanges {
		equity, margin := ex.Equity, ex.StartingMargin()
		if err := c.accounts.ApplyUpdate(account.Update{
			Exchange:        ex.Name,
			Equity:          &equity,
			AvailableMargin: &margin,
		}); err != nil {
			return fmt.Errorf("seed account %s: %w", ex.Name, err)
		}
	}
	c.history = order.NewHistory(c.cfg.Risk.OrderWindow)
	return nil
}

func (c *Container) buildEngine() error {
	guards, err := risk.BuildGuards(c.cfg.Risk.Limits())
	if err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if c.gateway == nil {
		if c.gateway, err = c.buildVenues(); err != nil {
			return err
		}
	}
	gw := c.gateway
	if c.cfg.Breaker.Enabled {
		c.breaker = engine.NewBreakerGateway(gw, c.killSwitch, engine.BreakerSettings{
			MaxFailures:      c.cfg.Breaker.MaxFailures,
			Interval:         c.cfg.Breaker.Interval,
			Timeout:          c.cfg.Breaker.Timeout,
			HalfOpenRequests: c.cfg.Breaker.HalfOpenRequests,
		}, c.logger)
		c.breaker.OnStateChange(func(exchange string, state int, failures uint32) {
			c.monitor.UpdateBreakerState(exchange, state)
			if state == 2 {
				c.notifier.BreakerOpened(exchange, failures)
			}
		})
		gw = c.breaker
	}

	c.engine, err = engine.New(engine.Config{
		PlacementTimeout: c.cfg.Engine.PlacementTimeout,
		Constraints:      c.cfg.Engine.Symbols,
	}, engine.Components{
		KillSwitch: c.killSwitch,
		Risk:       guards,
		Capital:    c.capital,
		Accounts:   c.accounts,
		History:    c.history,
		Gateway:    gw,
		Metrics:    c.monitor,
		Logger:     c.logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	c.logger.Info("risk guards loaded", zap.Strings("guards", guards.Guards()))
	return nil
}

// buildVenues 为启用的交易所创建 REST 网关，其余交易所走 dry-run。
func (c *Container) buildVenues() (order.Gateway, error) {
	router := gateway.NewRouter(&order.DryRunGateway{})
	for _, v := range c.cfg.Venues {
		if !v.Enabled {
			continue
		}
		gw, err := gateway.NewRESTGateway(gateway.RESTConfig{
			Exchange:   v.Name,
			BaseURL:    v.BaseURL,
			APIKey:     v.APIKey,
			Secret:     v.Secret,
			RecvWindow: v.RecvWindow,
			RateLimit:  v.RateLimit,
			Burst:      v.Burst,
			Timeout:    v.Timeout,
		}, nil, c.logger)
		if err != nil {
			return nil, err
		}
		router.Handle(v.Name, gw)
	}
	live := router.Exchanges()
	if len(live) < len(c.cfg.Capital.Exchanges) {
		c.logger.Warn("some exchanges have no venue gateway, using dry-run",
			zap.Strings("live", live))
	}
	return router, nil
}

func (c *Container) buildInterfaces() error {
	if c.cfg.Admin.Addr != "" {
		srv := admin.New(admin.Deps{
			Engine:     c.engine,
			KillSwitch: c.killSwitch,
			Capital:    c.capital,
			Metrics:    c.monitor.Handler(),
			Health:     c.HealthCheck,
			Logger:     c.logger,
		})
		c.admin = &httpServerComponent{
			name:            "admin_server",
			handler:         srv.Handler(),
			addr:            c.cfg.Admin.Addr,
			shutdownTimeout: c.cfg.Admin.ShutdownTimeout,
			logger:          c.logger,
			fatal:           c.reportFatal,
		}
		c.lifecycle.Register(c.admin)
	}

	if c.cfg.Feed.URL != "" {
		c.feed = feed.NewClient(feed.Config{
			URL:               c.cfg.Feed.URL,
			ReconnectDelay:    c.cfg.Feed.ReconnectDelay,
			MaxReconnectDelay: c.cfg.Feed.MaxReconnectDelay,
		}, feed.NewHandler(c.capital, c.accounts), c.monitor, c.notifier, c.logger)
		c.lifecycle.Register(&feedComponent{client: c.feed, fatal: c.reportFatal})
	}

	if c.cfg.Reload.Enabled && c.cfgPath != "" {
		r, err := hotreload.NewHotReloader(c.cfgPath, c.cfg, hotreload.HotReloadConfig{
			Enabled:      true,
			CooldownTime: c.cfg.Reload.Cooldown,
		}, c.logger)
		if err != nil {
			return err
		}
		r.RegisterValidator("capital_layout", hotreload.CapitalLayoutUnchanged)
		r.SetReloadHandler(c.applyConfig)
		r.OnResult(func(err error) { c.monitor.RecordConfigReload(err == nil) })
		c.reloader = r
		c.lifecycle.Register(&reloaderComponent{reloader: r})
	}
	return nil
}

// applyConfig 热更新：替换风控守卫与频率窗口，资金布局不变。
func (c *Container) applyConfig(next config.AppConfig) error {
	guards, err := risk.BuildGuards(next.Risk.Limits())
	if err != nil {
		return err
	}
	c.engine.SetRiskEngine(guards)
	c.history.SetRetention(next.Risk.OrderWindow)
	c.logger.Info("risk limits reloaded",
		zap.Strings("guards", guards.Guards()),
		zap.Float64("max_notional", next.Risk.MaxNotional),
		zap.Int("max_orders", next.Risk.MaxOrders))
	return nil
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if open := c.engine.OpenOrders(); len(open) > 0 {
		c.logger.Warn("open orders still holding capital at shutdown", zap.Int("count", len(open)))
	}
	_ = c.logger.Close()
	return err
}

// Errors 运行期组件的致命错误，serve 收到后退出。
func (c *Container) Errors() <-chan error { return c.fatal }

func (c *Container) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
		c.logger.LogError(err, map[string]interface{}{"action": "fatal_dropped"})
	}
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() config.AppConfig         { return c.cfg }
func (c *Container) Engine() *engine.ExecutionEngine  { return c.engine }
func (c *Container) KillSwitch() *risk.KillSwitch     { return c.killSwitch }
func (c *Container) Capital() *capital.Orchestrator   { return c.capital }
func (c *Container) Accounts() *account.Book          { return c.accounts }
func (c *Container) Monitor() *monitor.Monitor        { return c.monitor }
func (c *Container) Breaker() *engine.BreakerGateway  { return c.breaker }
func (c *Container) Reloader() *hotreload.HotReloader { return c.reloader }

// AdminAddr admin 实际监听地址，未启用时为空。
func (c *Container) AdminAddr() string {
	if c.admin == nil {
		return ""
	}
	return c.admin.Addr()
}
