package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appcfg "perp-riskgate/config"
	"perp-riskgate/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器多次写入触发重复加载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// Validator 对重新加载的配置做额外校验，old 为当前生效的配置。
type Validator func(old, next appcfg.AppConfig) error

// Handler 应用通过校验的新配置。
type Handler func(next appcfg.AppConfig) error

// Loader 从路径读取配置，默认 appcfg.LoadWithEnvOverrides。
type Loader func(path string) (appcfg.AppConfig, error)

// HotReloader 配置热更新器。监听配置文件所在目录，兼容编辑器的 rename 写入方式。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	log        *logger.Logger
	load       Loader

	mu         sync.RWMutex
	current    appcfg.AppConfig
	validators map[string]Validator
	handler    Handler
	onResult   func(error)
	lastReload time.Time
	reloads    int
	failures   int

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHotReloader 创建热更新器，current 为启动时已生效的配置。
func NewHotReloader(configPath string, current appcfg.AppConfig, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		log:        log.Named("hot_reload"),
		load:       appcfg.LoadWithEnvOverrides,
		current:    current,
		validators: make(map[string]Validator),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// SetLoader 替换配置加载函数（测试用）。
func (h *HotReloader) SetLoader(l Loader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l != nil {
		h.load = l
	}
}

// RegisterValidator 注册校验器，按名称排序执行。
func (h *HotReloader) RegisterValidator(name string, v Validator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validators[name] = v
}

// SetReloadHandler 设置重载处理函数
func (h *HotReloader) SetReloadHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// OnResult 每次实际执行的重载（冷却期跳过的除外）结束后回调，在锁内调用。
func (h *HotReloader) OnResult(fn func(err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResult = fn
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })
	select {
	case <-h.doneChan:
	case <-time.After(time.Second):
		// watch goroutine 未启动
	}
	return h.watcher.Close()
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := h.Reload(); err != nil {
					h.log.Warn("config reload rejected", zap.Error(err))
				}
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Error("config watcher error", zap.Error(err))
		}
	}
}

// Reload 重新读取并校验配置，成功后交给 handler；冷却期内的调用被忽略。
func (h *HotReloader) Reload() (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lastReload.IsZero() && time.Since(h.lastReload) < h.config.CooldownTime {
		return nil
	}
	if h.onResult != nil {
		defer func() { h.onResult(err) }()
	}
	next, err := h.load(h.configPath)
	if err != nil {
		h.failures++
		return fmt.Errorf("load: %w", err)
	}
	names := make([]string, 0, len(h.validators))
	for name := range h.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.validators[name](h.current, next); err != nil {
			h.failures++
			return fmt.Errorf("validator %s: %w", name, err)
		}
	}
	if h.handler != nil {
		if err := h.handler(next); err != nil {
			h.failures++
			return fmt.Errorf("apply: %w", err)
		}
	}
	h.current = next
	h.lastReload = time.Now()
	h.reloads++
	h.log.Info("config reloaded", zap.String("path", h.configPath), zap.Int("reloads", h.reloads))
	return nil
}

// Current 当前生效的配置。
func (h *HotReloader) Current() appcfg.AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// Stats 成功/失败的重载次数。
func (h *HotReloader) Stats() (reloads, failures int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads, h.failures
}

// CapitalLayoutUnchanged 资金池在运行期不增删，交易所集合与层配置变化需重启。
func CapitalLayoutUnchanged(old, next appcfg.AppConfig) error {
	a, b := old.Capital.ExchangeConfigs(), next.Capital.ExchangeConfigs()
	if len(a) != len(b) {
		return fmt.Errorf("capital exchanges changed (%d -> %d), restart required", len(a), len(b))
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return fmt.Errorf("capital exchange %s replaced by %s, restart required", a[i].Name, b[i].Name)
		}
		if len(a[i].Tiers) != len(b[i].Tiers) {
			return fmt.Errorf("capital tiers of %s changed, restart required", a[i].Name)
		}
		for tier, f := range a[i].Tiers {
			if g, ok := b[i].Tiers[tier]; !ok || g != f {
				return fmt.Errorf("capital tier %s of %s changed, restart required", tier, a[i].Name)
			}
		}
	}
	return nil
}
