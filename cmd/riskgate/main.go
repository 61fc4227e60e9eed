package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"perp-riskgate/capital"
	"perp-riskgate/config"
	"perp-riskgate/internal/container"
	"perp-riskgate/risk"
)

var (
	version = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "riskgate",
	Short: "Pre-trade risk and capital gate for perpetual futures orders",
	Long: `riskgate checks every order against the kill switch, pre-trade risk guards
and tiered capital pools before it reaches an exchange.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate with its admin API, capital feed and config watcher",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file and print the resulting guards and capital pools",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "riskgate", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/riskgate.yaml", "Path to config file")
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(configPath)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// 任一组件致命退出时取消 gctx，watchdog 随之停止上报
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return waitFatal(gctx, c.Errors()) })
	g.Go(func() error { return watchdog(gctx, c) })
	waitErr := g.Wait()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		return err
	}
	return waitErr
}

// waitFatal 等待退出信号或组件致命错误。
func waitFatal(ctx context.Context, fatal <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return fmt.Errorf("component failed: %w", err)
	}
}

// watchdog 在 systemd 开启 WatchdogSec 时按一半周期上报存活。
func watchdog(ctx context.Context, c *container.Container) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.HealthCheck() == nil {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return err
	}
	guards, err := risk.BuildGuards(cfg.Risk.Limits())
	if err != nil {
		return err
	}
	orch, err := capital.NewOrchestrator(cfg.Capital.ExchangeConfigs(), cfg.Capital.Strategies, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config %s OK (env=%s)\n", configPath, cfg.Env)
	fmt.Fprintf(out, "guards: %v\n", guards.Guards())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXCHANGE\tTIER\tFRACTION\tSIZE\tSAFE")
	for _, ex := range orch.Snapshot() {
		safe := safeTiers(cfg, ex.Exchange)
		for _, p := range ex.Pools {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%t\n", ex.Exchange, p.Tier, p.Fraction, p.Size, safe[p.Tier])
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	strategies := make([]string, 0, len(cfg.Capital.Strategies))
	for s := range cfg.Capital.Strategies {
		strategies = append(strategies, s)
	}
	sort.Strings(strategies)
	for _, s := range strategies {
		fmt.Fprintf(out, "strategy %s -> tier %s\n", s, cfg.Capital.Strategies[s])
	}
	return nil
}

func safeTiers(cfg config.AppConfig, exchange string) map[string]bool {
	out := make(map[string]bool)
	for _, ec := range cfg.Capital.ExchangeConfigs() {
		if ec.Name != exchange {
			continue
		}
		for _, t := range ec.SafeTiers {
			out[t] = true
		}
	}
	return out
}
