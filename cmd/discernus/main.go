package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	// configPath 为 YAML 配置文件路径，留空只用默认值与环境变量
	configPath string
	healthAddr string
)

var rootCmd = &cobra.Command{
	Use:   "discernus",
	Short: "Multi-agent text analysis pipeline",
	Long: `discernus runs analysis experiments through a Redis-coordinated pipeline:
pre-test, batch analysis, synthesis, review, moderation and reporting.

Examples:
  # Run an experiment in this process
  discernus run --experiment experiments/populism.yaml

  # Queue it for an orchestrator worker instead
  discernus submit --experiment experiments/populism.yaml --wait

  # Start workers
  discernus orchestrator --config /etc/discernus/config.yaml
  discernus moderator --config /etc/discernus/config.yaml`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "discernus %s\n", Version)
		fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a running serve process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(healthAddr + "/health")
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check failed: status %d", resp.StatusCode)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	healthCmd.Flags().StringVar(&healthAddr, "addr", "http://localhost:8080", "server address")

	rootCmd.AddCommand(versionCmd, healthCmd)
}

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
