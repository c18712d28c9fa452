// ============================================================================
// buildd CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 提供 daemon 與管理指令
//
// Command Structure:
//   buildd                         # Root command
//   ├── run                        # 啟動 daemon (前景執行)
//   ├── status                     # 透過 gRPC control 服務查詢狀態
//   │   └── --json                 # 輸出原始 JSON
//   ├── drain                      # 停止 claim，建置結束後 daemon 自行退出
//   ├── replay                     # 立即重送 replay queue 中的結果
//   └── version                    # 顯示版本
//
// Persistent Flags:
//   --config, -c   YAML 設定檔 (預設 /etc/buildd/buildd.yaml)
//   --env-file     godotenv 格式的覆寫檔 (BUILDD_* 變數)
//   --addr         control 服務位址，未指定時取自設定檔
//
// Signal Handling (run):
//   - SIGUSR1: drain，等進行中的建置回報後退出
//   - SIGINT / SIGTERM: shutdown，取消建置並 give-back
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/buildd/internal/config"
	"github.com/ChuLiYu/buildd/internal/control"
	"github.com/ChuLiYu/buildd/internal/dispatcher"
)

// Version is overridden at link time (-ldflags "-X ...cli.Version=...").
var Version = "dev"

const defaultConfigPath = "/etc/buildd/buildd.yaml"

// control 指令的 RPC 逾時
const rpcTimeout = 30 * time.Second

var (
	configFile  string
	envFile     string
	controlAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "buildd",
		Short: "buildd: package build daemon",
		Long: `buildd claims needs-build packages from the archive's job authority,
builds them on a pool of per-architecture slots and reports the outcome:
- exactly-once claims backed by a write-ahead log
- durable replay of undelivered results
- slot quarantine and repair
- Prometheus metrics and a gRPC control service`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "optional env file with BUILDD_* overrides")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control service address (default from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDrainCommand())
	rootCmd.AddCommand(buildReplayCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the build daemon",
		Long:  "Recover local state, replay undelivered results and start claiming and building packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, envFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return runDaemon(cmd.Context(), cfg, logger)
		},
	}
}

func buildStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display slots, tracked jobs and the replay backlog of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func buildDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Stop claiming work and exit after in-flight builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
				if err := c.Drain(ctx); err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "drain requested")
				return nil
			})
		},
	}
}

func buildReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Redeliver undelivered results now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
				n, err := c.Replay(ctx)
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d result(s)\n", n)
				return nil
			})
		},
	}
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "buildd %s\n", Version)
		},
	}
}

// withClient dials the control service and runs fn with a bounded context.
func withClient(parent context.Context, fn func(ctx context.Context, c *control.Client) error) error {
	if parent == nil {
		parent = context.Background()
	}
	c, err := control.Dial(resolveAddr())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(parent, rpcTimeout)
	defer cancel()
	return fn(ctx, c)
}

// resolveAddr: --addr，否則設定檔，否則預設值
func resolveAddr() string {
	if controlAddr != "" {
		return controlAddr
	}
	if cfg, err := config.Load(configFile, envFile); err == nil {
		return cfg.Control.Address
	}
	return config.Default().Control.Address
}

// newLogger 依設定建立 slog handler (text 或 json)
func newLogger(levelStr, formatStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(formatStr) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func printStatus(w io.Writer, st dispatcher.Status) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           buildd Status                                   ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	mode := "running"
	if st.Draining {
		mode = "draining"
	}
	key := "ok"
	if !st.KeyOK {
		key = "missing (not claiming)"
	}
	fmt.Fprintln(w, "Daemon:")
	fmt.Fprintf(w, "  ├─ Mode:           %s\n", mode)
	fmt.Fprintf(w, "  ├─ Signing Key:    %s\n", key)
	fmt.Fprintf(w, "  ├─ Claims:         %d\n", st.Claims)
	fmt.Fprintf(w, "  └─ Replay Pending: %d\n", st.ReplayPending)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Slots:")
	for i, s := range st.Slots {
		branch := "├─"
		if i == len(st.Slots)-1 {
			branch = "└─"
		}
		state := "idle"
		switch {
		case !s.Usable:
			state = "quarantined"
		case s.Busy:
			state = "busy " + string(s.Job)
		}
		fmt.Fprintf(w, "  %s %-16s %-8s %s\n", branch, s.ID, s.Arch, state)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Jobs:")
	if len(st.Jobs) == 0 {
		fmt.Fprintln(w, "  └─ none")
	}
	for i, j := range st.Jobs {
		branch := "├─"
		if i == len(st.Jobs)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-40s %-10s attempt %d\n", branch, j.Ref.String(), j.State, j.Attempt)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Reports:")
	fmt.Fprintf(w, "  ├─ Delivered:       %d\n", st.Reports.Delivered)
	fmt.Fprintf(w, "  ├─ Deferred:        %d\n", st.Reports.Deferred)
	fmt.Fprintf(w, "  ├─ Rejected:        %d\n", st.Reports.Rejected)
	fmt.Fprintf(w, "  ├─ Dead:            %d\n", st.Reports.Dead)
	fmt.Fprintf(w, "  └─ Upload Failures: %d\n", st.Reports.UploadFailures)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}
