package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/vortex-go/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:          "vortex-go",
		Short:        "订阅解析、引擎配置生成与连接编排",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "vortex.yaml", "配置文件路径（不存在时使用默认配置）")
	pf.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.StringVar(&f.logFormat, "log-format", "", "日志格式 text|json（覆盖配置）")

	root.AddCommand(
		newServeCmd(f),
		newParseCmd(f),
		newComposeCmd(f),
		newValidateCmd(f),
		newProbeCmd(f),
		newHealthcheckCmd(f),
	)
	return root
}

// load reads the config file. A missing file at the default path falls back
// to defaults; an explicitly named file must exist.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		explicit := cmd.Flag("config") != nil && cmd.Flag("config").Changed
		if _, statErr := os.Stat(f.configPath); os.IsNotExist(statErr) && !explicit {
			if cfg, err = config.Parse("(default)", ""); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func newLogger(w io.Writer, c config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
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
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
