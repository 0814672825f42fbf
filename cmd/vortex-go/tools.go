package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/vortex-go/internal/compose"
	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/fetch"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/probe"
	"github.com/John-Robertt/vortex-go/internal/sub"
)

// readSubscription returns the subscription text from src, or from the
// configured url/file when src is empty. src may be an http(s) URL or a path.
func readSubscription(ctx context.Context, cfg *config.Config, src string) (text, source string, err error) {
	if src == "" {
		src = cfg.Subscription.URL
		if src == "" {
			src = cfg.Subscription.File
		}
	}
	if src == "" {
		return "", "", fmt.Errorf("未指定订阅：传入 URL/文件，或配置 subscription.url / subscription.file")
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		res, err := fetch.FetchSubscription(ctx, src, fetchOptions(cfg))
		if err != nil {
			return "", "", err
		}
		return res.Text, src, nil
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return "", "", err
	}
	return string(b), src, nil
}

func parseSubscription(cmd *cobra.Command, cfg *config.Config, src string) (sub.Result, string, error) {
	text, source, err := readSubscription(cmd.Context(), cfg, src)
	if err != nil {
		return sub.Result{}, "", err
	}
	res := sub.Parse(source, text)
	for _, s := range res.Skipped {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "skipped line %d: %s %s\n", s.Line, s.Code, s.Message)
	}
	return res, source, res.Err(source)
}

func newParseCmd(rf *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "parse [url|file]",
		Short: "解析订阅并列出节点",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			res, source, err := parseSubscription(cmd, cfg, firstArg(args))
			if err != nil {
				return err
			}
			nodes := model.NewCatalog(source, time.Now(), res.Nodes).Nodes()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(nodes)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTYPE\tNAME\tSERVER")
			for _, n := range nodes {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%d\n", n.ID, n.Kind, n.Name, n.Server, n.Port)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			printf(cmd, "format=%s nodes=%d skipped=%d\n", res.Format, len(nodes), len(res.Skipped))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出（不含凭据）")
	return cmd
}

func newComposeCmd(rf *rootFlags) *cobra.Command {
	var (
		out  string
		tun  bool
		node string
	)
	cmd := &cobra.Command{
		Use:   "compose [url|file]",
		Short: "根据订阅生成引擎配置",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			res, source, err := parseSubscription(cmd, cfg, firstArg(args))
			if err != nil {
				return err
			}
			comp, err := compose.New(cfg)
			if err != nil {
				return err
			}
			cat := model.NewCatalog(source, time.Now(), res.Nodes)
			fl := comp.DefaultFlags()
			fl.TUN = tun || cfg.TUN.Enable
			fl.SelectedID = node
			doc, err := comp.Compose(cat, fl)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err := cmd.OutOrStdout().Write(doc.Bytes)
				return err
			}
			changed, err := compose.WriteFile(out, doc.Bytes)
			if err != nil {
				return err
			}
			printf(cmd, "wrote %s proxies=%d changed=%t\n", out, doc.Proxies, changed)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&out, "out", "o", "", "输出文件（默认标准输出）")
	fl.BoolVar(&tun, "tun", false, "生成 TUN 模式配置")
	fl.StringVar(&node, "node", "", "选择器默认指向的节点 id")
	return cmd
}

func newValidateCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "校验引擎配置（引擎不可用时使用结构检查）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			path := firstArg(args)
			if path == "" {
				path = cfg.EngineConfigPath()
			}
			v := newValidator(cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
			verdict, err := v.Validate(cmd.Context(), path)
			if err != nil {
				return err
			}
			printf(cmd, "ok tier=%s path=%s\n", verdict.Tier, path)
			return nil
		},
	}
}

func newProbeCmd(rf *rootFlags) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "probe [name...]",
		Short: "通过运行中的引擎测速",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			ctl, err := controlapi.New(controlapi.Options{
				BaseURL: cfg.ControllerURL(),
				Secret:  cfg.Controller.Secret,
				Timeout: cfg.Controller.Timeout,
				Retries: cfg.Controller.Retries,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				proxies, err := ctl.Proxies(cmd.Context())
				if err != nil {
					return err
				}
				for name, p := range proxies {
					if !p.IsGroup() {
						names = append(names, name)
					}
				}
				slices.Sort(names)
			}
			targets := make([]probe.Target, len(names))
			for i, n := range names {
				targets[i] = probe.Target{ID: n, Name: n}
			}

			opt := probeOptions(cfg, logger, nil)
			if concurrency > 0 {
				opt.Concurrency = concurrency
			}
			res, err := probe.New(ctl, opt).Run(cmd.Context(), targets, func(p probe.Progress) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "[%d/%d] %s\n", p.Done, p.Total, p.Result.Name)
			})
			if err != nil {
				return err
			}
			printResults(cmd, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "并发数（覆盖 probe.concurrency）")
	return cmd
}

// printResults lists reachable proxies fastest first, then the failures.
func printResults(cmd *cobra.Command, res probe.Results) {
	all := slices.SortedFunc(maps.Values(res), func(a, b probe.Result) int {
		if a.OK != b.OK {
			if a.OK {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.Latency, b.Latency); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tLATENCY")
	for _, r := range all {
		switch {
		case r.OK:
			_, _ = fmt.Fprintf(tw, "%s\t%dms\n", r.Name, r.Latency.Milliseconds())
		case r.Err != nil:
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", r.Name, r.Err)
		default:
			_, _ = fmt.Fprintf(tw, "%s\t-\n", r.Name)
		}
	}
	_ = tw.Flush()
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
