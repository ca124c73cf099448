package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/wmlink/internal/connection"
	"github.com/danmuck/wmlink/internal/wm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type rootOptions struct {
	configPath string
	address    string
	agent      string
	token      string
	direct     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "wmctl",
		Short:         "Inspect and drive agent working memory over a kernel session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "client config file (TOML)")
	root.PersistentFlags().StringVar(&opts.address, "address", "", "kernel session address, or \"embedded\"")
	root.PersistentFlags().StringVar(&opts.agent, "agent", "", "agent name")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "attach token")
	root.PersistentFlags().BoolVar(&opts.direct, "direct", false, "apply input directly (embedded only)")

	root.AddCommand(
		newProbeCmd(opts),
		newPushCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolve loads the config file and applies flags that were set.
func (o *rootOptions) resolve(cmd *cobra.Command) (clientConfig, error) {
	cfg, err := loadClientConfig(o.configPath)
	if err != nil {
		return clientConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Address = strings.TrimSpace(o.address)
	}
	if flags.Changed("agent") {
		cfg.Agent = strings.TrimSpace(o.agent)
	}
	if flags.Changed("token") {
		cfg.Token = o.token
	}
	if flags.Changed("direct") {
		cfg.Direct = o.direct
	}
	return cfg, nil
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Attach, synchronize both links and print the mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, err := openMirror(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.close()

			if err := m.mem.SynchronizeInput(ctx); err != nil {
				return fmt.Errorf("synchronize input: %w", err)
			}
			if err := m.mem.SynchronizeOutput(ctx); err != nil {
				return fmt.Errorf("synchronize output: %w", err)
			}
			d, err := m.dump(ctx)
			if err != nil {
				return err
			}
			return writeDump(cmd.OutOrStdout(), format, d)
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func writeDump(w io.Writer, format string, d dump) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func newPushCmd(opts *rootOptions) *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "push <attribute> [value]",
		Short: "Create a WME under the input link and commit it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}
			vt, err := wm.ParseValueType(typ)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, err := openMirror(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.close()

			w, err := pushWME(ctx, m.mem, args[0], vt, raw)
			if err != nil {
				return err
			}
			if err := m.mem.Commit(ctx); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", w)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "string", "value type: string, int, float or id")
	return cmd
}

func pushWME(ctx context.Context, mem *wm.Memory, attr string, vt wm.ValueType, raw string) (*wm.WME, error) {
	il, err := mem.GetInputLink(ctx)
	if err != nil {
		return nil, err
	}
	if vt == wm.TypeIdentifier {
		return mem.CreateIDWME(il, attr)
	}
	v, err := wm.ParseValue(vt, raw)
	if err != nil {
		return nil, err
	}
	switch vt {
	case wm.TypeInt:
		return mem.CreateIntWME(il, attr, v.Int())
	case wm.TypeFloat:
		return mem.CreateFloatWME(il, attr, v.Float())
	default:
		return mem.CreateStringWME(il, attr, v.Str())
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror the output link and print each change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			m, err := openMirror(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.close()
			return watch(ctx, m, cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "exit after this many changes (0 runs until interrupted)")
	return cmd
}

func watch(ctx context.Context, m *mirror, out io.Writer, limit int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.mem.SynchronizeOutput(ctx); err != nil {
		return fmt.Errorf("synchronize output: %w", err)
	}
	seen := 0
	m.mem.AddOutputListener(func(_ *wm.Memory, changes []wm.OutputChange) {
		for _, c := range changes {
			fmt.Fprintf(out, "%s %s\n", c.Kind, c.WME)
			seen++
		}
		if limit > 0 && seen >= limit {
			cancel()
		}
	})
	return connection.Pump(ctx, m.source, m.mem)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wmctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wmctl %s\n", version)
		},
	}
}
