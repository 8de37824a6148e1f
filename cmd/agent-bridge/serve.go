// ABOUTME: serve subcommand: prints the banner and runs the gateway until signalled
// ABOUTME: Also holds the shared config loading used by the other subcommands

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/config"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/gateway"
)

func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			printStartup(out, opts.configPath, cfg)

			logger := setupLogger(cfg.Logging)
			logger.Info("starting agent-bridge",
				"version", version,
				"config", opts.configPath,
				"grpc_addr", cfg.Server.GRPCAddr,
				"http_addr", cfg.Server.HTTPAddr,
				"agents", len(cfg.Agents),
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("gRPC", cfg.Server.GRPCAddr)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Database", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}

	if cfg.Email.Enabled {
		mode := "log"
		if cfg.Email.GraphToken != "" {
			mode = "graph"
		}
		line("Email", mode)
	}
	if cfg.Auth.JWTSecret == "" {
		green.Fprint(out, "    ▶ ")
		yellow.Fprintln(out, "Auth:      disabled (no jwt_secret)")
	}

	fmt.Fprintln(out)
	for _, ac := range cfg.Agents {
		endpoint := ac.URL
		if endpoint == "" {
			endpoint = strings.TrimSpace("exec:" + ac.Command + " " + strings.Join(ac.Args, " "))
		}
		fmt.Fprint(out, "      ")
		cyan.Fprintf(out, "%-12s", ac.ID)
		gray.Fprintf(out, " %s\n", endpoint)
	}
	fmt.Fprintln(out)
}
