// ABOUTME: Entry point for agent-bridge: the gateway server and its operator commands
// ABOUTME: Cobra root wiring, config path resolution and the startup banner

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _        _          _     _
  __ _  __ _  ___ _ __ | |_     | |__  _ __(_) __| | __ _  ___
 / _' |/ _' |/ _ \ '_ \| __|____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| | (_| |  __/ | | | ||_____| |_) | |  | | (_| | (_| |  __/
 \__,_|\__, |\___|_| |_|\__|    |_.__/|_|  |_|\__,_|\__, |\___|
       |___/                                        |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: AGENT_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/agent-bridge/bridge.yaml > ~/.config/agent-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENT_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-bridge", "bridge.yaml")
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	addr       string
	token      string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "agent-bridge",
		Short:         "Route voice, email and API requests to long-lived AI agents",
		Long:          "agent-bridge keeps a pool of agent processes and connections alive, routes each inbound request to one of them and streams the staged answer back.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "bridge HTTP address (defaults to server.http_addr)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("AGENT_BRIDGE_TOKEN"), "bearer token for the HTTP API")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newSessionsCmd(opts),
		newLogsCmd(opts),
		newTokenCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}

func main() {
	agent.ClientVersion = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
