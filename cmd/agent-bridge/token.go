// ABOUTME: token and config subcommands: mint API tokens and validate a config file offline
// ABOUTME: Neither needs a running bridge

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/auth"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var subject string
	var ttl time.Duration
	var scopes []string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", opts.configPath)
			}

			for _, s := range scopes {
				if s != auth.ScopeRequests && s != auth.ScopeAdmin {
					return fmt.Errorf("unknown scope %q (want %s or %s)", s, auth.ScopeRequests, auth.ScopeAdmin)
				}
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(subject, ttl, scopes...)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s subject=%s scopes=%s expires=%s\n",
				color.GreenString("✓"), subject, strings.Join(scopes, ","),
				time.Now().Add(ttl).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeRequests}, "scopes to grant (requests, admin)")
	return cmd
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			green.Fprintf(out, "  ✓ %s is valid\n", opts.configPath)

			fmt.Fprintf(out, "    agents:    %s\n", strings.Join(cfg.AgentIDs(), ", "))
			fmt.Fprintf(out, "    fallback:  %s\n", cfg.Routing.Fallback)

			words := make([]string, 0, len(cfg.Routing.WakeWords))
			for w, id := range cfg.Routing.WakeWords {
				words = append(words, fmt.Sprintf("%q→%s", w, id))
			}
			sort.Strings(words)
			fmt.Fprintf(out, "    wake:      %s\n", strings.Join(words, " "))
			fmt.Fprintf(out, "    suffixes:  %d\n", len(cfg.Routing.Suffixes))
			fmt.Fprintf(out, "    deadlines: api=%s voice=%s email=%s max=%s\n",
				cfg.Timeouts.APIDeadline, cfg.Timeouts.VoiceDeadline,
				cfg.Timeouts.EmailDeadline, cfg.Timeouts.MaxDeadline)
			if cfg.Routing.File != "" {
				fmt.Fprintf(out, "    routing:   %s (watch=%t)\n", cfg.Routing.File, cfg.Routing.Watch)
			}
			return nil
		},
	})

	return cmd
}
