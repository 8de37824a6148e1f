// ABOUTME: Operator subcommands that talk to a running bridge: health, agents, sessions, logs
// ABOUTME: Plain HTTP against the JSON API, plus grpc.health.v1 for health --grpc

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/gateway"
)

const clientTimeout = 10 * time.Second

// apiClient is a thin client for the bridge HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(opts *globalOptions) (*apiClient, error) {
	addr := opts.addr
	if addr == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.HTTPAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base:  strings.TrimRight(addr, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: clientTimeout},
	}, nil
}

// get fetches path and returns the body. Non-2xx answers become errors
// carrying the bridge's failure kind when the body has one.
func (c *apiClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var eb struct {
			Error *failure.Error `json:"error"`
		}
		if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
			return body, resp.StatusCode, fmt.Errorf("%s: %s (status %d)", eb.Error.Kind, eb.Error.Detail, resp.StatusCode)
		}
		return body, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, resp.StatusCode, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	body, _, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func writeIndented(out io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = out.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	var useGRPC bool
	var grpcAddr, service string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check bridge health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if useGRPC {
				return runGRPCHealth(cmd, opts, grpcAddr, service)
			}

			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			if _, _, err := client.get(cmd.Context(), "/health"); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			body, _, err := client.get(cmd.Context(), "/health/ready")
			if err != nil {
				return fmt.Errorf("not ready: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("healthy"), strings.TrimSpace(string(body)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "query grpc.health.v1 instead of HTTP")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC address (defaults to server.grpc_addr)")
	cmd.Flags().StringVar(&service, "agent", "", "check one agent instead of the overall status")
	return cmd
}

func runGRPCHealth(cmd *cobra.Command, opts *globalOptions, addr, agentID string) error {
	if addr == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		addr = cfg.Server.GRPCAddr
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	req := &healthpb.HealthCheckRequest{}
	if agentID != "" {
		req.Service = gateway.AgentHealthService(agentID)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("not serving: %s", resp.GetStatus())
	}
	return nil
}

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agents and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}

			if asJSON {
				body, _, err := client.get(cmd.Context(), "/api/agents")
				if err != nil {
					return err
				}
				return writeIndented(cmd.OutOrStdout(), body)
			}

			var agents []gateway.AgentView
			if err := client.getJSON(cmd.Context(), "/api/agents", &agents); err != nil {
				return err
			}
			return writeAgentTable(cmd.OutOrStdout(), agents)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func healthLabel(v gateway.AgentView) string {
	s := string(v.Health)
	switch {
	case v.Health.Serving():
		return color.GreenString(s)
	case v.Health == agent.HealthDegraded:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func writeAgentTable(out io.Writer, agents []gateway.AgentView) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHEALTH\tLOAD\tQUEUE\tWAKE WORDS\tENDPOINT")
	for _, a := range agents {
		id := a.ID
		if a.Fallback {
			id += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			id, a.Name, healthLabel(a),
			a.InFlight, a.ConcurrencyLimit, a.QueueDepth,
			strings.Join(a.WakeWords, ", "), a.Endpoint)
	}
	return tw.Flush()
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "List in-flight requests and conversations, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}

			path := "/api/sessions?limit=" + strconv.Itoa(limit)
			if len(args) == 1 {
				path = "/api/sessions/" + url.PathEscape(args[0])
			}
			body, _, err := client.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum conversations to list")
	return cmd
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs <agent>",
		Short: "Show the captured stderr tail of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}

			var resp struct {
				AgentID string   `json:"agent_id"`
				Lines   []string `json:"lines"`
			}
			path := fmt.Sprintf("/api/agents/%s/logs?tail=%d", url.PathEscape(args[0]), tail)
			if err := client.getJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			for _, l := range resp.Lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 50, "number of lines")
	return cmd
}
