// ABOUTME: Operator subcommands that call the control-plane gRPC service with a bearer JWT
// ABOUTME: pair, agents, sessions and runs each map onto one or two control RPCs

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/vespid-ai/vespid-gateway/internal/control"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// tokenPath is where `token --save` writes and operator commands read.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

// loadToken returns the JWT from VESPID_TOKEN or the token file beside the config.
func loadToken(configPath string) string {
	if token := os.Getenv("VESPID_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(tokenPath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type controlOptions struct {
	root  *rootOptions
	addr  string
	token string
}

func addControlFlags(cmd *cobra.Command, root *rootOptions) *controlOptions {
	opts := &controlOptions{root: root}
	cmd.PersistentFlags().StringVar(&opts.addr, "grpc", getEnv("VESPID_GATEWAY_GRPC", "localhost:50051"), "gateway gRPC address")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "operator JWT (default: $VESPID_TOKEN or the saved token file)")
	return opts
}

// dial opens a control client. The caller closes the returned connection.
func (o *controlOptions) dial() (*control.Client, io.Closer, error) {
	token := o.token
	if token == "" {
		token = loadToken(o.root.configPath)
	}
	if token == "" {
		return nil, nil, errors.New("no operator token: set VESPID_TOKEN or run `vespid-gateway token --save`")
	}
	conn, err := grpc.NewClient(o.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(control.BearerCredentials{Token: token}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", o.addr, err)
	}
	return control.NewClient(conn), conn, nil
}

// rpcError renders a control status as "WIRE_CODE: message".
func rpcError(method string, err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", method, st.Message())
	}
	return fmt.Errorf("%s: %w", method, err)
}

func callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 10*time.Second)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func newPairCmd(root *rootOptions) *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue a single-use pairing token for an organization",
		Args:  cobra.NoArgs,
	}
	ctl := addControlFlags(cmd, root)
	cmd.Flags().StringVar(&orgID, "org", "", "organization the agent will join")
	_ = cmd.MarkFlagRequired("org")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		client, conn, err := ctl.dial()
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := callContext(cmd)
		defer cancel()
		resp, err := client.IssuePairingToken(ctx, &control.IssuePairingTokenRequest{OrgID: orgID})
		if err != nil {
			return rpcError("IssuePairingToken", err)
		}

		out := cmd.OutOrStdout()
		color.New(color.FgGreen).Fprintln(out, "  ✓ Pairing token issued")
		fmt.Fprintf(out, "  Token:   %s\n", resp.Token)
		fmt.Fprintf(out, "  Org:     %s\n", orgID)
		fmt.Fprintf(out, "  Expires: %s\n", resp.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	}
	return cmd
}

func newAgentsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List or revoke paired agents",
	}
	ctl := addControlFlags(cmd, root)

	var orgID string
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an organization's agents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := ctl.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext(cmd)
			defer cancel()
			resp, err := client.ListAgents(ctx, &control.ListAgentsRequest{OrgID: orgID})
			if err != nil {
				return rpcError("ListAgents", err)
			}
			return printAgents(cmd.OutOrStdout(), resp.Agents)
		},
	}
	list.Flags().StringVar(&orgID, "org", "", "organization to list")
	_ = list.MarkFlagRequired("org")

	revoke := &cobra.Command{
		Use:   "revoke <agent-id>",
		Short: "Revoke an agent's credential; its socket closes on the next liveness sweep or send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := ctl.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext(cmd)
			defer cancel()
			if _, err := client.RevokeAgent(ctx, &control.RevokeAgentRequest{AgentID: args[0]}); err != nil {
				return rpcError("RevokeAgent", err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Revoked agent %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, revoke)
	return cmd
}

func printAgents(out io.Writer, agents []*control.Agent) error {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Agents")
	cyan.Fprintln(out, "  ------")
	if len(agents) == 0 {
		fmt.Fprintln(out, "  (no agents paired)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATE\tCAPABILITIES\tTAGS")
	fmt.Fprintln(w, "  --\t----\t-----\t------------\t----")
	for _, a := range agents {
		state := "offline"
		switch {
		case a.Revoked:
			state = "revoked"
		case a.Connected:
			state = "online"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(a.ID, 36), truncate(a.Name, 24), state,
			strings.Join(a.Capabilities, ","), strings.Join(a.Tags, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions and their event logs",
	}
	ctl := addControlFlags(cmd, root)
	var orgID string
	cmd.PersistentFlags().StringVar(&orgID, "org", "", "organization that owns the sessions")
	_ = cmd.MarkPersistentFlagRequired("org")

	var limit int
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := ctl.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext(cmd)
			defer cancel()
			resp, err := client.ListSessions(ctx, &control.ListSessionsRequest{OrgID: orgID, Limit: limit})
			if err != nil {
				return rpcError("ListSessions", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tTITLE\tENGINE\tPINNED\tCREATED")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
					s.ID, truncate(s.Title, 32), s.Engine, s.PinnedAgentID, s.CreatedAt.Local().Format("Jan 02 15:04"))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum sessions to return")

	var after int64
	events := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Print a session's events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := ctl.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext(cmd)
			defer cancel()
			enc := json.NewEncoder(cmd.OutOrStdout())
			// page until the log is exhausted
			for {
				resp, err := client.ReadEvents(ctx, &control.ReadEventsRequest{OrgID: orgID, SessionID: args[0], AfterSeq: after})
				if err != nil {
					return rpcError("ReadEvents", err)
				}
				if len(resp.Events) == 0 {
					return nil
				}
				for _, ev := range resp.Events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
					after = ev.Seq
				}
			}
		},
	}
	events.Flags().Int64Var(&after, "after", 0, "only events with a higher seq")

	reset := &cobra.Command{
		Use:   "reset-agent <session-id>",
		Short: "Clear a session's pinned agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := ctl.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext(cmd)
			defer cancel()
			if _, err := client.ResetSessionAgent(ctx, &control.ResetSessionAgentRequest{OrgID: orgID, SessionID: args[0]}); err != nil {
				return rpcError("ResetSessionAgent", err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Session %s unpinned\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, events, reset)
	return cmd
}

func newRunsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Enqueue workflow runs",
	}
	ctl := addControlFlags(cmd, root)

	var orgID, workflowID, sessionID, input string
	enqueue := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a workflow run to the run queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input != "" && !json.Valid([]byte(input)) {
				return errors.New("--input must be valid JSON")
			}
			client, conn, err := ctl.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := callContext(cmd)
			defer cancel()
			req := &control.EnqueueRunRequest{OrgID: orgID, WorkflowID: workflowID, SessionID: sessionID}
			if input != "" {
				req.Input = json.RawMessage(input)
			}
			resp, err := client.EnqueueRun(ctx, req)
			if err != nil {
				return rpcError("EnqueueRun", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s queued as %s\n", resp.RunID, resp.EntryID)
			return nil
		},
	}
	enqueue.Flags().StringVar(&orgID, "org", "", "organization")
	enqueue.Flags().StringVar(&workflowID, "workflow", "", "workflow to run")
	enqueue.Flags().StringVar(&sessionID, "session", "", "session the run reports into")
	enqueue.Flags().StringVar(&input, "input", "", "JSON input for the run")
	_ = enqueue.MarkFlagRequired("org")
	_ = enqueue.MarkFlagRequired("workflow")

	cmd.AddCommand(enqueue)
	return cmd
}
