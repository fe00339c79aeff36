package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandgate/sandgate/pkg/types"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage gateway sessions",
	}

	cmd.AddCommand(newSessionsCreateCmd())
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsInfoCmd())
	cmd.AddCommand(newSessionsDestroyCmd())
	cmd.AddCommand(newSessionsPauseCmd())
	cmd.AddCommand(newSessionsResumeCmd())
	cmd.AddCommand(newSessionsSnapshotCmd())
	cmd.AddCommand(newSessionsTerminateCmd())
	cmd.AddCommand(newSessionsHistoryCmd())
	cmd.AddCommand(newSessionsWatchCmd())
	cmd.AddCommand(newSessionsAttachCmd())

	return cmd
}

func newSessionsCreateCmd() *cobra.Command {
	var req types.CreateSessionRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			s, err := c.CreateSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Session ID (generated when empty)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Owning user or org")
	cmd.Flags().StringVar(&req.Title, "title", "", "Human-readable title")
	cmd.Flags().StringVar(&req.RepoURL, "repo", "", "Repository to clone into the workspace")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "Branch to check out")
	cmd.Flags().StringVar(&req.PrebuildID, "prebuild", "", "Prebuild template ID")
	cmd.Flags().BoolVar(&req.Automation, "automation", false, "Provision immediately and stay online without clients")
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var owner string
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			sessions, err := c.ListSessions(cmd.Context(), owner, status)
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().StringVar(&status, "status", "", "Comma-separated statuses (starting,running,paused,suspended,stopped)")
	return cmd
}

func newSessionsInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info SESSION_ID",
		Short: "Show session info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			s, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
	return cmd
}

func newSessionsDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy SESSION_ID",
		Short: "Terminate a session and delete its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			if err := c.DestroySession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}

func newSessionsPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause SESSION_ID",
		Short: "Pause the session's sandbox in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			s, err := c.PauseSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
	return cmd
}

func newSessionsResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume SESSION_ID",
		Short: "Bring the session's sandbox back online",
		Long: `Resume provisions synchronously: the command returns once the sandbox
is live again, which can take as long as a cold restore from snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			s, err := c.ResumeSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
	return cmd
}

func newSessionsSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot SESSION_ID",
		Short: "Save a snapshot of the session's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			res, err := c.SnapshotSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	return cmd
}

func newSessionsTerminateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate SESSION_ID",
		Short: "Snapshot and stop the session's sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			s, err := c.TerminateSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
	return cmd
}

func newSessionsHistoryCmd() *cobra.Command {
	var (
		typesCSV string
		since    string
		until    string
		limit    int
		offset   int
		order    string
	)

	cmd := &cobra.Command{
		Use:   "history SESSION_ID",
		Short: "Query a session's persisted events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if typesCSV != "" {
				params.Set("type", typesCSV)
			}
			if since != "" {
				params.Set("since", since)
			}
			if until != "" {
				params.Set("until", until)
			}
			if limit != 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if offset != 0 {
				params.Set("offset", strconv.Itoa(offset))
			}
			if order != "" {
				params.Set("order", order)
			}

			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			evs, err := c.SessionHistory(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd, evs)
		},
	}

	cmd.Flags().StringVar(&typesCSV, "type", "", "Comma-separated event types")
	cmd.Flags().StringVar(&since, "since", "", "Start time (RFC3339) or duration ago (e.g. 1h)")
	cmd.Flags().StringVar(&until, "until", "", "End time (RFC3339) or duration ago (e.g. 5m)")
	cmd.Flags().IntVar(&limit, "limit", 200, "Result limit")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	cmd.Flags().StringVar(&order, "order", "desc", "Sort order: asc|desc")

	return cmd
}

func newSessionsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch SESSION_ID",
		Short: "Tail live events for a session (SSE)",
		Long: `Watch observes without registering as a client, so it never provisions
a sandbox or keeps one alive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			body, err := c.StreamSessionEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()

			sc := bufio.NewScanner(body)
			// Message events can carry whole assistant turns.
			sc.Buffer(make([]byte, 64*1024), 1<<20)
			for sc.Scan() {
				line := sc.Text()
				if strings.HasPrefix(line, "data: ") {
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(line, "data: "))
				}
			}
			return sc.Err()
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
