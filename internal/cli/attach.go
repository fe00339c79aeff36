package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sandgate/sandgate/pkg/types"
)

func newSessionsAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach SESSION_ID",
		Short: "Attach to a session and send prompts interactively",
		Long: `Attach registers as an interactive client over the session's WebSocket,
which provisions or resumes the sandbox when needed. Each input line is
sent as a prompt. Special lines:

  /cancel       interrupt the running turn
  /snapshot     save a snapshot
  /git ARGS...  run a git command in the workspace
  exit | quit   detach

Received events are printed one JSON object per line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := NewClient(cfg.serverAddr, cfg.token)
			conn, err := c.DialSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					_, data, err := conn.ReadMessage()
					if err != nil {
						return
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
				}
			}()

			in := bufio.NewScanner(cmd.InOrStdin())
			for in.Scan() {
				line := strings.TrimSpace(in.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					break
				}

				var msg types.Command
				switch {
				case line == "/cancel":
					msg = types.Command{Type: types.CommandCancel}
				case line == "/snapshot":
					msg = types.Command{Type: types.CommandSaveSnapshot}
				case strings.HasPrefix(line, "/git "):
					msg = types.Command{Type: types.CommandGit, Args: strings.Fields(strings.TrimPrefix(line, "/git "))}
				default:
					msg = types.Command{Type: types.CommandPrompt, Text: line}
				}

				b, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return err
				}
			}
			if err := in.Err(); err != nil {
				return err
			}

			// Close politely and wait for the reader so every event already
			// in flight gets printed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			<-done
			return nil
		},
	}
	return cmd
}
