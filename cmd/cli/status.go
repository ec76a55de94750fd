package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/probelab/netdash/internal/session"
)

var statusServer string

// statusCmd queries a running daemon for its per-tool session state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session state of a running netdash daemon",
	Example: `  netdash status
  netdash status --server http://127.0.0.1:8080`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusServer, "server", "http://127.0.0.1:8080", "Daemon base URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(statusServer + "/api/v1/sessions")
	if err != nil {
		return fmt.Errorf("querying daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var sessions map[session.ToolKind]session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("decoding daemon response: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Tool", "Status", "Target", "Progress", "Started", "Error")
	for _, tool := range session.Tools {
		snap, ok := sessions[tool]
		if !ok {
			continue
		}
		started := ""
		if !snap.StartedAt.IsZero() {
			started = snap.StartedAt.Format("15:04:05")
		}
		_ = table.Append([]string{
			string(tool), string(snap.Status), snap.Target,
			fmt.Sprintf("%.0f%%", snap.Progress.Percent),
			started, snap.Error,
		})
	}
	_ = table.Render()
	return nil
}
