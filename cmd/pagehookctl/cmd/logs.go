package cmd

import (
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pagehook/internal/webhook"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent delivery attempts, newest first",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return requireWorkspace()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var entries []webhook.LogEntry
		path := workspacePath("/logs?limit=" + strconv.Itoa(limit))
		if err := apiRequest(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), entries)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show pending retries",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return requireWorkspace()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []webhook.Job
		if err := apiRequest(cmd.Context(), http.MethodGet, workspacePath("/queue"), nil, &jobs); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), jobs)
	},
}

func init() {
	rootCmd.AddCommand(logsCmd, queueCmd)
	logsCmd.Flags().IntP("limit", "n", 50, "maximum entries to show")
}
