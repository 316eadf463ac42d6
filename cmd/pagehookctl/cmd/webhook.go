package cmd

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/registry"
	"github.com/austindbirch/pagehook/internal/webhook"
)

var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"webhooks", "wh"},
	Short:   "Manage webhook subscribers",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return requireWorkspace()
	},
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the workspace's webhooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var subs []webhook.Subscriber
		if err := apiRequest(cmd.Context(), http.MethodGet, workspacePath("/webhooks"), nil, &subs); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), subs)
	},
}

var webhookGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one webhook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sub webhook.Subscriber
		if err := apiRequest(cmd.Context(), http.MethodGet, workspacePath("/webhooks/"+args[0]), nil, &sub); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), sub)
	},
}

var webhookCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a webhook. The signing secret is printed once.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		events, _ := cmd.Flags().GetStringSlice("events")
		secret, _ := cmd.Flags().GetString("secret")
		in := registry.CreateInput{URL: url, Events: events, Secret: secret}
		if cmd.Flags().Changed("disabled") {
			disabled, _ := cmd.Flags().GetBool("disabled")
			enabled := !disabled
			in.Enabled = &enabled
		}
		var sub webhook.Subscriber
		if err := apiRequest(cmd.Context(), http.MethodPost, workspacePath("/webhooks"), in, &sub); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), sub)
	},
}

var webhookUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a webhook's url, events or enabled flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p registry.Patch
		f := cmd.Flags()
		if f.Changed("url") {
			url, _ := f.GetString("url")
			p.URL = &url
		}
		if f.Changed("events") {
			p.Events, _ = f.GetStringSlice("events")
		}
		if f.Changed("enabled") {
			enabled, _ := f.GetBool("enabled")
			p.Enabled = &enabled
		}
		if p.URL == nil && p.Events == nil && p.Enabled == nil {
			return errors.New("nothing to update: pass --url, --events or --enabled")
		}
		var sub webhook.Subscriber
		if err := apiRequest(cmd.Context(), http.MethodPatch, workspacePath("/webhooks/"+args[0]), p, &sub); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), sub)
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a webhook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), http.MethodDelete, workspacePath("/webhooks/"+args[0]), nil, nil); err != nil {
			return err
		}
		cmd.Printf("deleted %s\n", args[0])
		return nil
	},
}

var webhookTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Send a webhook.test event to one webhook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var summary dispatch.Summary
		if err := apiRequest(cmd.Context(), http.MethodPost, workspacePath("/webhooks/"+args[0]+"/test"), nil, &summary); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), summary)
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookListCmd, webhookGetCmd, webhookCreateCmd, webhookUpdateCmd, webhookDeleteCmd, webhookTestCmd)

	webhookCreateCmd.Flags().String("url", "", "receiver URL (http or https)")
	webhookCreateCmd.Flags().StringSlice("events", nil, "event types to subscribe to")
	webhookCreateCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	webhookCreateCmd.Flags().Bool("disabled", false, "create the webhook disabled")
	_ = webhookCreateCmd.MarkFlagRequired("url")
	_ = webhookCreateCmd.MarkFlagRequired("events")

	webhookUpdateCmd.Flags().String("url", "", "new receiver URL")
	webhookUpdateCmd.Flags().StringSlice("events", nil, "replacement event list")
	webhookUpdateCmd.Flags().Bool("enabled", true, "enable or disable delivery")
}
