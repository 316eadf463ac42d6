package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/ingest"
	"github.com/austindbirch/pagehook/internal/webhook"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Send workspace events",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return requireWorkspace()
	},
}

var eventTriggerCmd = &cobra.Command{
	Use:   "trigger <type>",
	Short: "Trigger an event through the admin API and wait for the fan-out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := eventData(cmd)
		if err != nil {
			return err
		}
		body := map[string]any{"type": args[0], "data": data}
		var summary dispatch.Summary
		if err := apiRequest(cmd.Context(), http.MethodPost, workspacePath("/events"), body, &summary); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), summary)
	},
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish <type>",
	Short: "Publish an event to the NSQ events topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := eventData(cmd)
		if err != nil {
			return err
		}
		ev, err := webhook.NewEvent(args[0], data)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("nsqd")
		topic, _ := cmd.Flags().GetString("topic")
		producer, err := nsq.NewProducer(addr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer producer.Stop()
		producer.SetLoggerLevel(nsq.LogLevelError)

		if err := ingest.Publish(producer, topic, ingest.NewEnvelope(cmd.Context(), workspaceID, ev)); err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), map[string]string{"eventId": ev.ID, "topic": topic})
	},
}

func eventData(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("data")
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventTriggerCmd, eventPublishCmd)
	eventCmd.PersistentFlags().String("data", "", "event data as a JSON object")
	eventPublishCmd.Flags().String("nsqd", "localhost:4150", "nsqd TCP address")
	eventPublishCmd.Flags().String("topic", "workspace_events", "events topic")
}
