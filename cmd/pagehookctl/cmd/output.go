package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/webhook"
)

// printOutput writes v in the selected format. Text falls back to YAML for types without a table.
func printOutput(w io.Writer, v any) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return printYAML(w, v)
	case "text", "":
		return printText(w, v)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

// printYAML round-trips through JSON so field names match the API
func printYAML(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

func printText(w io.Writer, v any) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	switch t := v.(type) {
	case []webhook.Subscriber:
		fmt.Fprintln(tw, "ID\tURL\tEVENTS\tENABLED\tCREATED")
		for _, s := range t {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.URL, strings.Join(s.Events, ","), s.Enabled, s.CreatedAt.Format(time.RFC3339))
		}
	case webhook.Subscriber:
		fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
		fmt.Fprintf(tw, "URL:\t%s\n", t.URL)
		fmt.Fprintf(tw, "Events:\t%s\n", strings.Join(t.Events, ", "))
		fmt.Fprintf(tw, "Enabled:\t%t\n", t.Enabled)
		if t.Secret != "" {
			fmt.Fprintf(tw, "Secret:\t%s\t(shown once)\n", t.Secret)
		}
	case []webhook.LogEntry:
		fmt.Fprintln(tw, "TIME\tSUBSCRIBER\tEVENT\tATTEMPT\tSTATUS\tHTTP\tMS\tERROR")
		for _, e := range t {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%s\n", e.Timestamp.Format(time.RFC3339), e.SubscriberID,
				e.EventType, e.Attempt, e.Status, e.HTTPStatus, e.DurationMs, e.Error)
		}
	case []webhook.Job:
		fmt.Fprintln(tw, "JOB\tSUBSCRIBER\tEVENT\tFAILED ATTEMPTS\tNEXT RUN\tLAST ERROR")
		for _, j := range t {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", j.ID, j.SubscriberID, j.EventType, j.Attempt,
				j.NextRunAt.Format(time.RFC3339), j.LastError)
		}
	case dispatch.Summary:
		fmt.Fprintf(tw, "Event:\t%s\n", t.EventID)
		fmt.Fprintf(tw, "Matched:\t%d\n", t.Matched)
		fmt.Fprintf(tw, "Delivered:\t%d\n", t.Delivered)
		fmt.Fprintf(tw, "Failed:\t%d\n", t.Failed)
	default:
		return printYAML(w, v)
	}
	return tw.Flush()
}
