package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yonaka/researchd/internal/config"
)

// --- research ---

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Create and inspect research tasks",
}

var researchCreateCmd = &cobra.Command{
	Use:   "create <query>",
	Short: "Create a research task and queue it for execution",
	Long: `Create a research task and queue it for execution.

The command returns immediately; the research runs in the background.
Use "researchd research watch <id>" to follow progress.

Examples:
  researchd research create "history of the Go programming language"
  researchd research create "explain this" --selected-text "CSP-style concurrency"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		selectedText, _ := cmd.Flags().GetString("selected-text")
		voiceCommand, _ := cmd.Flags().GetString("voice-command")

		req := map[string]any{"query": query}
		if selectedText != "" {
			req["selectedText"] = selectedText
		}
		if voiceCommand != "" {
			req["voiceCommand"] = voiceCommand
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/research", req)
		if err != nil {
			return err
		}

		var snap struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Revision int64  `json:"revision"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printSuccess("Created research %s (status %s, revision %d)", snap.ID, snap.Status, snap.Revision)
		printStep("researchd research watch %s", snap.ID)
		return nil
	},
}

var researchShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the current research snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/research/"+args[0])
		if err != nil {
			return err
		}

		var snapshot any
		if err := decodeJSON(resp, &snapshot); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}

var researchReExecuteCmd = &cobra.Command{
	Use:   "re-execute <id>",
	Short: "Reset a research task and queue it for another run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/research/"+args[0]+"/re-execute", nil)
		if err != nil {
			return err
		}

		var snap struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Revision int64  `json:"revision"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printSuccess("Re-executing research %s (revision %d)", snap.ID, snap.Revision)
		return nil
	},
}

var researchWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Stream research events until the task completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetInt64("from")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var lastEventID string
		if from > 0 {
			lastEventID = strconv.FormatInt(from, 10)
		}

		resp, err := client.stream(ctx, "/research/"+args[0]+"/events", lastEventID)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		printStep("Watching research %s (Ctrl-C to stop)", args[0])

		var terminal string
		err = readSSE(resp.Body, func(ev sseEvent) bool {
			printEvent(ev)
			if status, ok := eventStatus(ev); ok && status != "pending" {
				terminal = status
				return false
			}
			return true
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		switch terminal {
		case "completed":
			printSuccess("Research completed")
		case "failed":
			printError("Research failed")
		}
		return nil
	},
}

var researchEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print the persisted event log for a research task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var lastEventID string
		if since > 0 {
			lastEventID = strconv.FormatInt(since, 10)
		}

		resp, err := client.stream(ctx, "/research/"+args[0]+"/events", lastEventID)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		frames := make(chan sseEvent)
		go func() {
			defer close(frames)
			readSSE(resp.Body, func(ev sseEvent) bool {
				select {
				case frames <- ev:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}()

		// The backlog replay arrives immediately; stop once the stream goes
		// quiet instead of holding the live subscription open.
		count := 0
		for {
			select {
			case ev, ok := <-frames:
				if !ok {
					return nil
				}
				printEvent(ev)
				count++
			case <-time.After(wait):
				if count == 0 {
					fmt.Println("No events found.")
				}
				return nil
			}
		}
	},
}

func printEvent(ev sseEvent) {
	fmt.Printf("%s  %-16s %s\n", colorize(colorCyan, "rev "+ev.ID), ev.Event, ev.Data)
}

// eventStatus extracts the lifecycle status from a status event frame.
func eventStatus(ev sseEvent) (string, bool) {
	if ev.Event != "status" {
		return "", false
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil || payload.Status == "" {
		return "", false
	}
	return payload.Status, true
}

func init() {
	researchCreateCmd.Flags().String("selected-text", "", "text selection to research in context")
	researchCreateCmd.Flags().String("voice-command", "", "voice command that triggered the research")
	researchWatchCmd.Flags().Int64("from", 0, "replay events after this revision first")
	researchEventsCmd.Flags().Int64("since", 0, "only show events after this revision")
	researchEventsCmd.Flags().Duration("wait", time.Second, "how long to wait for further events")

	researchCmd.AddCommand(researchCreateCmd)
	researchCmd.AddCommand(researchShowCmd)
	researchCmd.AddCommand(researchReExecuteCmd)
	researchCmd.AddCommand(researchWatchCmd)
	researchCmd.AddCommand(researchEventsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
