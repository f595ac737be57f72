package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/indentbot/internal/config"
	"github.com/papapumpkin/indentbot/internal/telemetry"
)

var eventsCmd = &cobra.Command{
	Use:   "events [file]",
	Short: "View the JSONL telemetry stream",
	Long: `Reads and formats the telemetry file named by telemetry_file (or the
argument).

With --follow (-f), watches the file for new events (like tail -f).
With --run, only events from that run are shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().BoolP("follow", "f", false, "follow the file for new events")
	eventsCmd.Flags().String("run", "", "only show events from this run ID")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	runID, _ := cmd.Flags().GetString("run")

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.TelemetryFile
	}
	if path == "" {
		return fmt.Errorf("events: no telemetry_file configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("events: open %s: %w", path, err)
	}
	defer f.Close()

	p := eventPrinter{w: cmd.OutOrStdout(), runID: runID}
	// bufio.Reader rather than Scanner so the offset is right for tailing.
	reader := bufio.NewReader(f)
	if err := p.drain(reader); err != nil {
		return fmt.Errorf("events: read %s: %w", path, err)
	}

	if !follow {
		return nil
	}
	return tailFollow(cmd, reader, path, p)
}

type eventPrinter struct {
	w     io.Writer
	runID string
}

// drain prints every complete line available from r.
func (p eventPrinter) drain(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			p.print(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// tailFollow watches the file for new data using fsnotify and prints new
// events until the command's context is done.
func tailFollow(cmd *cobra.Command, r *bufio.Reader, path string, p eventPrinter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("events: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("events: watch %s: %w", path, err)
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if err := p.drain(r); err != nil {
				return fmt.Errorf("events: read %s: %w", path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("events: watch %s: %w", path, err)
		}
	}
}

// print decodes a JSONL line and prints a human-readable representation.
func (p eventPrinter) print(line string) {
	var evt telemetry.Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		fmt.Fprintf(p.w, "??? %s\n", line)
		return
	}
	if p.runID != "" && evt.RunID != p.runID {
		return
	}

	parts := []string{fmt.Sprintf("[%s]", evt.Timestamp.Local().Format(time.DateTime)), evt.Kind}
	if evt.RunID != "" {
		parts = append(parts, "run="+shortID(evt.RunID))
	}
	if evt.DocID != "" {
		parts = append(parts, fmt.Sprintf("doc=%q", evt.DocID))
	}
	if evt.Data != nil {
		if m, ok := evt.Data.(map[string]any); ok {
			parts = append(parts, formatDataMap(m))
		} else {
			data, _ := json.Marshal(evt.Data)
			parts = append(parts, string(data))
		}
	}

	fmt.Fprintln(p.w, strings.Join(parts, " "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDataMap formats a data map as key=value pairs sorted by key.
func formatDataMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, m[k])
	}
	return b.String()
}
