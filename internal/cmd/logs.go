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

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/daemon"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/ipc"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon log output",
		RunE:  runLogs,
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolP("follow", "f", false, "follow log output")
	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	numLines, _ := cmd.Flags().GetInt("lines")
	follow, _ := cmd.Flags().GetBool("follow")
	dir := stateDir(cmd)

	client, err := ipc.Dial(daemon.SocketPath(dir))
	if err != nil {
		// No live daemon; read the log file directly.
		return tailLogFile(cmd, dir, numLines, follow)
	}
	defer func() { _ = client.Close() }()

	result, err := client.Logs(numLines)
	if err != nil {
		return err
	}
	for _, entry := range result.Entries {
		_, _ = fmt.Fprintln(os.Stdout, formatLogEvent(entry))
	}
	if !follow {
		return nil
	}

	if err := client.Subscribe(eventbus.LogEntry); err != nil {
		return err
	}
	for {
		select {
		case evt, ok := <-client.Events():
			if !ok {
				return nil
			}
			_, _ = fmt.Fprintln(os.Stdout, formatLogEvent(evt))
		case <-cmd.Context().Done():
			return nil
		}
	}
}

// formatLogEvent renders one log ring entry as a line: time, level, message,
// then the remaining attrs sorted by key.
func formatLogEvent(evt ipc.Event) string {
	var entry map[string]any
	if err := json.Unmarshal(evt.Data, &entry); err != nil {
		return string(evt.Data)
	}

	ts, _ := entry["time"].(string)
	level, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)

	var b strings.Builder
	b.WriteString(ts)
	b.WriteString(" ")
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k == "time" || k == "level" || k == "msg" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String()
}

// tailLogFile prints the last n lines of the daemon log file, optionally
// following new output.
func tailLogFile(cmd *cobra.Command, dir string, n int, follow bool) error {
	logPath := daemon.LogPath(dir)
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log file found at %s", logPath)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	lines, err := tailLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(os.Stdout, line)
	}

	if !follow {
		return nil
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			return err
		}
		_, _ = fmt.Fprint(os.Stdout, line)
	}
}

// tailLines reads the last n lines from the file.
func tailLines(f *os.File, n int) ([]string, error) {
	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}
