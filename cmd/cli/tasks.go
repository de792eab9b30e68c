package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourusername/teledm-go/internal/domain"
	"github.com/yourusername/teledm-go/pkg/logger"
)

var addCmd = &cobra.Command{
	Use:   "add [reference]",
	Short: "Queue a file for download",
	Long: `Queue the file attached to a Telegram message. The reference is
<chat>/<message>, <chat>:<message> or a t.me link.`,
	Example: `  teledm add https://t.me/durov/42
  teledm add durov/42 --name talk.mp4 --dest ~/Videos/`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		name, _ := cmd.Flags().GetString("name")
		dest, _ := cmd.Flags().GetString("dest")

		payload := map[string]string{"source_ref": args[0]}
		if name != "" {
			payload["display_name"] = name
		}
		if dest != "" {
			payload["destination_path"] = dest
		}

		var task domain.DownloadTask
		if err := callAPI(http.MethodPost, "/api/v1/tasks", payload, &task); err != nil {
			return err
		}

		fmt.Printf("Download added successfully!\n")
		fmt.Printf("ID:          %s\n", task.ID)
		fmt.Printf("Destination: %s\n", task.DestinationPath)
		fmt.Printf("Status:      %s\n", task.Status)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads in queue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		status, _ := cmd.Flags().GetString("status")

		path := "/api/v1/tasks"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}

		var tasks []domain.DownloadTask
		if err := callAPI(http.MethodGet, path, nil, &tasks); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tRETRIES")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				truncate(t.ID, 8),
				truncate(taskName(&t), 40),
				t.Status,
				progressText(&t),
				t.RetryCount)
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show download details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var t domain.DownloadTask
		if err := callAPI(http.MethodGet, "/api/v1/tasks/"+args[0], nil, &t); err != nil {
			return err
		}

		fmt.Printf("Download Details:\n")
		fmt.Printf("  ID:          %s\n", t.ID)
		fmt.Printf("  Source:      %s\n", t.SourceRef)
		fmt.Printf("  Name:        %s\n", taskName(&t))
		fmt.Printf("  Destination: %s\n", t.DestinationPath)
		fmt.Printf("  Status:      %s\n", t.Status)
		fmt.Printf("  Progress:    %s\n", progressText(&t))
		fmt.Printf("  Retries:     %d\n", t.RetryCount)
		fmt.Printf("  Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
		if t.StartedAt != nil {
			fmt.Printf("  Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if t.CompletedAt != nil {
			fmt.Printf("  Finished:    %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		if t.LastError != "" {
			fmt.Printf("  Last error:  %s\n", t.LastError)
		}
		return nil
	},
}

// newCommand builds the pause/resume/cancel/remove commands, which only differ
// in the request they send
func newCommand(use, short, method, action, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ensureServer()
			path := "/api/v1/tasks/" + args[0]
			if action != "" {
				path += "/" + action
			}
			if err := callAPI(method, path, nil, nil); err != nil {
				return err
			}
			fmt.Println(done)
			return nil
		},
	}
}

var (
	pauseCmd  = newCommand("pause", "Pause a download at the next chunk boundary", http.MethodPost, "pause", "Pause requested")
	resumeCmd = newCommand("resume", "Resume a paused or failed download", http.MethodPost, "resume", "Download queued")
	cancelCmd = newCommand("cancel", "Cancel a download, keeping the partial file", http.MethodPost, "cancel", "Download cancelled")
	removeCmd = newCommand("remove", "Remove a download from the list", http.MethodDelete, "", "Download removed")
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed, failed and cancelled downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var result struct {
			Removed int `json:"removed"`
		}
		if err := callAPI(http.MethodDelete, "/api/v1/tasks", nil, &result); err != nil {
			return err
		}
		fmt.Printf("Removed %d finished download(s)\n", result.Removed)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show download statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var result struct {
			Tasks  domain.TaskStats `json:"tasks"`
			Active int              `json:"active"`
		}
		if err := callAPI(http.MethodGet, "/api/v1/tasks/stats", nil, &result); err != nil {
			return err
		}

		s := result.Tasks
		fmt.Println("Download Statistics:")
		fmt.Printf("  Total:       %d\n", s.Total)
		fmt.Printf("  Queued:      %d\n", s.Queued)
		fmt.Printf("  Downloading: %d (%d workers busy)\n", s.Downloading, result.Active)
		fmt.Printf("  Paused:      %d\n", s.Paused)
		fmt.Printf("  Completed:   %d\n", s.Completed)
		fmt.Printf("  Failed:      %d\n", s.Failed)
		fmt.Printf("  Cancelled:   %d\n", s.Cancelled)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "Show the lifecycle history of a download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		date, _ := cmd.Flags().GetString("date")

		path := "/api/v1/tasks/" + args[0] + "/history"
		if date != "" {
			path += "?date=" + url.QueryEscape(date)
		}

		var result struct {
			Entries []logger.LogEntry `json:"entries"`
		}
		if err := callAPI(http.MethodGet, path, nil, &result); err != nil {
			return err
		}
		if len(result.Entries) == 0 {
			fmt.Println("No history recorded for this day")
			return nil
		}

		for _, e := range result.Entries {
			var extra []string
			for k, v := range e.Fields {
				if k == "task_id" {
					continue
				}
				extra = append(extra, fmt.Sprintf("%s=%v", k, v))
			}
			fmt.Printf("%s  %-16s %s\n", e.Timestamp, e.Message, strings.Join(extra, " "))
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringP("name", "n", "", "Display name, also used as the file name")
	addCmd.Flags().StringP("dest", "d", "", "Destination file or directory (relative to download_path)")
	listCmd.Flags().StringP("status", "s", "", "Filter by status, comma separated")
	logsCmd.Flags().String("date", "", "Day to read, YYYY-MM-DD (default today)")
}

func taskName(t *domain.DownloadTask) string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.SourceRef
}

func progressText(t *domain.DownloadTask) string {
	if t.TotalSize == nil {
		return formatBytes(t.BytesDownloaded)
	}
	if *t.TotalSize == 0 {
		return "100%"
	}
	pct := float64(t.BytesDownloaded) / float64(*t.TotalSize) * 100
	return fmt.Sprintf("%.1f%% of %s", pct, formatBytes(*t.TotalSize))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
