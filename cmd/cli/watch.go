package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/yourusername/teledm-go/internal/domain"
)

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Follow download progress",
	Long: `With an id, draw a progress bar for that download until it stops.
Without one, print every engine event until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		taskID := ""
		if len(args) == 1 {
			taskID = args[0]
		}

		conn, err := dialEvents(taskID)
		if err != nil {
			return err
		}
		defer conn.Close()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		go func() {
			<-interrupt
			conn.Close()
		}()

		if taskID == "" {
			return printEvents(conn)
		}
		return followTask(conn, taskID)
	},
}

func dialEvents(taskID string) (*websocket.Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/events"
	if taskID != "" {
		u.RawQuery = url.Values{"task": {taskID}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	return conn, nil
}

func printEvents(conn *websocket.Conn) error {
	for {
		var e domain.Event
		if err := conn.ReadJSON(&e); err != nil {
			return nil
		}
		fmt.Println(describeEvent(e))
	}
}

// followTask draws a byte progress bar until the task leaves downloading
func followTask(conn *websocket.Conn, taskID string) error {
	// the subscription is live, so no event is lost between this read and the stream
	var task domain.DownloadTask
	if err := callAPI(http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task); err != nil {
		return err
	}
	if task.Status != domain.StatusQueued && task.Status != domain.StatusDownloading {
		fmt.Printf("%s is %s (%s)\n", taskName(&task), task.Status, progressText(&task))
		return nil
	}

	total := int64(-1)
	if task.TotalSize != nil {
		total = *task.TotalSize
	}
	bar := progressbar.DefaultBytes(total, truncate(taskName(&task), 30))
	bar.Set64(task.BytesDownloaded)

	for {
		var e domain.Event
		if err := conn.ReadJSON(&e); err != nil {
			fmt.Println()
			return nil
		}

		switch e.Type {
		case domain.EventTaskProgress:
			if e.TotalSize != nil && total != *e.TotalSize {
				total = *e.TotalSize
				bar.ChangeMax64(total)
			}
			bar.Set64(e.BytesDownloaded)

		case domain.EventTaskRetrying:
			bar.Describe(fmt.Sprintf("retry %d in %s", e.Attempt, e.RetryIn))

		case domain.EventTaskStatusChanged:
			if e.NewStatus == domain.StatusDownloading || e.NewStatus == domain.StatusQueued {
				continue
			}
			if e.NewStatus == domain.StatusCompleted {
				bar.Finish()
			}
			fmt.Printf("\n%s\n", describeEvent(e))
			return nil

		case domain.EventTaskRemoved, domain.EventEngineAlert:
			fmt.Printf("\n%s\n", describeEvent(e))
			return nil
		}
	}
}

func describeEvent(e domain.Event) string {
	ts := e.Time.Format("15:04:05")
	id := truncate(e.TaskID, 8)
	switch e.Type {
	case domain.EventTaskCreated:
		name := ""
		if e.Task != nil {
			name = taskName(e.Task)
		}
		return fmt.Sprintf("%s %s queued %s", ts, id, name)
	case domain.EventTaskProgress:
		return fmt.Sprintf("%s %s %s at %s/s", ts, id, formatBytes(e.BytesDownloaded), formatBytes(int64(e.SpeedBps)))
	case domain.EventTaskStatusChanged:
		return fmt.Sprintf("%s %s %s -> %s", ts, id, e.OldStatus, e.NewStatus)
	case domain.EventTaskRetrying:
		return fmt.Sprintf("%s %s retry %d in %s: %s", ts, id, e.Attempt, e.RetryIn, e.LastError)
	case domain.EventTaskFailed:
		return fmt.Sprintf("%s %s failed: %s", ts, id, e.LastError)
	case domain.EventTaskRemoved:
		return fmt.Sprintf("%s %s removed", ts, id)
	case domain.EventEngineAlert:
		return fmt.Sprintf("%s ENGINE STOPPED: %s", ts, e.LastError)
	default:
		return fmt.Sprintf("%s %s %s", ts, id, e.Type)
	}
}
