package infrastructure

import (
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
)

// NotificationService sends desktop notifications for finished downloads
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger

	// run executes the notifier command; replaced in tests
	run func(name string, args ...string) error
	wg  sync.WaitGroup
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		config: config,
		logger: logger,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	var err error
	switch n.config.Method {
	case "osascript":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		err = n.run("osascript", "-e", script)
	case "notify-send":
		err = n.run("notify-send", title, message)
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	if err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// Observe is an event listener. The notifier command runs in the background
// so the publishing worker is never held up.
func (n *NotificationService) Observe(event domain.Event) {
	var title, message string
	switch event.Type {
	case domain.EventTaskStatusChanged:
		if event.NewStatus != domain.StatusCompleted || event.Task == nil {
			return
		}
		title = "Download Completed"
		message = fmt.Sprintf("Saved: %s", truncateString(taskLabel(event.Task), 40))
	case domain.EventTaskFailed:
		title = "Download Failed"
		label := event.TaskID
		if event.Task != nil {
			label = taskLabel(event.Task)
		}
		message = fmt.Sprintf("Failed: %s: %s", truncateString(label, 30), truncateString(event.LastError, 60))
	case domain.EventEngineAlert:
		title = "Download Engine Stopped"
		message = truncateString(event.LastError, 80)
	default:
		return
	}

	if !n.config.Enabled {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Send(title, message)
	}()
}

// Wait blocks until pending notifications have been sent
func (n *NotificationService) Wait() {
	n.wg.Wait()
}

func taskLabel(task *domain.DownloadTask) string {
	if task.DisplayName != "" {
		return task.DisplayName
	}
	return task.SourceRef
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
