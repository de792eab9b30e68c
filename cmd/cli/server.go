package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/yourusername/teledm-go/internal/app"
)

const (
	serverBinary       = "teledm-server"
	serverBinaryEnv    = "TELEDM_SERVER_BIN"
	serverOutputFile   = "server-output.log"
	serverStartTimeout = 10 * time.Second
	serverPollInterval = 200 * time.Millisecond
)

// isServerRunning reports whether the server answers its liveness probe
func isServerRunning() bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// serverCandidates lists where an installed server binary may live, in
// lookup order. PATH is searched separately.
func serverCandidates(execDir, home, gobin, gopath string) []string {
	var paths []string
	if execDir != "" {
		paths = append(paths, filepath.Join(execDir, serverBinary))
	}
	if gobin != "" {
		paths = append(paths, filepath.Join(gobin, serverBinary))
	}
	for _, dir := range filepath.SplitList(gopath) {
		paths = append(paths, filepath.Join(dir, "bin", serverBinary))
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, "go", "bin", serverBinary),
			filepath.Join(home, ".teledm", "bin", serverBinary),
			filepath.Join(home, ".local", "bin", serverBinary))
	}
	return append(paths, filepath.Join("/usr/local/bin", serverBinary))
}

func findServerBinary() (string, error) {
	if override := os.Getenv(serverBinaryEnv); override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("%s=%s: %w", serverBinaryEnv, override, err)
		}
		return override, nil
	}

	var execDir string
	if execPath, err := os.Executable(); err == nil {
		execDir = filepath.Dir(execPath)
	}
	home, _ := os.UserHomeDir()
	candidates := serverCandidates(execDir, home, os.Getenv("GOBIN"), os.Getenv("GOPATH"))

	if len(candidates) > 0 && execDir != "" {
		if _, err := os.Stat(candidates[0]); err == nil {
			return candidates[0], nil
		}
	}
	if path, err := exec.LookPath(serverBinary); err == nil {
		return path, nil
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found (install it next to teledm, on PATH, or set %s)", serverBinary, serverBinaryEnv)
}

// serverOutput opens the file that captures the detached server's stdout
// and stderr, next to the category logs. Returns nil when the logs
// directory cannot be determined.
func serverOutput() *os.File {
	config, err := app.LoadConfig(configPath)
	if err != nil || config.Logging.LogsDir == "" {
		return nil
	}
	if err := os.MkdirAll(config.Logging.LogsDir, 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(config.Logging.LogsDir, serverOutputFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil
	}
	return f
}

// startServerBackground starts a detached server and returns a channel that
// receives its exit error if it stops before the caller stops waiting
func startServerBackground() (<-chan error, string, error) {
	serverPath, err := findServerBinary()
	if err != nil {
		return nil, "", err
	}

	var args []string
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	cmd := exec.Command(serverPath, args...)

	output := serverOutput()
	logPath := ""
	if output != nil {
		defer output.Close()
		cmd.Stdout = output
		cmd.Stderr = output
		logPath = output.Name()
	}
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("failed to start %s: %w", serverPath, err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	return exited, logPath, nil
}

// waitForServer polls until the server answers, it exits, or the timeout
// passes
func waitForServer(exited <-chan error, logPath string) error {
	deadline := time.NewTimer(serverStartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(serverPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			if logPath != "" {
				return fmt.Errorf("server exited during startup (%v), see %s", err, logPath)
			}
			return fmt.Errorf("server exited during startup: %v", err)
		case <-deadline.C:
			return fmt.Errorf("server did not answer within %v", serverStartTimeout)
		case <-ticker.C:
			if isServerRunning() {
				return nil
			}
		}
	}
}

// ensureServerRunning starts the server when nothing answers on serverURL
func ensureServerRunning() error {
	if isServerRunning() {
		return nil
	}

	fmt.Println("Server not running, starting...")

	exited, logPath, err := startServerBackground()
	if err != nil {
		return err
	}
	if err := waitForServer(exited, logPath); err != nil {
		return err
	}

	fmt.Println("Server started")
	return nil
}
