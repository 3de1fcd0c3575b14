//go:build e2e

package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// tetherDaemon manages a running tether process.
type tetherDaemon struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
	env     []string
}

const daemonConfig = `network:
  probe: http
  probe_interval: 100ms
sync:
  max_retries: 3
  base_backoff: 10ms
  backoff_ceiling: 50ms
  error_retry_delay: 50ms
policies:
  task:
    strategy: last_write_wins
`

// startTether launches the tether binary against remoteURL and waits for
// the control API to answer.
func startTether(t *testing.T, remoteURL string) *tetherDaemon {
	t.Helper()
	requireTether(t)

	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "tether.yaml")
	if err := os.WriteFile(configPath, []byte(daemonConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s := &tetherDaemon{
		dataDir: dataDir,
		logFile: filepath.Join(dataDir, "tether.log"),
		env: append(os.Environ(),
			"TETHER_CONFIG_PATH="+configPath,
			"TETHER_DB_PATH="+filepath.Join(dataDir, "tether.db"),
			"TETHER_API_KEY="+testAPIKey,
			"TETHER_REMOTE_URL="+remoteURL,
		),
	}
	s.start(t)
	return s
}

func (s *tetherDaemon) start(t *testing.T) {
	t.Helper()
	port := freePort(t)
	s.address = fmt.Sprintf("127.0.0.1:%d", port)

	lf, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}

	cmd := exec.Command(tetherBin)
	cmd.Env = append(s.env, fmt.Sprintf("TETHER_PORT=%d", port))
	cmd.Stdout = lf
	cmd.Stderr = lf
	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start tether: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(s.logFile)
		t.Fatalf("tether not healthy: %v\n%s", err, logs)
	}
}

func (s *tetherDaemon) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

// restart stops the process and starts a new one on the same data
// directory and a new port.
func (s *tetherDaemon) restart(t *testing.T) {
	t.Helper()
	s.stop()
	s.start(t)
}

func (s *tetherDaemon) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *tetherDaemon) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return doRequest(t, s.baseURL(), method, path, body, out)
}

func (s *tetherDaemon) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("tether not healthy after %s", timeout)
}

// cli runs a tether admin subcommand against the daemon's database.
func (s *tetherDaemon) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := exec.Command(tetherBin, append(args, "--db", filepath.Join(s.dataDir, "tether.db"))...)
	cmd.Env = s.env
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
