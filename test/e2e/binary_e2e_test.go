//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/pkg/tether"
)

// awaitConnected waits for the daemon's probe to see the remote. Hosts
// without a usable non-loopback interface never get there.
func awaitConnected(t *testing.T, s *tetherDaemon, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var h api.HealthResponse
		s.do(t, http.MethodGet, "/api/v1/health", nil, &h)
		if h.Connectivity.Connected == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if want {
		t.Skip("daemon never saw connectivity; host has no usable network interface")
	}
	t.Fatal("daemon still reports connectivity")
}

func TestBinary_HealthReportsVersionAndState(t *testing.T) {
	// Given: a running daemon
	_, srv := newRemoteAuthority(t)
	s := startTether(t, srv.URL)

	// When
	var h api.HealthResponse
	status := s.do(t, http.MethodGet, "/api/v1/health", nil, &h)

	// Then
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if h.Status != "healthy" {
		t.Errorf("status field = %q, want healthy", h.Status)
	}
	if h.SyncState == "" {
		t.Error("sync_state is empty")
	}
}

func TestBinary_UnhealthyRemoteHoldsQueueUntilRecovery(t *testing.T) {
	// Given: a daemon whose remote health check fails
	remote, srv := newRemoteAuthority(t)
	remote.setHealthy(false)
	s := startTether(t, srv.URL)
	awaitConnected(t, s, false)

	// When: a task is completed
	var created api.OperationView
	if status := s.do(t, http.MethodPost, "/api/v1/operations", completeTaskRequest("task-bin"), &created); status != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want 201", status)
	}

	// Then: the operation waits in the queue
	var st api.StatusResponse
	s.do(t, http.MethodGet, "/api/v1/sync/status", nil, &st)
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}
	if n := remote.completions()[created.ID]; n != 0 {
		t.Fatalf("remote saw %d completions while unreachable", n)
	}

	// When: the remote becomes healthy
	remote.setHealthy(true)
	awaitConnected(t, s, true)

	// Then: the queue drains
	eventually(t, "queue drained", func() bool {
		return remote.completions()[created.ID] == 1
	})
}

func TestBinary_QueueSurvivesRestart(t *testing.T) {
	// Given: a daemon that cannot reach its remote holds a queued operation
	remote, srv := newRemoteAuthority(t)
	remote.setHealthy(false)
	s := startTether(t, srv.URL)
	awaitConnected(t, s, false)
	var created api.OperationView
	s.do(t, http.MethodPost, "/api/v1/operations", completeTaskRequest("task-restart"), &created)

	// When: the daemon restarts
	s.restart(t)

	// Then: the operation is still queued under the same id
	var ops operationList
	s.do(t, http.MethodGet, "/api/v1/operations", nil, &ops)
	if ops.Count != 1 || ops.Operations[0].ID != created.ID {
		t.Fatalf("operations after restart = %+v, want [%s]", ops.Operations, created.ID)
	}
}

func TestBinary_AdminCLIListsQueue(t *testing.T) {
	// Given: a daemon holding a queued operation
	remote, srv := newRemoteAuthority(t)
	remote.setHealthy(false)
	s := startTether(t, srv.URL)
	awaitConnected(t, s, false)
	var created api.OperationView
	s.do(t, http.MethodPost, "/api/v1/operations", completeTaskRequest("task-cli"), &created)

	// When: the admin CLI lists the queue as JSON
	out, err := s.cli(t, "queue", "list", "--json")
	if err != nil {
		t.Fatalf("queue list: %v\n%s", err, out)
	}

	// Then: the operation is listed
	var listed struct {
		Operations []tether.PendingOperation `json:"operations"`
		Total      int                       `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode CLI output: %v\n%s", err, out)
	}
	if listed.Total != 1 || listed.Operations[0].ID != created.ID {
		t.Errorf("listed = %+v, want [%s]", listed.Operations, created.ID)
	}

	// When: the dead-letter list is requested
	out, err = s.cli(t, "deadletters", "list")
	if err != nil {
		t.Fatalf("deadletters list: %v\n%s", err, out)
	}

	// Then: it reports nothing
	if !strings.Contains(strings.ToLower(out), "no dead") {
		t.Errorf("deadletters output = %q", out)
	}
}
