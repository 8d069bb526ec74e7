package stats

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/store/types"
)

func TestTaskDone(t *testing.T) {
	m := New("deuxdrop", Live{})

	m.TaskDone(types.EventMessage, nil, time.Millisecond)
	m.TaskDone(types.EventMessage, nil, time.Millisecond)
	m.TaskDone(types.EventMessage, types.Errorf(types.ErrAlreadyHappened, "dup"), time.Millisecond)
	m.TaskDone(types.EventJoin, errors.New("boom"), time.Second)

	tests := []struct {
		kind    types.EventKind
		outcome string
		want    float64
	}{
		{types.EventMessage, "ok", 2},
		{types.EventMessage, string(types.ErrAlreadyHappened), 1},
		{types.EventJoin, string(types.ErrUnclassified), 1},
		{types.EventJoin, "ok", 0},
	}
	for _, tc := range tests {
		if got := testutil.ToFloat64(m.tasks.WithLabelValues(string(tc.kind), tc.outcome)); got != tc.want {
			t.Errorf("%s/%s: expected %v, got %v", tc.kind, tc.outcome, tc.want, got)
		}
	}
	if n := testutil.CollectAndCount(m.taskSeconds); n != 2 {
		t.Errorf("expected 2 histograms, got %d", n)
	}
}

func TestTransition(t *testing.T) {
	m := New("deuxdrop", Live{})
	m.Transition(replica.StateIdle, replica.StateInflight)
	m.Transition(replica.StateIdle, replica.StateInflight)
	m.Transition(replica.StateInflight, replica.StateZombie)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("idle", "inflight")); got != 2 {
		t.Errorf("idle->inflight: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("inflight", "zombie")); got != 1 {
		t.Errorf("inflight->zombie: expected 1, got %v", got)
	}
}

func TestNewMessages(t *testing.T) {
	m := New("deuxdrop", Live{})
	m.NewMessages(2)
	m.NewMessages(0)
	m.NewMessages(1)
	if got := testutil.ToFloat64(m.newMessages); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New("deuxdrop", Live{
		Processors:  func() int { return 7 },
		Connections: func() int { return 3 },
	})
	m.TaskDone(types.EventWelcome, nil, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler(time.Second).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"deuxdrop_pipeline_processors_live_count 7",
		"deuxdrop_replica_connections_live_count 3",
		`deuxdrop_pipeline_tasks_total{kind="welcome",outcome="ok"} 1`,
		"deuxdrop_uptime_seconds",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics page has no '%s'", want)
		}
	}
}
