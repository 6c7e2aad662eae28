package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsSessionActivity(t *testing.T) {
	t.Parallel()

	r := New()
	r.Started()
	if got := testutil.ToFloat64(r.active); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}

	r.SpawnFailed()
	r.WaitFinished("found", 120*time.Millisecond)
	r.WaitFinished("timed_out", time.Second)
	r.WaitFinished("found", 10*time.Millisecond)
	r.Terminated("forced")

	if got := testutil.ToFloat64(r.starts); got != 1 {
		t.Fatalf("starts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.spawnFailures); got != 1 {
		t.Fatalf("spawn failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.waitOutcomes.WithLabelValues("found")); got != 2 {
		t.Fatalf("found outcomes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.waitOutcomes.WithLabelValues("timed_out")); got != 1 {
		t.Fatalf("timed_out outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.terminations.WithLabelValues("forced")); got != 1 {
		t.Fatalf("forced terminations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.active); got != 0 {
		t.Fatalf("active = %v, want 0 after termination", got)
	}
	if got := testutil.CollectAndCount(r.waitDuration); got != 1 {
		t.Fatalf("wait duration collectors = %d, want 1", got)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	t.Parallel()

	first := New()
	second := New()
	first.Started()

	if got := testutil.ToFloat64(second.starts); got != 0 {
		t.Fatalf("second recorder starts = %v, want 0", got)
	}
}

func TestWriteToTextfile(t *testing.T) {
	t.Parallel()

	r := New()
	r.Started()
	r.Terminated("graceful")

	path := filepath.Join(t.TempDir(), "procwatch.prom")
	if err := r.WriteToTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"procwatch_session_starts_total 1",
		`procwatch_terminations_total{mode="graceful"} 1`,
		"procwatch_session_active 0",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("textfile missing %q:\n%s", want, text)
		}
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.Started()
	r.SpawnFailed()
	r.WaitFinished("found", time.Second)
	r.Terminated("exited")
	if r.Registry() != nil {
		t.Fatal("nil recorder should have no registry")
	}
	if err := r.WriteToTextfile(filepath.Join(t.TempDir(), "x.prom")); err == nil {
		t.Fatal("expected error from nil recorder")
	}
}
