package daemon

import (
	"context"
	"os"
	"strings"
	"testing"

	"montage/internal/api"
	"montage/internal/logging"
	"montage/internal/runstore"
	"montage/internal/testsupport"
)

// startDaemon brings up a full daemon on a port-zero API bind and returns a
// client pointed at it. Workers stay disabled, so submitted runs park on the
// first stage dispatch.
func startDaemon(t *testing.T) (*Daemon, *api.Client) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	d, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	client, err := api.NewClient(d.api.addr())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return d, client
}

func TestAPIStatus(t *testing.T) {
	_, client := startDaemon(t)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running {
		t.Fatal("daemon should report running")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", status.PID, os.Getpid())
	}
	if status.RunDBPath == "" || status.LockFilePath == "" {
		t.Fatalf("paths missing from status: %+v", status)
	}
}

func TestAPISubmitListDescribe(t *testing.T) {
	_, client := startDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, "footage/interview.mp4")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.ID == "" {
		t.Fatal("submitted run has no id")
	}
	if run.Status != string(runstore.StatusInProgress) {
		t.Fatalf("status = %s, want in_progress", run.Status)
	}
	if run.CurrentStage != "audio" || run.Attempt != 1 {
		t.Fatalf("run not parked on first audio attempt: %+v", run)
	}

	runs, err := client.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("list = %+v, want the submitted run", runs)
	}

	filtered, err := client.List(ctx, "completed")
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("completed filter matched %d runs", len(filtered))
	}

	if _, err := client.List(ctx, "sideways"); err == nil {
		t.Fatal("unknown status filter should be rejected")
	}

	described, err := client.Describe(ctx, run.ID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if described.ID != run.ID || described.AssetRef != "footage/interview.mp4" {
		t.Fatalf("describe mismatch: %+v", described)
	}

	if _, err := client.Describe(ctx, "no-such-run"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("describe of unknown run = %v, want 404", err)
	}
}

func TestAPISubmitRejectsEmptyAsset(t *testing.T) {
	_, client := startDaemon(t)

	if _, err := client.Submit(context.Background(), "  "); err == nil {
		t.Fatal("empty asset ref should be rejected")
	}
}

func TestAPICancelRun(t *testing.T) {
	_, client := startDaemon(t)
	ctx := context.Background()

	run, err := client.Submit(ctx, "footage/keynote.mp4")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := client.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != string(runstore.StatusFailed) {
		t.Fatalf("status = %s, want failed", cancelled.Status)
	}
	if cancelled.FailureCause != string(runstore.CauseCancelled) {
		t.Fatalf("failure cause = %s, want cancelled", cancelled.FailureCause)
	}

	if _, err := client.Cancel(ctx, "no-such-run"); err == nil {
		t.Fatal("cancel of unknown run should fail")
	}
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	first, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := first.Start(context.Background()); err == nil {
		t.Fatal("double start should be rejected")
	}

	second, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("new second daemon: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("second instance should fail to acquire the lock")
	}
}
