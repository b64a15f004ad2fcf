package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"martetl/internal/config"
	"martetl/internal/storage"
)

func TestRunnerRun_ConfigGate(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	r.NewRepository = func(context.Context, storage.Config) (storage.Repository, error) {
		t.Fatal("repository opened despite config errors")
		return nil, nil
	}

	_, err := r.Run(context.Background(), config.Pipeline{})
	if err == nil || !strings.Contains(err.Error(), "config has") {
		t.Fatalf("want config error, got %v", err)
	}
}

func TestRunnerRun_WritesReport(t *testing.T) {
	t.Parallel()

	cfg := retailPipeline()
	cfg.Report = filepath.Join(t.TempDir(), "run.json")

	repo := newFakeRepo()
	r := NewRunner(nil)
	r.NewRepository = func(context.Context, storage.Config) (storage.Repository, error) {
		return repo, nil
	}
	r.Open = memSources(retailFiles())

	rep, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	b, err := os.ReadFile(cfg.Report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	body := string(b)
	if !strings.Contains(body, `"batch_id": "batch-1"`) {
		t.Fatalf("report missing batch id:\n%s", body)
	}
	if !strings.Contains(body, `"duplicates_dropped": 1`) {
		t.Fatalf("report missing dedupe counters:\n%s", body)
	}
	if rep == nil || len(rep.Writes) != 3 {
		t.Fatalf("report writes = %+v", rep)
	}
}

func TestRunnerRun_StorageOpenError(t *testing.T) {
	t.Parallel()

	cfg := retailPipeline()
	cfg.Storage.Kind = "oracle"

	r := NewRunner(nil)
	_, err := r.Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "storage") {
		t.Fatalf("want storage error, got %v", err)
	}
}

func TestRunnerRun_NoWarehouseIsReportOnly(t *testing.T) {
	t.Parallel()

	cfg := retailPipeline()
	cfg.Storage = config.Storage{}

	r := NewRunner(nil)
	r.NewRepository = func(context.Context, storage.Config) (storage.Repository, error) {
		t.Fatal("repository opened without a configured warehouse")
		return nil, nil
	}
	r.Open = memSources(retailFiles())

	rep, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(rep.Writes) != 0 {
		t.Fatalf("writes = %+v, want none", rep.Writes)
	}
	for _, tr := range rep.Tables {
		if tr.Status != StatusOK {
			t.Fatalf("table %s status = %s, want ok", tr.Name, tr.Status)
		}
	}
}
