package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tessera/internal/config"
	"tessera/internal/pipeline"
	"tessera/internal/stages"
	"tessera/internal/stitch"
	"tessera/internal/storage"
)

func TestStitchCommandQueuesJobs(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	out, err := execute(t, root, "stitch", "a.yaml", "b.yaml", "--allowed-error", "7.5", "--global-optimizer", stages.MaximumSpanningTree)
	if err != nil {
		t.Fatalf("stitch failed: %v", err)
	}
	if len(fakePipe.jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[1]
	if job.Type != pipeline.JobStitch || job.Manifest != "b.yaml" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options[pipeline.OptAllowedError] != 7.5 {
		t.Fatalf("expected allowed error option, got %v", job.Options)
	}
	if job.Options[pipeline.OptGlobalOptimizer] != stages.MaximumSpanningTree {
		t.Fatalf("expected global optimizer option, got %v", job.Options)
	}
	if _, ok := job.Options[pipeline.OptOverlapThreshold]; ok {
		t.Fatalf("unset flags must not become options: %v", job.Options)
	}
	if !strings.Contains(out, "b.yaml: 2 tiles, 1 pairs (grid mode)") {
		t.Fatalf("expected summary, got %q", out)
	}
	if !strings.Contains(out, "0.00, 90.00") {
		t.Fatalf("expected positions table, got %q", out)
	}
}

func TestPairsCommand(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	out, err := execute(t, root, "pairs", "a.yaml", "--overlap-threshold", "12")
	if err != nil {
		t.Fatalf("pairs failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 || fakePipe.jobs[0].Type != pipeline.JobPairs {
		t.Fatalf("expected one pairs job, got %+v", fakePipe.jobs)
	}
	if fakePipe.jobs[0].Options[pipeline.OptOverlapThreshold] != 12.0 {
		t.Fatalf("expected overlap option, got %v", fakePipe.jobs[0].Options)
	}
	if !strings.Contains(out, "0-1") || !strings.Contains(out, "ESTIMATED DISPLACEMENT") {
		t.Fatalf("expected pair listing, got %q", out)
	}

	if _, err := execute(t, root, "pairs"); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
	if _, err := execute(t, root, "pairs", "a.yaml", "--allowed-error", "3"); err == nil {
		t.Fatalf("pairs does not take strategy flags")
	}
}

func TestStitchCommandPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors[string(pipeline.JobStitch)] = fmt.Errorf("mosaic splits into 2 connected components")

	_, err := execute(t, root, "stitch", "broken.yaml")
	if err == nil || !strings.Contains(err.Error(), "broken.yaml") {
		t.Fatalf("expected manifest-qualified error, got %v", err)
	}
}

func TestOutputFor(t *testing.T) {
	dir := t.TempDir()
	f := stitchFlags{output: filepath.Join(dir, "r.yaml")}
	if got := f.outputFor("/in/a.yaml", false); got != f.output {
		t.Fatalf("single manifest should use output as is, got %s", got)
	}
	if got := f.outputFor("/in/a.yaml", true); got != filepath.Join(f.output, "a.report.json") {
		t.Fatalf("several manifests should nest reports, got %s", got)
	}
	f.output = dir
	if got := f.outputFor("/in/b.json", false); got != filepath.Join(dir, "b.report.json") {
		t.Fatalf("directory output should nest reports, got %s", got)
	}
	f.output = ""
	if got := f.outputFor("/in/b.json", false); got != "" {
		t.Fatalf("no output expected, got %s", got)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr, watchDir string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		if watchDir != "/data/incoming" {
			t.Fatalf("unexpected watch dir %s", watchDir)
		}
		return nil
	}
	if _, err := execute(t, root, "serve", "--addr", ":9999", "--watch", "/data/incoming"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, "allowed_error: 20") || !strings.Contains(showOut, "global_optimizer: elastic") {
		t.Fatalf("expected YAML configuration, got %q", showOut)
	}

	validateOut, err := execute(t, root, "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(validateOut, "configuration is valid") {
		t.Fatalf("unexpected validate output %q", validateOut)
	}

	root.cfg.Stitching.AllowedError = -1
	if _, err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected invalid configuration")
	}
}

func TestStrategiesMarksSelection(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "strategies")
	if err != nil {
		t.Fatalf("strategies failed: %v", err)
	}
	if !strings.Contains(out, "* "+stages.PhaseCorrelation) {
		t.Fatalf("expected selected candidate estimator, got %q", out)
	}
	if !strings.Contains(out, "  "+stages.MaximumSpanningTree) {
		t.Fatalf("expected unselected global optimizer listed, got %q", out)
	}
}

func TestRunsCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "runs"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordRunQueued(storage.RunRecord{ID: "run-1", RunType: "stitch", ManifestPath: "/data/a.yaml"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordRunResult("run-1", storage.RunOutcome{Status: storage.StatusCompleted, Tiles: 1200, Pairs: 2300, Report: map[string]any{"mode": "grid"}}); err != nil {
		t.Fatalf("record: %v", err)
	}

	out, err := execute(t, root, "runs", "-n", "5")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "1,200") {
		t.Fatalf("unexpected runs output %q", out)
	}

	out, err = execute(t, root, "runs", "show", "run-1")
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(out, `"mode": "grid"`) || !strings.Contains(out, `"status": "completed"`) {
		t.Fatalf("unexpected run detail %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "tessera "+Version) {
		t.Fatalf("expected version string, got %q", out)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobPairs}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.OutputDir = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "tessera.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
	}
	return root, pipe
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	f.mu.Unlock()

	res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"tiles": 2, "pairs": 1, "mode": "grid"}}
	if err == nil {
		rep := &stitch.Report{Mode: "grid", Pairs: []stitch.PairReport{{Index1: 0, Index2: 1, EstimatedDisplacement: []float64{0, 90}}}}
		if job.Type == pipeline.JobStitch {
			rep.Positions = [][]float64{{0, 0}, {0, 90}}
		}
		res.Report = rep
	}
	go func() {
		for _, ch := range subs {
			ch <- res
		}
	}()
	return job.ID, nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}
