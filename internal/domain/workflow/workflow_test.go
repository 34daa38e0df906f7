package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/auditrt/internal/domain/task"
)

func validDefinition() Definition {
	return Definition{
		ID:   "wf",
		Name: "Workflow",
		Stages: []Stage{
			{Name: "recon", Tasks: []TaskSpec{{Kind: "noop"}}},
			{Name: "analysis", Parallel: true, Tasks: []TaskSpec{{Kind: "noop"}, {ID: "fixed", Kind: "noop"}}},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Definition)
		want   error
	}{
		{"valid", func(*Definition) {}, nil},
		{"missing id", func(d *Definition) { d.ID = "" }, ErrIDRequired},
		{"no stages", func(d *Definition) { d.Stages = nil }, ErrNoStages},
		{"stage without name", func(d *Definition) { d.Stages[0].Name = "" }, ErrStageMissingName},
		{"stage without tasks", func(d *Definition) { d.Stages[1].Tasks = nil }, ErrStageNoTasks},
		{"task without kind", func(d *Definition) { d.Stages[0].Tasks[0].Kind = "" }, ErrTaskMissingKind},
		{"duplicate task id", func(d *Definition) { d.Stages[0].Tasks[0].ID = "fixed" }, ErrDuplicateTaskID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.modify(&d)
			err := d.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_UnknownPriority(t *testing.T) {
	d := validDefinition()
	d.Stages[0].Tasks[0].Priority = "urgent"
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func noopRegistry(t *testing.T, kinds ...string) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	for _, k := range kinds {
		err := reg.Register(k, func() task.Worker {
			return task.WorkerFunc(func(context.Context, task.Input) (any, error) { return nil, nil })
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestBuild(t *testing.T) {
	d := validDefinition()
	d.Stages[0].Tasks[0].Timeout = time.Minute
	d.Stages[0].Tasks[0].Priority = task.PriorityHigh

	stages, err := d.Build(noopRegistry(t, "noop"), "sess-1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(stages))
	}
	first := stages[0].Tasks[0]
	if first.ID != "sess-1/recon/0" {
		t.Errorf("id = %q, want sess-1/recon/0", first.ID)
	}
	if first.SessionID != "sess-1" || first.Timeout != time.Minute || first.Priority != task.PriorityHigh {
		t.Errorf("unexpected task %+v", first)
	}
	if first.Factory == nil {
		t.Error("factory not resolved")
	}
	if !stages[1].Parallel || stages[1].Tasks[1].ID != "fixed" {
		t.Errorf("unexpected analysis stage %+v", stages[1])
	}
}

func TestBuild_UnknownKind(t *testing.T) {
	d := validDefinition()
	_, err := d.Build(noopRegistry(t), "s")
	if !errors.Is(err, task.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestBuiltin_AllValid(t *testing.T) {
	for _, d := range Builtin() {
		if err := d.Validate(); err != nil {
			t.Errorf("builtin %q invalid: %v", d.ID, err)
		}
		if !d.Builtin {
			t.Errorf("builtin %q not flagged", d.ID)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
id: custom
name: Custom
stages:
  - name: recon
    tasks:
      - kind: recon
        timeout: 30s
  - name: analysis
    parallel: true
    tasks:
      - kind: static_analysis
        priority: high
      - kind: secret_scan
        payload:
          depth: 2
`
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "custom" || len(d.Stages) != 2 {
		t.Fatalf("unexpected definition %+v", d)
	}
	if d.Stages[0].Tasks[0].Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", d.Stages[0].Tasks[0].Timeout)
	}
	if !d.Stages[1].Parallel || d.Stages[1].Tasks[0].Priority != task.PriorityHigh {
		t.Errorf("unexpected analysis stage %+v", d.Stages[1])
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("name: no id\nstages: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	for name, id := range map[string]string{"a.yaml": "a", "b.yml": "b"} {
		content := "id: " + id + "\nstages:\n  - name: s\n    tasks:\n      - kind: k\n"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
}

func TestLoadFromDirectory_Missing(t *testing.T) {
	defs, err := LoadFromDirectory("/nonexistent/dir")
	if err != nil || defs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", defs, err)
	}
}
