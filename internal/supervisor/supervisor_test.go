package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/springerpe/cfstage/internal/cfmanifest"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o775); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverTasks_MatchesFilenamesAndMergesEnv(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0_myapp.sh", "true\n")
	writeScript(t, dir, "0_0_myapp.sh", "true\n") // sidecar, same app
	writeScript(t, dir, "README.md", "not a script\n")

	manifestPath := filepath.Join(t.TempDir(), "manifest.yml")
	if err := os.WriteFile(manifestPath, []byte(`
applications:
  - name: myapp
    env:
      PORT: "9999"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest, err := cfmanifest.Load(manifestPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	s := New(Config{
		InitDir:          dir,
		Manifest:         manifest,
		MergeManifestEnv: true,
		ComputeEnv: func(appName string, params cfmanifest.AppParams) map[string]string {
			return map[string]string{"PORT": "8080", "LANG": "C.UTF-8"}
		},
	})
	tasks, err := s.DiscoverTasks()
	if err != nil {
		t.Fatalf("DiscoverTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Name != "myapp" {
			t.Errorf("task name = %q, want myapp", task.Name)
		}
		found := false
		for _, e := range task.Env {
			if e == "PORT=9999" {
				found = true
			}
			if e == "PORT=8080" {
				t.Fatal("manifest env should win over runtime env for PORT")
			}
		}
		if !found {
			t.Errorf("expected PORT=9999 in env, got %v", task.Env)
		}
	}
}

func TestDiscoverTasks_DebugAppendsFlag(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0_myapp.sh", "true\n")

	s := New(Config{InitDir: dir, Debug: true})
	tasks, err := s.DiscoverTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Argv[len(tasks[0].Argv)-1] != "--debug" {
		t.Fatalf("expected trailing --debug arg, got %v", tasks[0].Argv)
	}
}

func TestRun_AggregateExitIsSum(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0_a.sh", "exit 2\n")
	writeScript(t, dir, "1_b.sh", "exit 3\n")

	s := New(Config{InitDir: dir})
	tasks, err := s.DiscoverTasks()
	if err != nil {
		t.Fatal(err)
	}

	sum, results, err := s.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum != 5 {
		t.Fatalf("aggregate exit = %d, want 5", sum)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
}

func TestRun_ExitIfAnyKillsRemaining(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0_fast.sh", "exit 7\n")
	writeScript(t, dir, "1_slow.sh", "sleep 30\n")

	s := New(Config{InitDir: dir, ExitIfAny: true})
	tasks, err := s.DiscoverTasks()
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	sum, results, err := s.Run(context.Background(), tasks)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (both tasks must report)", len(results))
	}
	if sum < 7 {
		t.Fatalf("aggregate exit = %d, want at least the fast task's code (7)", sum)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("exit-if-any took %v, want well under the slow task's 30s sleep", elapsed)
	}
}

func TestRun_NoTasksIsZero(t *testing.T) {
	sum, results, err := New(Config{InitDir: t.TempDir()}).Run(context.Background(), nil)
	if err != nil || sum != 0 || results != nil {
		t.Fatalf("Run(nil) = %d, %v, %v", sum, results, err)
	}
}

func TestResolveUser_UnknownIsFatal(t *testing.T) {
	s := New(Config{User: "definitely-not-a-real-user-xyz"})
	if _, _, err := s.resolveUser(); err == nil {
		t.Fatal("expected UserError for unknown user")
	}
}

func TestResolveUser_EmptyIsNoop(t *testing.T) {
	s := New(Config{})
	uid, gid, err := s.resolveUser()
	if err != nil || uid != -1 || gid != -1 {
		t.Fatalf("resolveUser() = %d, %d, %v, want -1, -1, nil", uid, gid, err)
	}
}
