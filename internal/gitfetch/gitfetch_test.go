package gitfetch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func hasGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initBareRepoWithTag(t *testing.T, tag string) string {
	t.Helper()
	hasGit(t)
	src := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "t@t")
	run("config", "user.name", "t")
	if err := os.WriteFile(filepath.Join(src, "README"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "init")
	if tag != "" {
		run("tag", tag)
	}
	return src
}

func TestDownload_ClonesAndChecksOutTag(t *testing.T) {
	src := initBareRepoWithTag(t, "v1.0.0")
	dest := filepath.Join(t.TempDir(), "dest")

	f := &Fetcher{}
	if err := f.Download(context.Background(), src, dest, "v1.0.0", false); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "README")); err != nil {
		t.Fatalf("expected README in clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		t.Fatalf("expected .git to survive without stripMetadata: %v", err)
	}
}

func TestDownload_StripsMetadata(t *testing.T) {
	src := initBareRepoWithTag(t, "")
	dest := filepath.Join(t.TempDir(), "dest")

	f := &Fetcher{}
	if err := f.Download(context.Background(), src, dest, "", true); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Fatalf(".git should have been stripped, stat err = %v", err)
	}
}

func TestDownload_RefusesExistingDirectory(t *testing.T) {
	hasGit(t)
	dest := t.TempDir()
	f := &Fetcher{}
	if err := f.Download(context.Background(), "https://example.invalid/repo.git", dest, "", false); err == nil {
		t.Fatal("expected error for existing directory")
	}
}

func TestDownload_UnknownTagFails(t *testing.T) {
	src := initBareRepoWithTag(t, "v1.0.0")
	dest := filepath.Join(t.TempDir(), "dest")

	f := &Fetcher{}
	err := f.Download(context.Background(), src, dest, "v9.9.9", false)
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}
