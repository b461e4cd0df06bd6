package buildpack

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func mustWriteScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestBuildpack(t *testing.T, name string, index int, scripts map[string]string) *Buildpack {
	t.Helper()
	dir := t.TempDir()
	for script, body := range scripts {
		mustWriteScript(t, filepath.Join(dir, "bin", script), body)
	}
	appdir := t.TempDir()
	depsdir := t.TempDir()
	cachedir := t.TempDir()
	return New(name, index, dir, appdir, depsdir, cachedir, nil)
}

func TestRun_SingleBuildpackCompileStyle(t *testing.T) {
	bp := newTestBuildpack(t, "classic_buildpack", 0, map[string]string{
		"detect":  "#!/bin/sh\nexit 0\n",
		"compile": "#!/bin/sh\nexit 0\n",
		"release": "#!/bin/sh\necho 'default_process_types:'\necho '  web: bundle exec rails s'\n",
	})

	applied, result, err := bp.Run(context.Background(), true, true, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !applied {
		t.Fatal("expected applied=true")
	}
	if result.DefaultProcessTypes["web"] != "bundle exec rails s" {
		t.Fatalf("DefaultProcessTypes = %v", result.DefaultProcessTypes)
	}
}

func TestRun_MultiBuildpackSupplyThenFinalize(t *testing.T) {
	bp := newTestBuildpack(t, "modern_buildpack", 1, map[string]string{
		"detect":   "#!/bin/sh\nexit 0\n",
		"supply":   "#!/bin/sh\nexit 0\n",
		"finalize": "#!/bin/sh\nexit 0\n",
		"release":  "#!/bin/sh\necho 'default_process_types:'\necho '  web: node server.js'\n",
	})

	applied, result, err := bp.Run(context.Background(), true, true, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !applied || result.DefaultProcessTypes["web"] != "node server.js" {
		t.Fatalf("applied=%v result=%+v", applied, result)
	}
}

func TestRun_NonFinalStopsAfterSupply(t *testing.T) {
	bp := newTestBuildpack(t, "first_of_two", 0, map[string]string{
		"detect": "#!/bin/sh\nexit 0\n",
		"supply": "#!/bin/sh\nexit 0\n",
		// no finalize/release script — must not be invoked since final=false
	})

	applied, result, err := bp.Run(context.Background(), true, false, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !applied {
		t.Fatal("expected applied=true")
	}
	if result.Ok {
		t.Fatal("expected empty release result for a non-final buildpack")
	}
}

func TestRun_DetectMissIsNotAnError(t *testing.T) {
	bp := newTestBuildpack(t, "wrong_language", 0, map[string]string{
		"detect": "#!/bin/sh\nexit 1\n",
	})

	applied, _, err := bp.Run(context.Background(), true, true, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if applied {
		t.Fatal("expected applied=false on detect miss")
	}
}

func TestRun_SupplyFailureIsStagingError(t *testing.T) {
	bp := newTestBuildpack(t, "broken", 0, map[string]string{
		"detect":   "#!/bin/sh\nexit 0\n",
		"supply":   "#!/bin/sh\nexit 3\n",
		"finalize": "#!/bin/sh\nexit 0\n",
	})

	_, _, err := bp.Run(context.Background(), true, true, nil, false)
	if err == nil {
		t.Fatal("expected error from failing supply step")
	}
}
