package cfmanifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing %s: %v", p, err)
	}
	return p
}

func TestGetAppParams_Defaults(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: bare
`)

	m, err := Load(manifestPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := m.GetAppParams("bare")
	if err != nil {
		t.Fatalf("GetAppParams: %v", err)
	}

	if len(p.Buildpacks) != 0 {
		t.Errorf("Buildpacks = %v, want empty", p.Buildpacks)
	}
	if p.Command != "" {
		t.Errorf("Command = %q, want empty", p.Command)
	}
	if p.DiskQuota != "2048M" {
		t.Errorf("DiskQuota = %q, want 2048M", p.DiskQuota)
	}
	if p.HealthCheckHTTPEndpoint != "/" {
		t.Errorf("HealthCheckHTTPEndpoint = %q, want /", p.HealthCheckHTTPEndpoint)
	}
	if p.HealthCheckType != "port" {
		t.Errorf("HealthCheckType = %q, want port", p.HealthCheckType)
	}
	if p.Instances != 1 {
		t.Errorf("Instances = %d, want 1", p.Instances)
	}
	if p.Memory != "1024M" {
		t.Errorf("Memory = %q, want 1024M", p.Memory)
	}
	if p.NoRoute {
		t.Errorf("NoRoute = true, want false")
	}
	if p.Path != "" {
		t.Errorf("Path = %q, want empty (staging default)", p.Path)
	}
	if p.RandomRoute {
		t.Errorf("RandomRoute = true, want false")
	}
	if p.Stack != "cflinuxfs3" {
		t.Errorf("Stack = %q, want cflinuxfs3", p.Stack)
	}
	if p.Timeout != 60 {
		t.Errorf("Timeout = %d, want 60", p.Timeout)
	}
	if len(p.Env) != 0 {
		t.Errorf("Env = %v, want empty", p.Env)
	}
}

func TestGetAppParams_RunDefaultPath(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: bare
`)

	m, err := Load(manifestPath, "", ".")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := m.GetAppParams("bare")
	if err != nil {
		t.Fatalf("GetAppParams: %v", err)
	}
	if p.Path != "." {
		t.Errorf("Path = %q, want . (runtime default)", p.Path)
	}
}

func TestGetAppParams_UnknownApp(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: bare
`)

	m, err := Load(manifestPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := m.GetAppParams("missing"); err == nil {
		t.Fatal("GetAppParams(missing) = nil error, want error")
	}
}

// Scenario S2: `routes: [{route: "((host)).cf.local"}]` with
// `vars: {host: myapp}` interpolates to "myapp.cf.local".
func TestGetAppParams_Interpolation(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: myapp
  routes:
  - route: ((host)).cf.local
  env:
    GREETING: hello ((who))
  buildpacks:
  - ((bp_name))_buildpack
`)
	varsPath := writeFile(t, dir, "vars.yml", `
host: myapp
who: world
bp_name: staticfile
`)

	m, err := Load(manifestPath, varsPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := m.GetAppParams("myapp")
	if err != nil {
		t.Fatalf("GetAppParams: %v", err)
	}

	if len(p.Routes) != 1 || p.Routes[0].Route != "myapp.cf.local" {
		t.Errorf("Routes = %+v, want [{myapp.cf.local}]", p.Routes)
	}
	if p.Env["GREETING"] != "hello world" {
		t.Errorf("Env[GREETING] = %q, want %q", p.Env["GREETING"], "hello world")
	}
	if len(p.Buildpacks) != 1 || p.Buildpacks[0] != "staticfile_buildpack" {
		t.Errorf("Buildpacks = %v, want [staticfile_buildpack]", p.Buildpacks)
	}
}

// An interpolated value that no longer fits its field's shape falls back
// to the key's default, rather than erroring the whole manifest load.
func TestGetAppParams_BadShapeFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: odd
  instances: "not a number"
`)

	m, err := Load(manifestPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := m.GetAppParams("odd")
	if err != nil {
		t.Fatalf("GetAppParams: %v", err)
	}
	if p.Instances != 1 {
		t.Errorf("Instances = %d, want default 1", p.Instances)
	}
}

func TestVersionDefault(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: a
`)
	m, err := Load(manifestPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v := m.Version(); v != 1 {
		t.Errorf("Version() = %d, want 1", v)
	}
}

func TestListApps(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: a
- name: b
`)
	m, err := Load(manifestPath, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	apps := m.ListApps()
	if len(apps) != 2 || apps[0] != "a" || apps[1] != "b" {
		t.Errorf("ListApps() = %v, want [a b]", apps)
	}
}

func TestLoad_MissingVarsFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "manifest.yml", `
applications:
- name: a
`)
	if _, err := Load(manifestPath, filepath.Join(dir, "does-not-exist.yml"), ""); err != nil {
		t.Fatalf("Load with missing vars file: %v", err)
	}
}
