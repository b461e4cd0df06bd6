// Package buildpack drives a single downloaded Cloud Foundry buildpack
// through its lifecycle scripts (detect, supply/compile, finalize,
// release), matching the argv contract every real buildpack's bin/*
// scripts expect.
//
// Grounded on original_source/.../staging.py's Buildpack class.
package buildpack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/springerpe/cfstage/internal/cferrors"
	"github.com/springerpe/cfstage/internal/procrunner"
)

// ReleaseResult is what a buildpack's bin/release step contributes:
// a default start command per process type, environment variables to
// merge into the running application's environment, and any add-on
// services it wants wired in. A release that never ran, or whose script
// failed, has Ok == false and everything else empty.
type ReleaseResult struct {
	Ok                  bool
	DefaultProcessTypes map[string]string
	ConfigVars          map[string]string
	Addons              []string
}

// Buildpack is one downloaded buildpack directory bound to a particular
// application's staging context.
type Buildpack struct {
	Name     string
	Index    int
	Dir      string // the buildpack's own checkout
	AppDir   string
	DepsDir  string // shared <home>/deps across all buildpacks for this app
	CacheDir string
	Env      map[string]string

	Runner *procrunner.Runner
	Logger *slog.Logger
}

func New(name string, index int, dir, appdir, depsdir, cachedir string, env map[string]string) *Buildpack {
	return &Buildpack{
		Name: name, Index: index, Dir: dir, AppDir: appdir, DepsDir: depsdir, CacheDir: cachedir,
		Env:    env,
		Runner: &procrunner.Runner{},
		Logger: slog.Default(),
	}
}

func (b *Buildpack) envSlice(extra map[string]string) []string {
	merged := map[string]string{}
	for k, v := range b.Env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := os.Environ()
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func (b *Buildpack) sink(verbose bool) procrunner.Sink {
	if !verbose {
		return nil
	}
	return func(prefix, line string) { fmt.Fprintln(os.Stderr, prefix+line) }
}

// Detect runs bin/detect against the application directory. A buildpack
// with no opinion on the app (non-zero exit) is reported as a clean
// `false`, not an error — detect failing to match is the expected,
// common case during autodetection.
func (b *Buildpack) Detect(ctx context.Context, env map[string]string, verbose bool) bool {
	cmd := []string{filepath.Join(b.Dir, "bin", "detect"), b.AppDir}
	res, err := b.Runner.Run(ctx, cmd, b.envSlice(env), b.Dir, "[STG.det] ", b.sink(verbose))
	if err != nil {
		b.Logger.Error("buildpack detect failed to run", "index", b.Index, "err", err)
		return false
	}
	return res.ExitCode == 0
}

// Compile runs the legacy single-buildpack bin/compile step.
func (b *Buildpack) Compile(ctx context.Context, env map[string]string, verbose bool) (int, error) {
	cmd := []string{filepath.Join(b.Dir, "bin", "compile"), b.AppDir, b.CacheDir}
	res, err := b.Runner.Run(ctx, cmd, b.envSlice(env), b.Dir, "[STG.com] ", b.sink(verbose))
	if err != nil {
		return 1, err
	}
	return res.ExitCode, nil
}

// Supply runs the multi-buildpack bin/supply step, creating this
// buildpack's slot under the shared deps directory first.
func (b *Buildpack) Supply(ctx context.Context, env map[string]string, verbose bool) (int, error) {
	path := filepath.Join(b.DepsDir, strconv.Itoa(b.Index))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return 1, fmt.Errorf("buildpack #%d: creating deps dir: %w", b.Index, err)
	}
	cmd := []string{filepath.Join(b.Dir, "bin", "supply"), b.AppDir, b.CacheDir, b.DepsDir, strconv.Itoa(b.Index)}
	res, err := b.Runner.Run(ctx, cmd, b.envSlice(env), b.Dir, "[STG.sup] ", b.sink(verbose))
	if err != nil {
		return 1, err
	}
	return res.ExitCode, nil
}

// Finalize runs the multi-buildpack bin/finalize step.
func (b *Buildpack) Finalize(ctx context.Context, env map[string]string, verbose bool) (int, error) {
	cmd := []string{filepath.Join(b.Dir, "bin", "finalize"), b.AppDir, b.CacheDir, b.DepsDir, strconv.Itoa(b.Index)}
	res, err := b.Runner.Run(ctx, cmd, b.envSlice(env), b.Dir, "[STG.fin] ", b.sink(verbose))
	if err != nil {
		return 1, err
	}
	return res.ExitCode, nil
}

// Release runs bin/release and parses its YAML output.
func (b *Buildpack) Release(ctx context.Context, env map[string]string, verbose bool) ReleaseResult {
	cmd := []string{filepath.Join(b.Dir, "bin", "release"), b.AppDir}
	res, err := b.Runner.Run(ctx, cmd, b.envSlice(env), b.Dir, "[STG.rel] ", b.sink(verbose))
	empty := ReleaseResult{DefaultProcessTypes: map[string]string{}, ConfigVars: map[string]string{}, Addons: []string{}}
	if err != nil || res.ExitCode != 0 {
		b.Logger.Error("buildpack release failed", "index", b.Index, "err", err)
		return empty
	}

	joined := ""
	for _, line := range res.Stdout {
		joined += line + "\n"
	}

	var parsed struct {
		Addons              []string          `yaml:"addons"`
		ConfigVars          map[string]string `yaml:"config_vars"`
		DefaultProcessTypes map[string]string `yaml:"default_process_types"`
	}
	if err := yaml.Unmarshal([]byte(joined), &parsed); err != nil {
		b.Logger.Error("buildpack release produced invalid yaml", "index", b.Index, "err", err)
		return empty
	}

	result := ReleaseResult{Ok: true, Addons: parsed.Addons, ConfigVars: parsed.ConfigVars, DefaultProcessTypes: parsed.DefaultProcessTypes}
	if result.Addons == nil {
		result.Addons = []string{}
	}
	if result.ConfigVars == nil {
		result.ConfigVars = map[string]string{}
	}
	if result.DefaultProcessTypes == nil {
		result.DefaultProcessTypes = map[string]string{}
	}
	if len(result.DefaultProcessTypes) > 0 {
		b.Logger.Debug("buildpack provides startup command", "index", b.Index, "commands", result.DefaultProcessTypes)
	}
	return result
}

func (b *Buildpack) hasScript(name string) bool {
	_, err := os.Stat(filepath.Join(b.Dir, "bin", name))
	return err == nil
}

// Run drives the full per-buildpack lifecycle for one staging pass:
//
//  1. if detectRequired, run detect; a miss returns (false, ..., nil) —
//     this is the normal "not my app" outcome during autodetection, not
//     a failure.
//  2. if the buildpack is not the final one in the chain (a
//     multi-buildpack "supply" stage), run supply and stop — finalize is
//     reserved for the last buildpack.
//  3. otherwise (final buildpack): if it ships bin/finalize, optionally
//     run supply first (if it also ships bin/supply) then finalize;
//     if it only ships bin/compile, run that instead (legacy
//     single-buildpack style).
//  4. run release and capture its process types / config vars / addons.
//
// Any lifecycle script exiting non-zero aborts with a StagingError.
func (b *Buildpack) Run(ctx context.Context, detectRequired, isFinal bool, env map[string]string, verbose bool) (bool, ReleaseResult, error) {
	empty := ReleaseResult{DefaultProcessTypes: map[string]string{}, ConfigVars: map[string]string{}, Addons: []string{}}
	b.Logger.Info("running staging process with buildpack", "index", b.Index, "name", b.Name)

	detected := true
	if detectRequired {
		detected = b.Detect(ctx, env, verbose)
	}
	if !detected {
		b.Logger.Info("skipping buildpack, did not detect application", "index", b.Index)
		return false, empty, nil
	}

	if !isFinal {
		rc, err := b.Supply(ctx, env, verbose)
		if err != nil || rc != 0 {
			return false, empty, cferrors.NewStagingError(b.Name, "supply", fmt.Errorf("exit %d: %w", rc, err))
		}
		b.Logger.Info("non-final buildpack, skipping rest of steps", "index", b.Index)
		return true, empty, nil
	}

	if b.hasScript("finalize") {
		if b.hasScript("supply") {
			rc, err := b.Supply(ctx, env, verbose)
			if err != nil || rc != 0 {
				return false, empty, cferrors.NewStagingError(b.Name, "supply", fmt.Errorf("exit %d: %w", rc, err))
			}
		}
		rc, err := b.Finalize(ctx, env, verbose)
		if err != nil || rc != 0 {
			return false, empty, cferrors.NewStagingError(b.Name, "finalize", fmt.Errorf("exit %d: %w", rc, err))
		}
	} else {
		rc, err := b.Compile(ctx, env, verbose)
		if err != nil || rc != 0 {
			return false, empty, cferrors.NewStagingError(b.Name, "compile", fmt.Errorf("exit %d: %w", rc, err))
		}
	}

	result := b.Release(ctx, env, verbose)
	if !result.Ok {
		return false, empty, cferrors.NewStagingError(b.Name, "release", fmt.Errorf("release step did not succeed"))
	}

	b.Logger.Debug("buildpack successfully applied", "index", b.Index)
	return true, result, nil
}
