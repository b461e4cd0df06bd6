// Package staging drives the end-to-end buildpack staging pipeline: for
// each application declared in a manifest, materialise its source tree,
// resolve and download its buildpack list, run that list's lifecycle in
// order, and emit the droplet artifacts (init.d scripts, healthcheck
// script, staging_info.yml) a runtime supervisor later consumes.
//
// Grounded on original_source/.../staging.py's CFStaging class.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/springerpe/cfstage/internal/bpcache"
	"github.com/springerpe/cfstage/internal/buildid"
	"github.com/springerpe/cfstage/internal/buildpack"
	"github.com/springerpe/cfstage/internal/cfenv"
	"github.com/springerpe/cfstage/internal/cferrors"
	"github.com/springerpe/cfstage/internal/cfmanifest"
	"github.com/springerpe/cfstage/internal/dockerimage"
	"github.com/springerpe/cfstage/internal/gitfetch"
	"github.com/springerpe/cfstage/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func timeNow() time.Time { return time.Now() }

// Config is the staging pipeline's full set of inputs, one field per CLI
// flag/environment default documented for the `stage` entrypoint.
type Config struct {
	Home            string
	AppContext      string
	AppSource       string // the CLI's positional "application" arg: a path relative to AppContext, default "."
	BuildDir        string
	BuildCache      string
	ManifestPath    string
	VarsPath        string
	HealthcheckPath string
	ExtraBuildpacks []string
	AppFilter       string
	Force           bool
	LinkContext     bool
	Clean           int
	Verbose         bool

	Logger *slog.Logger
}

// Pipeline runs the staging process for every (or one filtered)
// application named by a manifest.
type Pipeline struct {
	cfg     Config
	cache   *bpcache.Cache
	fetcher *gitfetch.Fetcher
	logger  *slog.Logger
	runID   string
}

// NewPipeline opens the buildpack cache database and returns a ready-to-run
// Pipeline. Callers must Close it when done.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.BuildCache, 0o755); err != nil {
		return nil, cferrors.NewConfigError("creating buildpack cache dir", err)
	}
	cache, err := bpcache.Open(filepath.Join(cfg.BuildCache, "buildpacks.db"))
	if err != nil {
		return nil, cferrors.NewConfigError("opening buildpack cache", err)
	}
	return &Pipeline{
		cfg:     cfg,
		cache:   cache,
		fetcher: &gitfetch.Fetcher{Logger: cfg.Logger},
		logger:  cfg.Logger,
		runID:   buildid.New(),
	}, nil
}

// Close releases the pipeline's buildpack cache handle.
func (p *Pipeline) Close() error { return p.cache.Close() }

// Run stages every application named by the manifest (or just the one
// matching cfg.AppFilter), halting immediately on the first error — per
// the project's chosen semantics, a failed application aborts the whole
// run rather than being skipped.
func (p *Pipeline) Run(ctx context.Context) error {
	tracer := telemetry.Tracer("cfstage/staging")
	ctx, span := tracer.Start(ctx, "staging.run")
	defer span.End()

	manifestPath := p.cfg.ManifestPath
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(p.cfg.AppContext, manifestPath)
	}
	manifest, err := cfmanifest.Load(manifestPath, p.cfg.VarsPath, "")
	if err != nil {
		return err
	}

	apps := manifest.ListApps()
	if p.cfg.AppFilter != "" {
		apps = filterApps(apps, p.cfg.AppFilter)
		if len(apps) == 0 {
			return cferrors.NewConfigError(fmt.Sprintf("no application named %q in manifest", p.cfg.AppFilter), nil)
		}
	}

	var healthchecks []healthcheckEntry
	for index, name := range apps {
		params, err := manifest.GetAppParams(name)
		if err != nil {
			return err
		}
		appCtx, appSpan := tracer.Start(ctx, "staging.app", trace.WithAttributes(attribute.String("app", name)))
		entry, err := p.stageApp(appCtx, index, name, params)
		appSpan.End()
		if err != nil {
			return fmt.Errorf("staging %q: %w", name, err)
		}
		healthchecks = append(healthchecks, entry)
	}

	if err := writeHealthcheck(p.cfg.HealthcheckPath, healthchecks); err != nil {
		return cferrors.NewConfigError("writing healthcheck script", err)
	}

	if p.cfg.LinkContext {
		if err := p.linkContext(); err != nil {
			return err
		}
	}
	return nil
}

// dockerImageRef extracts the `docker.image` manifest key, if present and
// non-empty, signalling that this application skips the buildpack
// lifecycle entirely in favor of a pre-built image.
func dockerImageRef(docker map[string]interface{}) (string, bool) {
	v, ok := docker["image"]
	if !ok {
		return "", false
	}
	image, ok := v.(string)
	if !ok || image == "" {
		return "", false
	}
	return image, true
}

func filterApps(apps []string, want string) []string {
	for _, a := range apps {
		if a == want {
			return []string{a}
		}
	}
	return nil
}

// stageApp runs the full pipeline (materialise, resolve, download, run
// buildpacks, emit init.d artifacts) for one application, returning the
// healthcheck entry the caller should fold into the shared healthcheck
// script once every application has been staged.
func (p *Pipeline) stageApp(ctx context.Context, index int, name string, app cfmanifest.AppParams) (healthcheckEntry, error) {
	p.logger.Info("staging application", "app", name, "index", index, "run", p.runID)

	appDir, depsDir, _, _, initdDir, err := ensureAppDirs(p.cfg.Home)
	if err != nil {
		return healthcheckEntry{}, err
	}

	source := app.Path
	if source == "" {
		source = p.cfg.AppSource
	}
	sourcePath := filepath.Join(p.cfg.AppContext, source)
	if err := MaterializeApp(sourcePath, appDir); err != nil {
		return healthcheckEntry{}, cferrors.NewStagingError(name, "materialize", err)
	}

	stagingEnv := cfenv.StagingVars(name, app)
	runningEnv := map[string]string{}

	sc := collectStartCommands(appDir, app)

	finalBuildpackName := ""
	if image, ok := dockerImageRef(app.Docker); ok {
		start, err := dockerimage.Inspect(ctx, image)
		if err != nil {
			return healthcheckEntry{}, cferrors.NewStagingError(name, "docker-inspect", err)
		}
		if len(sc.startcommands) == 0 {
			if cmd := start.Command(); cmd != "" {
				sc.startcommands = append(sc.startcommands, cmd)
			}
		}
		finalBuildpackName = "docker:" + image
	} else {
		refs, autodetect := resolveBuildpackList(p.cfg.ExtraBuildpacks, app.Buildpacks)
		for i, ref := range refs {
			dir, err := downloadBuildpack(ctx, p.fetcher, p.cache, ref, p.cfg.BuildDir, name, i, p.cfg.Force)
			if err != nil {
				return healthcheckEntry{}, err
			}

			isFinal := !autodetect && i == len(refs)-1
			bp := buildpack.New(ref.name, i, dir, appDir, depsDir, p.cfg.BuildCache, stagingEnv)
			bp.Logger = p.logger

			applied, result, err := bp.Run(ctx, autodetect, isFinal || autodetect, stagingEnv, p.cfg.Verbose)
			if err != nil {
				return healthcheckEntry{}, err
			}
			if !applied {
				continue
			}

			finalBuildpackName = ref.name
			if web, ok := result.DefaultProcessTypes["web"]; ok && web != "" {
				sc.startcommands = append(sc.startcommands, web)
			}
			for k, v := range result.ConfigVars {
				stagingEnv[k] = v
				runningEnv[k] = v
			}

			if autodetect {
				break
			}
		}
	}

	for k, v := range app.Env {
		runningEnv[k] = v
	}

	if err := writeStagingInfo(filepath.Join(p.cfg.Home, "staging_info.yml"), finalBuildpackName, sc.primary()); err != nil {
		return healthcheckEntry{}, err
	}

	if err := writeInitScripts(initdDir, index, name, appDir, runningEnv, sc); err != nil {
		return healthcheckEntry{}, err
	}

	p.logger.Info("staged application", "app", name, "buildpack", finalBuildpackName, "start_command", sc.primary())
	return healthcheckEntry{AppName: name, Kind: app.HealthCheckType, Endpoint: app.HealthCheckHTTPEndpoint, StartCommand: sc.primary()}, nil
}

// linkContext removes the original context directory and replaces it with
// a symlink into <home>/app, so any caller still reading from the context
// path after staging sees the staged tree. Called once after every
// application has been staged, matching the original's single
// end-of-run invocation rather than a per-application one.
func (p *Pipeline) linkContext() error {
	if err := os.RemoveAll(p.cfg.AppContext); err != nil {
		return cferrors.NewConfigError("link-context", err)
	}
	if err := os.Symlink(filepath.Join(p.cfg.Home, "app"), p.cfg.AppContext); err != nil {
		return cferrors.NewConfigError("link-context", err)
	}
	return nil
}

// CleanupBuildpacks implements --clean: with count >= 1 it removes every
// downloaded buildpack directory under BuildDir and clears the registry
// entirely; with count >= 2 it additionally wipes the shared cache
// directory contents (keeping the registry database file).
func (p *Pipeline) CleanupBuildpacks(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	if err := os.RemoveAll(p.cfg.BuildDir); err != nil {
		return cferrors.NewConfigError("removing buildpacks dir", err)
	}
	if err := os.MkdirAll(p.cfg.BuildDir, 0o755); err != nil {
		return cferrors.NewConfigError("recreating buildpacks dir", err)
	}
	if err := p.cache.Clear(); err != nil {
		return cferrors.NewConfigError("clearing buildpack registry", err)
	}

	if count >= 2 {
		entries, err := os.ReadDir(p.cfg.BuildCache)
		if err != nil {
			return cferrors.NewConfigError("reading buildpack cache dir", err)
		}
		for _, e := range entries {
			if e.Name() == "buildpacks.db" {
				continue
			}
			if err := os.RemoveAll(filepath.Join(p.cfg.BuildCache, e.Name())); err != nil {
				return cferrors.NewConfigError("clearing buildpack cache dir", err)
			}
		}
	}
	return nil
}
