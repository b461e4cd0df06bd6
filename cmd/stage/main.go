// Command stage drives the buildpack staging pipeline: given a manifest
// and an application's source tree, it materialises the tree, resolves
// and downloads the declared (or autodetected) buildpacks, runs their
// lifecycle, and emits the droplet artifacts a runtime supervisor later
// consumes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/springerpe/cfstage/internal/staging"
	"github.com/springerpe/cfstage/internal/telemetry"
)

type CLI struct {
	Debug          bool     `short:"d" help:"verbose logging"`
	Force          bool     `short:"f" help:"re-clone buildpacks even if already downloaded"`
	Buildpack      []string `short:"b" name:"buildpack" placeholder:"URL" help:"prepend a buildpack to the resolved list (repeatable)"`
	BuildDir       string   `name:"builddir" default:"/buildpacks" placeholder:"DIR" help:"buildpacks working directory"`
	BuildCache     string   `name:"buildcache" default:"/var/local/buildpacks/cache" placeholder:"DIR" help:"buildpack download cache"`
	Manifest       string   `short:"m" name:"manifest" default:"manifest.yml" env:"CF_MANIFEST" placeholder:"FILE" help:"CF manifest file"`
	ManifestVars   string   `short:"v" name:"manifest-vars" default:"vars.yml" env:"CF_VARS" placeholder:"FILE" help:"variables file for manifest interpolation"`
	Home           string   `name:"home" default:"/home/vcap" placeholder:"DIR" help:"VCAP home directory"`
	App            string   `short:"a" name:"app" default:"" placeholder:"NAME" help:"restrict staging to a single application"`
	AppContext     string   `name:"appcontext" default:"/app" placeholder:"DIR" help:"directory containing application source"`
	Healthcheck    string   `name:"healthcheck" default:"/healthcheck.sh" placeholder:"FILE" help:"healthcheck script output path"`
	LinkContext    bool     `name:"link-context" help:"replace the context directory with a symlink into home/app"`
	Clean          int      `name:"clean" type:"counter" help:"delete downloaded buildpacks; repeat to also clear the cache"`

	Application string `arg:"" optional:"" default:"." help:"path to the application source (directory or zip)"`

	Completion kongcompletion.Cmd `cmd:"" hidden:"" help:"print shell completion scripts"`
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Description("Stage a Cloud Foundry application into a runnable droplet."),
		kong.Configuration(kongyaml.Loader, "stage.yml", "/etc/cfstage/stage.yml"),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser, kongcompletion.WithPredictor("path", complete.PredictFiles("*")))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if kctx.Command() == "completion" {
		kctx.FatalIfErrorf(kctx.Run())
		return
	}

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, "cfstage-stage")
	if err != nil {
		fail(err)
	}
	defer shutdown(ctx)

	if err := run(ctx, cli, logger); err != nil {
		fail(err)
	}
}

func run(ctx context.Context, cli CLI, logger *slog.Logger) error {
	cfg := staging.Config{
		Home:            cli.Home,
		AppContext:      cli.AppContext,
		AppSource:       cli.Application,
		BuildDir:        cli.BuildDir,
		BuildCache:      cli.BuildCache,
		ManifestPath:    cli.Manifest,
		VarsPath:        cli.ManifestVars,
		HealthcheckPath: cli.Healthcheck,
		ExtraBuildpacks: cli.Buildpack,
		AppFilter:       cli.App,
		Force:           cli.Force,
		LinkContext:     cli.LinkContext,
		Clean:           cli.Clean,
		Verbose:         cli.Debug,
		Logger:          logger,
	}

	pipeline, err := staging.NewPipeline(cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if err := pipeline.Run(ctx); err != nil {
		return err
	}

	if cli.Clean > 0 {
		return pipeline.CleanupBuildpacks(ctx, cli.Clean)
	}
	return nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}
