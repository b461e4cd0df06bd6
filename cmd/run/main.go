// Command run is the runtime supervisor entrypoint: it scans a staged
// droplet's init.d scripts, launches each as a supervised task with a
// synthesized Cloud Foundry environment, and reports a combined exit
// status once every task has completed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/springerpe/cfstage/internal/cfenv"
	"github.com/springerpe/cfstage/internal/cfmanifest"
	"github.com/springerpe/cfstage/internal/supervisor"
	"github.com/springerpe/cfstage/internal/telemetry"
)

type CLI struct {
	Debug        bool   `short:"d" help:"verbose logging"`
	ManifestEnv  bool   `short:"e" name:"manifest-env" help:"merge manifest environment variables into each task"`
	CFFakeEnv    bool   `short:"f" name:"cf-fake-env" help:"synthesise local CF environment variables"`
	CFK8sEnv     string `short:"k" name:"cf-k8s-env" placeholder:"/path/to/volume" help:"synthesise CF environment variables from a Kubernetes downward API volume"`
	Manifest     string `short:"m" name:"manifest" default:"manifest.yml" env:"CF_MANIFEST" placeholder:"FILE" help:"CF manifest file"`
	User         string `short:"u" name:"user" default:"vcap" help:"run application tasks as this user"`
	ManifestVars string `short:"v" name:"manifest-vars" default:"vars.yml" env:"CF_VARS" placeholder:"FILE" help:"variables file for manifest interpolation"`
	Home         string `short:"H" name:"home" default:"/home/vcap" placeholder:"DIR" help:"VCAP home directory"`

	Completion kongcompletion.Cmd `cmd:"" hidden:"" help:"print shell completion scripts"`
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Description("Run a staged Cloud Foundry application's processes under supervision."),
		kong.Configuration(kongyaml.Loader, "run.yml", "/etc/cfstage/run.yml"),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser, kongcompletion.WithPredictor("path", complete.PredictFiles("*")))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if kctx.Command() == "completion" {
		kctx.FatalIfErrorf(kctx.Run())
		return
	}

	debug := cli.Debug || os.Getenv("DEBUG") != ""
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logWriter := &lumberjack.Logger{
		Filename:   filepath.Join(cli.Home, "logs", "run.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	}
	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, "cfstage-run")
	if err != nil {
		fail(err)
	}
	defer shutdown(ctx)

	rc, err := run(ctx, cli, debug, logger)
	if err != nil {
		fail(err)
	}
	os.Exit(rc)
}

func run(ctx context.Context, cli CLI, debug bool, logger *slog.Logger) (int, error) {
	manifestPath := cli.Manifest
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(cli.Home, "app", manifestPath)
	}
	manifest, err := cfmanifest.Load(manifestPath, cli.ManifestVars, ".")
	if err != nil {
		return 1, err
	}

	var computeEnv func(string, cfmanifest.AppParams) map[string]string
	switch {
	case cli.CFK8sEnv != "":
		computeEnv = func(name string, params cfmanifest.AppParams) map[string]string {
			return cfenv.KubernetesVars(name, params, cli.CFK8sEnv)
		}
	case cli.CFFakeEnv:
		computeEnv = func(name string, params cfmanifest.AppParams) map[string]string {
			return cfenv.RuntimeVars(name, params)
		}
	}

	sup := supervisor.New(supervisor.Config{
		InitDir:          filepath.Join(cli.Home, "init.d"),
		Manifest:         manifest,
		ComputeEnv:       computeEnv,
		MergeManifestEnv: cli.ManifestEnv,
		User:             cli.User,
		Debug:            debug,
		ExitIfAny:        true,
		Logger:           logger,
	})

	tasks, err := sup.DiscoverTasks()
	if err != nil {
		return 1, err
	}

	sum, results, err := sup.Run(ctx, tasks)
	if err != nil {
		return 1, err
	}
	for _, r := range results {
		logger.Info("application exited", "app", r.Name, "pid", r.Pid, "exit_code", r.ExitCode)
	}
	return sum, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}
