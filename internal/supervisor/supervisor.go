// Package supervisor launches every generated init.d script as a
// supervised task, propagates OS signals to each task's whole process
// group, and reports a combined exit status.
//
// Grounded on original_source/.../staging.py's Supervisor class
// (results-channel completion reporting, exit_if_any SIGKILL fan-out)
// and the teacher's Setpgid idiom for giving each child its own process
// group (system.go, containers.go, container.go).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/springerpe/cfstage/internal/cferrors"
	"github.com/springerpe/cfstage/internal/cfmanifest"
	"github.com/springerpe/cfstage/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// initScriptName matches the filenames staging emits: "<index>_<app>.sh"
// for a main process or "<index>_<n>_<app>.sh" for a sidecar. The second
// capture group is always the application name.
var initScriptName = regexp.MustCompile(`^(\d+_\d+|\d+)_(.+)\.sh$`)

// Task is one init.d script resolved against the manifest, ready to run.
type Task struct {
	Name string // application name this script belongs to
	Argv []string
	Dir  string
	Env  []string
}

// Result is one task's terminal report.
type Result struct {
	Name     string
	Argv     []string
	Pid      int
	StartUTC int64
	EndUTC   int64
	ExitCode int
	Err      error
}

// Config controls one supervised run.
type Config struct {
	InitDir string
	// Manifest looks up each discovered task's AppParams by name; nil
	// means manifest env is never merged regardless of MergeManifestEnv.
	Manifest *cfmanifest.Manifest
	// ComputeEnv derives the synthetic CF environment for one
	// application (fake-local or Kubernetes-downward-API flavor); nil
	// means no synthetic env is added.
	ComputeEnv func(appName string, params cfmanifest.AppParams) map[string]string
	// MergeManifestEnv merges the application's manifest `env:` block on
	// top of ComputeEnv's result (manifest wins), matching -e/--manifest-env.
	MergeManifestEnv bool
	User             string // if set, setuid/setgid to this user before exec
	Debug            bool
	ExitIfAny        bool
	Logger           *slog.Logger
}

// Supervisor runs every matched init.d script concurrently and reports a
// combined exit status.
type Supervisor struct {
	cfg Config
}

// New returns a ready-to-run Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg}
}

// DiscoverTasks scans cfg.InitDir for scripts matching the supervisor's
// filename contract and builds one Task per script: env starts from
// cfg.ComputeEnv's synthetic CF variables for that application, then
// layers the application's manifest env on top when MergeManifestEnv is
// set (manifest wins) per spec property 4.
func (s *Supervisor) DiscoverTasks() ([]Task, error) {
	entries, err := os.ReadDir(s.cfg.InitDir)
	if err != nil {
		return nil, cferrors.NewConfigError("reading init.d dir", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && initScriptName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var tasks []Task
	for _, name := range names {
		m := initScriptName.FindStringSubmatch(name)
		appName := m[2]

		var params cfmanifest.AppParams
		if s.cfg.Manifest != nil {
			params, _ = s.cfg.Manifest.GetAppParams(appName)
		}

		env := map[string]string{}
		if s.cfg.ComputeEnv != nil {
			for k, v := range s.cfg.ComputeEnv(appName, params) {
				env[k] = v
			}
		}
		if s.cfg.MergeManifestEnv {
			for k, v := range params.Env {
				env[k] = v
			}
		}

		argv := []string{filepath.Join(s.cfg.InitDir, name)}
		if s.cfg.Debug {
			argv = append(argv, "--debug")
		}

		tasks = append(tasks, Task{
			Name: appName,
			Argv: argv,
			Dir:  filepath.Dir(s.cfg.InitDir),
			Env:  mapToEnviron(env),
		})
	}
	return tasks, nil
}

func mapToEnviron(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Run launches every task as the session leader of its own process
// group, waits for completion, and fans out SIGINT/SIGTERM/SIGUSR1 to
// every live group on receipt. With cfg.ExitIfAny, the first completion
// SIGKILLs every other live group; either way the aggregate exit code is
// the arithmetic sum of every task's own exit code (128+signal for a task
// ended by a signal).
func (s *Supervisor) Run(ctx context.Context, tasks []Task) (int, []Result, error) {
	if len(tasks) == 0 {
		return 0, nil, nil
	}

	uid, gid, err := s.resolveUser()
	if err != nil {
		return 1, nil, err
	}

	tracer := telemetry.Tracer("cfstage/supervisor")
	ctx, span := tracer.Start(ctx, "supervisor.run")
	defer span.End()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	results := make(chan Result, len(tasks))
	pgids := newLiveGroups()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			s.runTask(gctx, t, uid, gid, pgids, results)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	var collected []Result
	firstCompletion := false

loop:
	for {
		select {
		case sig := <-sigCh:
			s.cfg.Logger.Info("supervisor: forwarding signal", "signal", sig)
			pgids.signalAll(sig.(syscall.Signal))
		case r := <-results:
			collected = append(collected, r)
			s.cfg.Logger.Info("supervisor: task exited", "app", r.Name, "exit_code", r.ExitCode)
			if s.cfg.ExitIfAny && !firstCompletion {
				firstCompletion = true
				pgids.signalAll(syscall.SIGKILL)
			}
			if len(collected) == len(tasks) {
				break loop
			}
		case <-done:
			break loop
		}
	}
	// Every goroutine sends exactly one Result before g.Wait() (and thus
	// done) can return, so draining the rest here never blocks long.
	for len(collected) < len(tasks) {
		collected = append(collected, <-results)
	}

	sum := 0
	for _, r := range collected {
		sum += r.ExitCode
	}
	return sum, collected, nil
}

// resolveUser looks up cfg.User's numeric uid/gid, if one was given. An
// unknown user is fatal per spec §7's UserError policy.
func (s *Supervisor) resolveUser() (uid, gid int, err error) {
	if s.cfg.User == "" {
		return -1, -1, nil
	}
	u, err := user.Lookup(s.cfg.User)
	if err != nil {
		return 0, 0, cferrors.NewUserError(s.cfg.User, err)
	}
	uid, convErr := strconv.Atoi(u.Uid)
	if convErr != nil {
		return 0, 0, cferrors.NewUserError(s.cfg.User, convErr)
	}
	gid, convErr = strconv.Atoi(u.Gid)
	if convErr != nil {
		return 0, 0, cferrors.NewUserError(s.cfg.User, convErr)
	}
	return uid, gid, nil
}

// runTask launches one task as a new session leader, registers its
// process group as live the moment it starts (before any signal could
// possibly be armed against it), waits for completion, and always
// delivers a Result even on spawn failure.
func (s *Supervisor) runTask(ctx context.Context, t Task, uid, gid int, live *liveGroups, results chan<- Result) {
	tracer := telemetry.Tracer("cfstage/supervisor")
	_, span := tracer.Start(ctx, "supervisor.task", trace.WithAttributes(attribute.String("app", t.Name)))
	defer span.End()

	start := time.Now().Unix()
	cmd := exec.Command(t.Argv[0], t.Argv[1:]...)
	cmd.Dir = t.Dir
	cmd.Env = t.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	attr := &syscall.SysProcAttr{Setsid: true}
	if uid >= 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		results <- Result{Name: t.Name, Argv: t.Argv, Err: fmt.Errorf("supervisor: starting %s: %w", t.Name, err), ExitCode: 1}
		return
	}

	pgid := cmd.Process.Pid // Setsid makes the child its own process group leader, pgid == pid
	live.add(pgid)
	defer live.remove(pgid)

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			// A child ended by a signal counts as 128+signal, as in a shell.
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitCode = 128 + int(ws.Signal())
			}
		} else {
			exitCode = 1
		}
	}

	results <- Result{
		Name:     t.Name,
		Argv:     t.Argv,
		Pid:      cmd.Process.Pid,
		StartUTC: start,
		EndUTC:   time.Now().Unix(),
		ExitCode: exitCode,
	}
}

// liveGroups is the supervisor's registry of process groups still
// running, signalled as a whole via killpg.
type liveGroups struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

func newLiveGroups() *liveGroups {
	return &liveGroups{pids: map[int]struct{}{}}
}

func (l *liveGroups) add(pgid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pids[pgid] = struct{}{}
}

func (l *liveGroups) remove(pgid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pids, pgid)
}

func (l *liveGroups) signalAll(sig syscall.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pgid := range l.pids {
		_ = syscall.Kill(-pgid, sig)
	}
}
