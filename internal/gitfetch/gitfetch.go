// Package gitfetch clones buildpack repositories, resolving a requested
// tag or branch and optionally stripping version-control metadata from
// the resulting checkout.
//
// Grounded on original_source/.../staging.py's Git class, and on the
// teacher's exec.CommandContext wrapping idiom (cmd/sand/git_cmd.go).
package gitfetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/springerpe/cfstage/internal/cferrors"
)

// ErrRefNotFound is returned when a requested tag or branch has no
// matching ref in the remote repository.
var ErrRefNotFound = errors.New("gitfetch: ref not found")

// Fetcher clones git repositories to a local directory.
type Fetcher struct {
	// Logger receives a line per git invocation; defaults to slog.Default().
	Logger *slog.Logger
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Download clones url into directory, checking out ref (a tag or branch
// name; empty means the remote's default branch). It refuses to run
// against an already-existing directory or against the filesystem root,
// matching the original's defensive checks around rm -rf-adjacent
// operations. When stripMetadata is true, the .git directory and any
// .gitignore/.gitallowed files are removed from the checkout afterward.
func (f *Fetcher) Download(ctx context.Context, url, directory, ref string, stripMetadata bool) error {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return cferrors.NewConfigError("resolving buildpack directory", err)
	}
	if abs == string(filepath.Separator) {
		return cferrors.NewConfigError("refusing to clone into filesystem root", nil)
	}
	if _, err := os.Stat(directory); err == nil {
		return cferrors.NewConfigError(fmt.Sprintf("buildpack directory %s already exists", directory), nil)
	} else if !os.IsNotExist(err) {
		return cferrors.NewConfigError("checking buildpack directory", err)
	}

	resolvedURL := f.resolveHostAlias(url)

	if err := f.run(ctx, "", "clone", "--recurse-submodules", resolvedURL, directory); err != nil {
		return fmt.Errorf("gitfetch: clone %s: %w", url, err)
	}

	if ref != "" {
		tag, err := f.resolveTag(ctx, directory, ref)
		if err != nil {
			return err
		}
		if err := f.run(ctx, directory, "checkout", "tags/"+tag); err != nil {
			return fmt.Errorf("gitfetch: checkout %s: %w", tag, err)
		}
	}

	if stripMetadata {
		for _, name := range []string{".git", ".gitignore", ".gitallowed"} {
			if err := os.RemoveAll(filepath.Join(directory, name)); err != nil {
				return fmt.Errorf("gitfetch: stripping %s: %w", name, err)
			}
		}
	}

	return nil
}

// resolveTag picks the ref to check out for a requested tag/branch name:
// the matching tags sorted in reverse, taking the first (i.e. the
// highest/most recent by refname), exactly as `git tag --sort=-refname
// --list <ref>` does in the original.
func (f *Fetcher) resolveTag(ctx context.Context, directory, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "tag", "--sort=-refname", "--list", ref)
	cmd.Dir = directory
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gitfetch: listing tags for %s: %w", ref, err)
	}
	tags := strings.Fields(string(out))
	if len(tags) == 0 {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(tags)))
	return tags[0], nil
}

func (f *Fetcher) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	f.logger().InfoContext(ctx, "gitfetch", "cmd", "git "+strings.Join(args, " "), "dir", dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// resolveHostAlias rewrites a `git@host:path` URL's host component using
// the user's ~/.ssh/config Host aliases, so a buildpack URL behind a
// corporate SSH jump alias clones the same way an interactive `git
// clone` would. Non-ssh URLs (https, known-name-resolved git URLs) pass
// through unchanged.
func (f *Fetcher) resolveHostAlias(url string) string {
	at := strings.Index(url, "@")
	colon := strings.Index(url, ":")
	if at < 0 || colon < 0 || colon < at {
		return url
	}
	host := url[at+1 : colon]

	resolved := ssh_config.Get(host, "HostName")
	if resolved == "" {
		return url
	}
	return url[:at+1] + resolved + url[colon:]
}
