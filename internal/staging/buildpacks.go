package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/springerpe/cfstage/internal/bpcache"
	bpregistry "github.com/springerpe/cfstage/internal/buildpack"
	"github.com/springerpe/cfstage/internal/cferrors"
	"github.com/springerpe/cfstage/internal/gitfetch"
)

// buildpackRef is one entry of a resolved buildpack list: either a bare
// known name ("python_buildpack") or a caller-supplied git URL, optionally
// with a "#ref" fragment pinning a tag/branch.
type buildpackRef struct {
	name string // display name, used for staging_info.yml and logging
	url  string
	ref  string
}

// resolveBuildpackList merges extraBuildpacks (from repeated -b flags)
// ahead of the manifest's own buildpacks list. An empty combined list
// switches the pipeline into autodetect mode using the full known-buildpack
// registry, in its documented detection order.
func resolveBuildpackList(extraBuildpacks, manifestBuildpacks []string) (refs []buildpackRef, autodetect bool) {
	combined := append(append([]string{}, extraBuildpacks...), manifestBuildpacks...)
	if len(combined) == 0 {
		for _, bp := range bpregistry.KnownBuildpacks {
			refs = append(refs, buildpackRef{name: bp.Name, url: bp.URL})
		}
		return refs, true
	}
	for _, entry := range combined {
		refs = append(refs, parseBuildpackEntry(entry))
	}
	return refs, false
}

func parseBuildpackEntry(entry string) buildpackRef {
	url, ref, _ := strings.Cut(entry, "#")

	if !strings.Contains(url, "://") && !strings.HasPrefix(url, "git@") {
		if known, ok := bpregistry.LookupURL(url); ok {
			return buildpackRef{name: url, url: known, ref: ref}
		}
	}

	name := strings.TrimSuffix(filepath.Base(url), ".git")
	return buildpackRef{name: name, url: url, ref: ref}
}

// downloadBuildpack clones ref into <buildDir>/<app>/<index>, consulting
// cache first so a buildpack already downloaded for a prior run of the
// same app is reused as-is. force re-clones even when a cache entry and
// on-disk directory already exist.
func downloadBuildpack(ctx context.Context, fetcher *gitfetch.Fetcher, cache *bpcache.Cache, ref buildpackRef, buildDir, app string, index int, force bool) (string, error) {
	if !strings.Contains(ref.url, "://") && !strings.HasSuffix(ref.url, ".git") {
		return "", cferrors.NewConfigError(fmt.Sprintf("buildpack %q is not a known name and does not look like a git URL", ref.url), nil)
	}

	dir := filepath.Join(buildDir, app, fmt.Sprint(index))

	if !force {
		if cache != nil {
			entry, ok, err := cache.Lookup(dir)
			if err != nil {
				return "", cferrors.NewStagingError(app, "download", err)
			}
			if ok && entry.SourceURL == ref.url && hasBuildpackScripts(dir) {
				slog.Debug("staging: buildpack already present per cache, skipping download", "dir", dir)
				return dir, nil
			}
		} else if info, err := os.Stat(dir); err == nil && info.IsDir() && hasBuildpackScripts(dir) {
			slog.Debug("staging: buildpack already present, skipping download", "dir", dir)
			return dir, nil
		}
	}

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.RemoveAll(dir); err != nil {
			return "", cferrors.NewStagingError(app, "download", fmt.Errorf("removing stale buildpack dir %s: %w", dir, err))
		}
		if cache != nil {
			_ = cache.Delete(dir)
		}
	}

	if err := fetcher.Download(ctx, ref.url, dir, ref.ref, false); err != nil {
		return "", cferrors.NewStagingError(app, "download", err)
	}

	if cache != nil {
		if err := cache.Record(bpcache.Entry{
			Name: ref.name, Path: dir, SourceURL: ref.url, ResolvedRef: ref.ref, DownloadedAt: timeNow(),
		}); err != nil {
			slog.Warn("staging: recording buildpack in cache", "dir", dir, "err", err)
		}
	}
	return dir, nil
}

func hasBuildpackScripts(dir string) bool {
	return fileExists(filepath.Join(dir, "bin", "detect")) || fileExists(filepath.Join(dir, "bin", "compile")) || fileExists(filepath.Join(dir, "bin", "supply"))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
