// Package dockerimage inspects an OCI/Docker image reference to recover
// its default Entrypoint/Cmd, letting a docker-based application (the
// manifest's `docker:` key) skip the buildpack lifecycle entirely and
// still get a default start command the way `cf push --docker-image`
// does on a real platform.
package dockerimage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// StartCommand is the image's configured Entrypoint and Cmd. Command joins
// them with single spaces; no element is shell-quoted.
type StartCommand struct {
	Entrypoint []string
	Cmd        []string
}

// Command renders the effective start command as a single string,
// matching how the staging pipeline stores every other start command
// (one shell-invocable line).
func (s StartCommand) Command() string {
	parts := append(append([]string{}, s.Entrypoint...), s.Cmd...)
	return strings.Join(parts, " ")
}

// Inspect resolves image (e.g. "docker.io/library/nginx:latest") and
// returns its configured Entrypoint/Cmd.
func Inspect(ctx context.Context, image string) (StartCommand, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return StartCommand{}, fmt.Errorf("dockerimage: parsing reference %q: %w", image, err)
	}

	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return StartCommand{}, fmt.Errorf("dockerimage: fetching %q: %w", image, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return StartCommand{}, fmt.Errorf("dockerimage: reading config for %q: %w", image, err)
	}

	return StartCommand{Entrypoint: cfg.Config.Entrypoint, Cmd: cfg.Config.Cmd}, nil
}
