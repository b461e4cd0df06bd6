// Package cfmanifest parses Cloud Foundry application manifests: the
// `applications:` list, `((var))` interpolation against a variables file,
// and the documented per-key defaults applied when a manifest omits a
// recognized key or supplies a value of the wrong shape.
//
// Grounded on original_source/internal/staging/dockerstaging/assets/staging.py's
// CFManifest class (and run.py's near-identical copy).
package cfmanifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/springerpe/cfstage/internal/cferrors"
)

// RouteSpec is one entry of an application's `routes:` list.
type RouteSpec struct {
	Route string `yaml:"route"`
}

// SidecarSpec is one entry of an application's `sidecars:` list. Only the
// fields the staging pipeline reads are typed; anything else in a sidecar
// block is ignored.
type SidecarSpec struct {
	Name    string   `yaml:"name,omitempty"`
	Command string   `yaml:"command"`
	Process []string `yaml:"process_types,omitempty"`
}

// AppParams is the fully-resolved, defaulted, interpolated parameter set
// for one application block. Every field is always populated — either
// from the manifest or from its documented default — so callers never
// need to distinguish "absent" from "default".
type AppParams struct {
	Buildpacks              []string
	Command                 string
	DiskQuota               string
	Docker                  map[string]interface{}
	HealthCheckHTTPEndpoint string
	HealthCheckType         string
	Instances               int
	Memory                  string
	Metadata                map[string]interface{}
	NoRoute                 bool
	Path                    string
	Processes               []interface{}
	RandomRoute             bool
	Routes                  []RouteSpec
	Sidecars                []SidecarSpec
	Stack                   string
	Timeout                 int
	Env                     map[string]string
	Services                []interface{}
}

type rawManifest struct {
	Version      int                      `yaml:"version"`
	Applications []map[string]interface{} `yaml:"applications"`
}

// Manifest is a parsed CF manifest plus its resolved variables.
type Manifest struct {
	raw         rawManifest
	variables   map[string]interface{}
	pathDefault string
}

// Load reads a manifest file and, if varsPath is non-empty, a variables
// file to interpolate against. A missing vars file is not an error —
// variables is simply left empty, matching the original's IOError-is-swallowed
// behavior around the vars file open. pathDefault distinguishes the
// staging context (default "") from the runtime context (default ".").
func Load(manifestPath, varsPath, pathDefault string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, cferrors.NewConfigError("reading manifest "+manifestPath, err)
	}

	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, cferrors.NewConfigError("parsing manifest "+manifestPath, err)
	}

	variables := map[string]interface{}{}
	if varsPath != "" {
		if vdata, err := os.ReadFile(varsPath); err == nil {
			if err := yaml.Unmarshal(vdata, &variables); err != nil {
				return nil, cferrors.NewConfigError("parsing vars file "+varsPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, cferrors.NewConfigError("reading vars file "+varsPath, err)
		}
	}

	return &Manifest{raw: raw, variables: variables, pathDefault: pathDefault}, nil
}

// Version returns the manifest's top-level `version:` key, defaulting to 1
// when absent. Nothing in the staging or runtime pipeline currently
// branches on this; it is exposed for a future v1/v2 manifest-schema
// compatibility pass.
func (m *Manifest) Version() int {
	if m.raw.Version == 0 {
		return 1
	}
	return m.raw.Version
}

// ListApps returns the application names declared by the manifest, in
// manifest order.
func (m *Manifest) ListApps() []string {
	names := make([]string, 0, len(m.raw.Applications))
	for _, app := range m.raw.Applications {
		if name, ok := app["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func (m *Manifest) findApp(name string) (map[string]interface{}, error) {
	for _, app := range m.raw.Applications {
		if n, ok := app["name"].(string); ok && n == name {
			return app, nil
		}
	}
	return nil, cferrors.NewConfigError(fmt.Sprintf("no application named %q in manifest", name), nil)
}

// GetAppParams returns the fully interpolated and defaulted parameters
// for the named application.
func (m *Manifest) GetAppParams(name string) (AppParams, error) {
	app, err := m.findApp(name)
	if err != nil {
		return AppParams{}, err
	}

	p := AppParams{}
	m.resolve(app, "buildpacks", []string{}, &p.Buildpacks)
	m.resolve(app, "command", "", &p.Command)
	m.resolve(app, "disk_quota", "2048M", &p.DiskQuota)
	m.resolve(app, "docker", map[string]interface{}{}, &p.Docker)
	m.resolve(app, "health-check-http-endpoint", "/", &p.HealthCheckHTTPEndpoint)
	m.resolve(app, "health-check-type", "port", &p.HealthCheckType)
	m.resolve(app, "instances", 1, &p.Instances)
	m.resolve(app, "memory", "1024M", &p.Memory)
	m.resolve(app, "metadata", map[string]interface{}{}, &p.Metadata)
	m.resolve(app, "no-route", false, &p.NoRoute)
	m.resolve(app, "path", m.pathDefault, &p.Path)
	m.resolve(app, "processes", []interface{}{}, &p.Processes)
	m.resolve(app, "random-route", false, &p.RandomRoute)
	m.resolve(app, "routes", []RouteSpec{}, &p.Routes)
	m.resolve(app, "sidecars", []SidecarSpec{}, &p.Sidecars)
	m.resolve(app, "stack", "cflinuxfs3", &p.Stack)
	m.resolve(app, "timeout", 60, &p.Timeout)
	m.resolve(app, "env", map[string]string{}, &p.Env)
	m.resolve(app, "services", []interface{}{}, &p.Services)

	return p, nil
}

// resolve fetches key from app, interpolates variable references through
// it, and decodes the result into out. Any failure along the way —
// missing key, interpolated value that doesn't fit out's shape — falls
// back to decoding def into out instead. This mirrors the original's
// blanket try/except around each key's lookup, narrowed here to the only
// failures that can actually occur once the manifest bytes are already in
// memory: a type mismatch between the manifest's value and the expected
// shape.
func (m *Manifest) resolve(app map[string]interface{}, key string, def, out interface{}) {
	raw, ok := app[key]
	if !ok {
		mustDecode(def, out)
		return
	}
	interpolated := m.substitute(raw)
	if err := decodeInto(interpolated, out); err != nil {
		mustDecode(def, out)
	}
}

func mustDecode(def, out interface{}) {
	if err := decodeInto(def, out); err != nil {
		// def values are authored in this package and always decode
		// cleanly into their own field types.
		panic(fmt.Sprintf("cfmanifest: default value %#v does not fit %T: %v", def, out, err))
	}
}

func decodeInto(raw, out interface{}) error {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

// substitute replaces every "((name))" occurrence in raw's string leaves
// with the corresponding variables entry. It recurses into lists (each
// element substituted in turn) and into string-keyed maps at any depth
// (e.g. a `{route: "((host)).cf.local"}` routes entry); non-string
// scalars are returned unchanged.
func (m *Manifest) substitute(raw interface{}) interface{} {
	switch v := raw.(type) {
	case string:
		return m.substituteString(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = m.substitute(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = m.substitute(val)
		}
		return out
	default:
		return raw
	}
}

func (m *Manifest) substituteString(s string) string {
	for name, val := range m.variables {
		s = strings.ReplaceAll(s, "(("+name+"))", fmt.Sprint(val))
	}
	return s
}
