// Package cfenv synthesizes the environment variables a real Cloud
// Foundry platform would inject at staging time and at runtime — either
// a locally-fabricated approximation (the common case inside a plain
// container) or one read from a Kubernetes downward-API volume when
// running under a platform that provides one.
//
// Grounded on original_source/.../staging.py's CFStaging.get_staging_vars
// and original_source/.../run.py's CFRunner.get_default_running_vars /
// get_k8s_running_vars.
package cfenv

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/springerpe/cfstage/internal/cfmanifest"
)

// InternalIP returns the outbound-facing local address, found the same
// way the original does: opening a UDP socket "connected" to an
// arbitrary public address without ever sending a packet, then reading
// back the local address the kernel picked. Falls back to the loopback
// address if no route exists at all (e.g. a fully offline sandbox).
func InternalIP() string {
	conn, err := net.Dial("udp", "1.1.1.1:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func guid(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func instancePortsJSON() string {
	port := 8080
	if p, err := strconv.Atoi(envOr("APP_PORT", "8080")); err == nil {
		port = p
	}
	b, _ := json.Marshal([]map[string]int{{"external": 80, "internal": port}})
	return string(b)
}

// vcapApplication mirrors the JSON shape of CF's VCAP_APPLICATION
// variable. InstanceID/InstanceIndex are only populated for the runtime
// flavor — the staging flavor never had them, per the original.
type vcapApplication struct {
	InstanceID         string                 `json:"instance_id,omitempty"`
	InstanceIndex      string                 `json:"instance_index,omitempty"`
	CFAPI              string                 `json:"cf_api"`
	Limits             map[string]interface{} `json:"limits"`
	Users              string                 `json:"users"`
	Name               string                 `json:"name"`
	ApplicationName    string                 `json:"application_name"`
	ApplicationID      string                 `json:"application_id"`
	Version            string                 `json:"version"`
	ApplicationVersion string                 `json:"application_version"`
	URIs               []string               `json:"uris"`
	ApplicationURIs    []string               `json:"application_uris"`
	SpaceName          string                 `json:"space_name"`
	SpaceID            string                 `json:"space_id"`
	OrganizationID     string                 `json:"organization_id"`
	OrganizationName   string                 `json:"organization_name"`
}

func routeURIs(defaultURIsEnv string, app cfmanifest.AppParams) []string {
	var uris []string
	for _, u := range strings.Split(envOr("APP_URIS", defaultURIsEnv), ",") {
		if u != "" {
			uris = append(uris, u)
		}
	}
	for _, r := range app.Routes {
		if r.Route != "" {
			uris = append(uris, r.Route)
		}
	}
	return uris
}

// defaultVCAPApplication builds the VCAP_APPLICATION payload shared by
// the staging and local-synthetic runtime flavors. withInstanceFields
// adds instance_id/instance_index (present only in the runtime
// original). organization_name is deliberately the literal org value,
// not a UUID of it — the original's `uuid5(org)` there is treated as a
// source bug (see DESIGN.md Open Question decisions, #2); space_name
// keeps the original's human-readable value while space_id stays a
// derived UUID, since CF space ids genuinely are platform UUIDs
// distinct from the space's display name.
func defaultVCAPApplication(name string, app cfmanifest.AppParams, withInstanceFields bool, defaultURIsEnv string) string {
	appName := envOr("APP_NAME", name)
	if appName == "" {
		appName = name
	}
	space := envOr("CF_SPACE", "null")
	org := envOr("CF_ORG", "null")
	uris := routeURIs(defaultURIsEnv, app)

	v := vcapApplication{
		CFAPI: envOr("CF_API", "https://api.cf.local"),
		Limits: map[string]interface{}{
			"fds":  16384,
			"mem":  app.Memory,
			"disk": app.DiskQuota,
		},
		Users:              "null",
		Name:               appName,
		ApplicationName:    appName,
		ApplicationID:      guid(appName),
		Version:            envOr("APP_VERSION", "latest"),
		ApplicationVersion: envOr("APP_VERSION", "latest"),
		URIs:               uris,
		ApplicationURIs:    uris,
		SpaceName:          space,
		SpaceID:            guid(space),
		OrganizationID:     org,
		OrganizationName:   org,
	}
	if withInstanceFields {
		v.InstanceID = guid(appName)
		v.InstanceIndex = "0"
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("cfenv: marshaling VCAP_APPLICATION", "err", err)
		return "{}"
	}
	return string(b)
}

// mergeObserved returns computed with any key already present in the
// process environment overridden by the observed value — "observed env
// wins over computed" applies uniformly across every variable flavor
// below.
func mergeObserved(computed map[string]string) map[string]string {
	out := make(map[string]string, len(computed))
	for k, v := range computed {
		if observed, ok := os.LookupEnv(k); ok {
			out[k] = observed
		} else {
			out[k] = v
		}
	}
	return out
}

// StagingVars returns the environment CF injects into a buildpack's
// detect/supply/compile/finalize/release invocations.
func StagingVars(name string, app cfmanifest.AppParams) map[string]string {
	ip := InternalIP()
	port := envOr("APP_PORT", "8080")
	return mergeObserved(map[string]string{
		"MEMORY_LIMIT":            app.Memory,
		"LANG":                    "en_US.UTF-8",
		"CF_INSTANCE_INDEX":       "0",
		"CF_INSTANCE_IP":          ip,
		"CF_INSTANCE_PORT":        port,
		"CF_INSTANCE_ADDR":        ip + ":" + port,
		"CF_INSTANCE_INTERNAL_IP": ip,
		"CF_INSTANCE_PORTS":       instancePortsJSON(),
		"CF_STACK":                app.Stack,
		"VCAP_APPLICATION":        defaultVCAPApplication(name, app, false, ""),
		"VCAP_PLATFORM_OPTIONS":   "{}",
		"VCAP_SERVICES":           envOr("CF_VCAP_SERVICES", "{}"),
	})
}

// RuntimeVars returns a locally-fabricated approximation of CF's runtime
// environment for an application running as an ordinary child process
// (no real platform underneath).
func RuntimeVars(name string, app cfmanifest.AppParams) map[string]string {
	ip := InternalIP()
	port := envOr("APP_PORT", "8080")
	id := guid(name)
	return mergeObserved(map[string]string{
		"MEMORY_LIMIT":            app.Memory,
		"PORT":                    port,
		"DATABASE_URL":            "",
		"INSTANCE_INDEX":          "0",
		"INSTANCE_GUID":           id,
		"CF_INSTANCE_GUID":        id,
		"CF_INSTANCE_INDEX":       "0",
		"CF_INSTANCE_IP":          ip,
		"CF_INSTANCE_PORT":        port,
		"CF_INSTANCE_ADDR":        ip + ":" + port,
		"CF_INSTANCE_INTERNAL_IP": ip,
		"CF_INSTANCE_PORTS":       instancePortsJSON(),
		"VCAP_APPLICATION":        defaultVCAPApplication(name, app, true, "app.cf.local"),
		"VCAP_PLATFORM_OPTIONS":   "{}",
		"VCAP_SERVICES":           envOr("CF_VCAP_SERVICES", "{}"),
	})
}

// readKeyValueFile parses "KEY=VALUE" lines (values optionally
// double-quoted), as written by a Kubernetes downward-API annotations
// or labels volume file. A missing file yields an empty map, not an
// error — the original's os.path.isfile-guarded read.
func readKeyValueFile(path string) map[string]string {
	result := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		result[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return result
}

func readValueFile(path string, fallback string, onError func(error)) string {
	data, err := os.ReadFile(path)
	if err != nil {
		onError(err)
		return fallback
	}
	return strings.TrimSpace(string(data))
}

// KubernetesVars synthesizes runtime environment variables from a
// Kubernetes downward-API volume mounted at volumePath. Individual
// missing/unreadable files fall back to documented defaults rather than
// failing the whole lookup — matching the original's per-file
// try/except around MEMORY_LIMIT, CPU_LIMIT and INSTANCE_GUID. A
// non-existent volumePath itself returns an empty map (no error): the
// same binary runs fine outside Kubernetes.
func KubernetesVars(name string, app cfmanifest.AppParams, volumePath string) map[string]string {
	if stat, err := os.Stat(volumePath); err != nil || !stat.IsDir() {
		return map[string]string{}
	}

	annotations := readKeyValueFile(filepath.Join(volumePath, "annotations"))
	labels := readKeyValueFile(filepath.Join(volumePath, "labels"))

	memoryLimit := readValueFile(filepath.Join(volumePath, "MEMORY_LIMIT"), "1024", func(err error) {
		slog.Error("cfenv: reading MEMORY_LIMIT downward-api file, falling back to default", "err", err)
	})
	cpuLimit := readValueFile(filepath.Join(volumePath, "CPU_LIMIT"), "1", func(err error) {
		slog.Error("cfenv: reading CPU_LIMIT downward-api file, falling back to 1 CPU", "err", err)
	})
	instanceGUID := readValueFile(filepath.Join(volumePath, "INSTANCE_GUID"), guid(name), func(err error) {
		slog.Error("cfenv: reading INSTANCE_GUID downward-api file, generating one", "err", err)
	})

	instanceIndex := "0"
	if podName, ok := labels["statefulset.kubernetes.io/pod-name"]; ok {
		if idx := strings.LastIndex(podName, "-"); idx >= 0 && idx+1 < len(podName) {
			instanceIndex = podName[idx+1:]
		}
	}

	ip := InternalIP()
	port := envOr("APP_PORT", "8080")

	var uris []string
	for k, v := range annotations {
		if strings.HasPrefix(k, "kubefoundry/route") {
			uris = append(uris, v)
		}
	}

	space := annotationOr(annotations, "kubefoundry/space", envOr("CF_SPACE", "null"))
	org := annotationOr(annotations, "kubefoundry/org", envOr("CF_ORG", "null"))
	appName := envOr("APP_NAME", name)
	if appName == "" {
		appName = name
	}

	memBytes := memoryMegabytesToBytes(memoryLimit)
	vcap := map[string]interface{}{
		"cf_api": envOr("CF_API", "https://kubefoundry.local"),
		"limits": map[string]interface{}{
			"fds":  16384,
			"mem":  memBytes,
			"disk": 4000 * 1048576,
		},
		"users":               "null",
		"name":                appName,
		"instance_id":         instanceGUID,
		"instance_index":      instanceIndex,
		"application_name":    appName,
		"application_id":      annotationOr(annotations, "kubefoundry/appuid.0", instanceGUID),
		"version":             annotationOr(annotations, "kubefoundry/version.0", envOr("APP_VERSION", "latest")),
		"application_version": annotationOr(annotations, "kubefoundry/version.0", envOr("APP_VERSION", "latest")),
		"uris":                uris,
		"application_uris":    uris,
		"space_name":          space,
		"space_id":            guid(space),
		"organization_name":   org,
		"organization_id":     guid(org),
	}
	vcapJSON, err := json.Marshal(vcap)
	if err != nil {
		slog.Error("cfenv: marshaling k8s VCAP_APPLICATION", "err", err)
		vcapJSON = []byte("{}")
	}

	return mergeObserved(map[string]string{
		"PORT":                    port,
		"CPU_LIMIT":               cpuLimit,
		"MEMORY_LIMIT":            memoryLimit + "M",
		"INSTANCE_INDEX":          instanceIndex,
		"INSTANCE_GUID":           instanceGUID,
		"CF_INSTANCE_GUID":        instanceGUID,
		"CF_INSTANCE_INDEX":       instanceIndex,
		"CF_INSTANCE_IP":          ip,
		"CF_INSTANCE_PORT":        port,
		"CF_INSTANCE_ADDR":        ip + ":" + port,
		"CF_INSTANCE_INTERNAL_IP": ip,
		"CF_INSTANCE_PORTS":       instancePortsJSON(),
		"VCAP_APPLICATION":        string(vcapJSON),
	})
}

func annotationOr(annotations map[string]string, key, def string) string {
	if v, ok := annotations[key]; ok {
		return v
	}
	return def
}

func memoryMegabytesToBytes(mb string) int64 {
	n, err := strconv.ParseInt(mb, 10, 64)
	if err != nil {
		return 0
	}
	return n * 1048576
}
