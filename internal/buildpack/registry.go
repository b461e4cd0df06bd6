package buildpack

// KnownBuildpacks lists, in CF's own detection order, the buildpacks an
// autodetecting staging run tries one by one when an application
// declares none of its own. Order matters: detection stops at the first
// buildpack whose bin/detect succeeds.
var KnownBuildpacks = []struct {
	Name string
	URL  string
}{
	{"staticfile_buildpack", "https://github.com/cloudfoundry/staticfile-buildpack.git"},
	{"java_buildpack", "https://github.com/cloudfoundry/java-buildpack.git"},
	{"python_buildpack", "https://github.com/cloudfoundry/python-buildpack.git"},
	{"ruby_buildpack", "https://github.com/cloudfoundry/ruby-buildpack.git"},
	{"nodejs_buildpack", "https://github.com/cloudfoundry/nodejs-buildpack.git"},
	{"php_buildpack", "https://github.com/cloudfoundry/php-buildpack.git"},
	{"go_buildpack", "https://github.com/cloudfoundry/go-buildpack.git"},
	{"dotnet_core_buildpack", "https://github.com/cloudfoundry/dotnet-core-buildpack.git"},
	{"binary_buildpack", "https://github.com/cloudfoundry/binary-buildpack.git"},
	{"nginx_buildpack", "https://github.com/cloudfoundry/nginx-buildpack.git"},
	{"r_buildpack", "https://github.com/cloudfoundry/r-buildpack.git"},
}

// LookupURL returns the known git URL for a bare buildpack name (e.g.
// "python_buildpack"), and whether it was found.
func LookupURL(name string) (string, bool) {
	for _, bp := range KnownBuildpacks {
		if bp.Name == name {
			return bp.URL, true
		}
	}
	return "", false
}

// URLs returns the known buildpacks' URLs in detection order, used to
// populate the candidate list for an autodetecting staging run.
func URLs() []string {
	urls := make([]string, len(KnownBuildpacks))
	for i, bp := range KnownBuildpacks {
		urls[i] = bp.URL
	}
	return urls
}
