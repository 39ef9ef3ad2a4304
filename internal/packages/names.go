package packages

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version kinds reported by Classify.
const (
	VersionLatest  = "latest"
	VersionRange   = "range"
	VersionTag     = "tag"
	VersionInvalid = "invalid"
)

var (
	nameRE = regexp.MustCompile(`^(@[a-z0-9~-][a-z0-9._~-]*/)?[a-zA-Z0-9~-][a-zA-Z0-9._~-]*$`)
	tagRE  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
)

// Dedupe trims names, drops empties and removes exact duplicates, keeping
// first-seen order.
func Dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// PackageName splits an install spec into name and version. A version
// suffix after '@' is stripped from plain names; scoped names keep their
// leading "@scope/".
func PackageName(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "@") {
		slash := strings.IndexByte(spec, '/')
		if slash < 0 {
			return spec, ""
		}
		if at := strings.IndexByte(spec[slash:], '@'); at >= 0 {
			return spec[:slash+at], spec[slash+at+1:]
		}
		return spec, ""
	}
	if at := strings.IndexByte(spec, '@'); at >= 0 {
		return spec[:at], spec[at+1:]
	}
	return spec, ""
}

// Classify reports whether version is a semver range, a dist-tag, or
// neither.
func Classify(version string) string {
	switch {
	case version == "":
		return VersionLatest
	case isRange(version):
		return VersionRange
	case tagRE.MatchString(version):
		return VersionTag
	default:
		return VersionInvalid
	}
}

func isRange(version string) bool {
	if _, err := semver.NewConstraint(version); err == nil {
		return true
	}
	_, err := semver.NewVersion(version)
	return err == nil
}

// ValidSpec reports whether spec names a plausible npm package with a usable
// version suffix.
func ValidSpec(spec string) bool {
	name, version := PackageName(spec)
	return nameRE.MatchString(name) && Classify(version) != VersionInvalid
}
