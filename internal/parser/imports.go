package parser

import (
	"regexp"
	"sort"
	"strings"
)

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bimport\s+[\w*{}\s,$]+?\s+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`\bexport\s+[\w*{}\s,$]+?\s+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`\bimport\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`\bimport\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`),
}

var packageNameRE = regexp.MustCompile(`^(@[a-z0-9~-][a-z0-9._~-]*/)?[a-z0-9~-][a-z0-9._~-]*$`)

var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "cluster": true,
	"crypto": true, "dns": true, "events": true, "fs": true, "http": true,
	"https": true, "module": true, "net": true, "os": true, "path": true,
	"process": true, "querystring": true, "readline": true, "stream": true,
	"timers": true, "tls": true, "url": true, "util": true, "vm": true,
	"worker_threads": true, "zlib": true,
}

// DetectPackages returns the npm packages imported by content, in source
// order. Relative, aliased, absolute and builtin specifiers are ignored and
// deep imports are reduced to their package name.
func DetectPackages(content string) []string {
	type hit struct {
		at   int
		name string
	}
	var hits []hit
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			if name, ok := packageFromSpecifier(content[m[2]:m[3]]); ok {
				hits = append(hits, hit{m[2], name})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.name
	}
	return dedupe(names)
}

func packageFromSpecifier(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "",
		strings.HasPrefix(ref, "."),
		strings.HasPrefix(ref, "/"),
		strings.HasPrefix(ref, "@/"),
		strings.HasPrefix(ref, "~/"),
		strings.HasPrefix(ref, "node:"),
		strings.Contains(ref, "://"):
		return "", false
	}

	parts := strings.Split(ref, "/")
	name := parts[0]
	if strings.HasPrefix(ref, "@") {
		if len(parts) < 2 {
			return "", false
		}
		name = parts[0] + "/" + parts[1]
	}
	if nodeBuiltins[name] || !packageNameRE.MatchString(name) {
		return "", false
	}
	return name, true
}
