package packages

import (
	"reflect"
	"testing"
)

func TestPackageName(t *testing.T) {
	tests := []struct {
		in, name, version string
	}{
		{"react", "react", ""},
		{"react@18.2.0", "react", "18.2.0"},
		{"lodash@^4.17.21", "lodash", "^4.17.21"},
		{"@scope/pkg", "@scope/pkg", ""},
		{"@scope/pkg@next", "@scope/pkg", "next"},
		{"@types/node@20", "@types/node", "20"},
		{"@scope", "@scope", ""},
	}
	for _, tt := range tests {
		name, version := PackageName(tt.in)
		if name != tt.name || version != tt.version {
			t.Errorf("PackageName(%q) = %q, %q; want %q, %q", tt.in, name, version, tt.name, tt.version)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]string{
		"":                VersionLatest,
		"^4.17.0":         VersionRange,
		"1.2.3":           VersionRange,
		"4.x":             VersionRange,
		">= 1.2, < 3.0.0": VersionRange,
		"latest":          VersionTag,
		"beta":            VersionTag,
		"!!":              VersionInvalid,
	}
	for in, want := range tests {
		if got := Classify(in); got != want {
			t.Errorf("Classify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidSpec(t *testing.T) {
	for _, ok := range []string{"react", "@heroicons/react", "chart.js", "zod@latest", "date-fns@^3"} {
		if !ValidSpec(ok) {
			t.Errorf("expected %q valid", ok)
		}
	}
	for _, bad := range []string{"rm -rf /", "$(whoami)", "a;b", "@/components", "pkg@!!"} {
		if ValidSpec(bad) {
			t.Errorf("expected %q invalid", bad)
		}
	}
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{" react ", "", "react", "React", "axios"})
	want := []string{"react", "React", "axios"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDeclaredDependencies(t *testing.T) {
	got, err := DeclaredDependencies(reactAxiosManifest)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"react", "axios", "vite"} {
		if !got[n] {
			t.Errorf("expected %s declared", n)
		}
	}
	if _, err := DeclaredDependencies("{"); err == nil {
		t.Error("expected parse error")
	}
}
