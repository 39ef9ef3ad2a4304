package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/providertest"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
)

func TestExcluded(t *testing.T) {
	tests := map[string]bool{
		"src/App.jsx":                  false,
		"index.html":                   false,
		"node_modules/react/index.js":  true,
		"dist/assets/index.js":         true,
		"src/build/helper.js":          true,
		".git/HEAD":                    true,
		"npm-debug.log":                true,
		"src/builder.js":               false,
		"public/distribution/logo.svg": false,
	}
	for p, want := range tests {
		if got := Excluded(p); got != want {
			t.Errorf("Excluded(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestBuild(t *testing.T) {
	f := providertest.NewLive("sbx-1")
	f.Put("src/App.jsx", "app")
	f.Put("index.html", "<html></html>")
	f.Put("node_modules/react/index.js", "react")
	f.Put("vite.log", "log")
	st := session.NewState(f)

	a, err := Build(context.Background(), st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.FileName != "e2b-sandbox-project.zip" {
		t.Errorf("FileName = %q", a.FileName)
	}
	if !reflect.DeepEqual(a.Files, []string{"index.html", "src/App.jsx"}) {
		t.Errorf("Files = %v", a.Files)
	}

	zr, err := zip.NewReader(bytes.NewReader(a.Data), int64(len(a.Data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	got := map[string]string{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			t.Fatalf("open %s: %v", zf.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		got[zf.Name] = string(b)
	}
	want := map[string]string{"index.html": "<html></html>", "src/App.jsx": "app"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("zip contents = %v", got)
	}

	url := a.DataURL()
	if !strings.HasPrefix(url, "data:application/zip;base64,") {
		t.Fatalf("unexpected data URL prefix %q", url[:32])
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:application/zip;base64,"))
	if err != nil || !bytes.Equal(decoded, a.Data) {
		t.Errorf("data URL does not round trip: %v", err)
	}
}

func TestBuild_FallsBackToCache(t *testing.T) {
	f := providertest.NewLive("sbx-1")
	f.Put("src/App.jsx", "remote")
	st := session.NewState(f)
	st.Cache.Set("src/Gone.jsx", "cached")

	// Listed but unreadable remotely.
	lister := &listingProvider{Fake: f, extra: []string{"src/Gone.jsx"}}
	st.Provider = lister

	a, err := Build(context.Background(), st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !reflect.DeepEqual(a.Files, []string{"src/App.jsx", "src/Gone.jsx"}) {
		t.Errorf("Files = %v", a.Files)
	}
}

func TestBuild_NoSandbox(t *testing.T) {
	if _, err := Build(context.Background(), nil); !errors.Is(err, provider.ErrNoActiveSandbox) {
		t.Errorf("expected ErrNoActiveSandbox, got %v", err)
	}
}

type listingProvider struct {
	*providertest.Fake
	extra []string
}

func (l *listingProvider) ListFiles(ctx context.Context, dir string) ([]string, error) {
	paths, err := l.Fake.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	return append(paths, l.extra...), nil
}
