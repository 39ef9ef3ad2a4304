// Package bundle exports a sandbox project as a zip archive.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
)

const readConcurrency = 8

// Archive is a built project zip.
type Archive struct {
	FileName string
	Files    []string
	Data     []byte
}

// DataURL returns the archive as a base64 data URL.
func (a *Archive) DataURL() string {
	return "data:application/zip;base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Excluded reports whether p is left out of archives: anything under a build
// or dependency directory, and log files.
func Excluded(p string) bool {
	if strings.HasSuffix(p, ".log") {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		for _, d := range provider.ExcludedDirs() {
			if seg == d {
				return true
			}
		}
	}
	return false
}

// Build zips every project file in st's sandbox. Files are read from the
// sandbox, falling back to the session cache.
func Build(ctx context.Context, st *session.State) (*Archive, error) {
	if st == nil || st.Provider == nil || !st.Provider.IsAlive() {
		return nil, provider.ErrNoActiveSandbox
	}

	listed, err := st.Provider.ListFiles(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	var paths []string
	for _, p := range listed {
		if !Excluded(p) {
			paths = append(paths, p)
		}
	}

	contents := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			c, err := st.Provider.ReadFile(gctx, p)
			if err != nil {
				entry, ok := st.Cache.Get(p)
				if !ok {
					return fmt.Errorf("read %s: %w", p, err)
				}
				c = entry.Content
			}
			contents[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := time.Now()
	for i, p := range paths {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     path.Clean(p),
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", p, err)
		}
		if _, err := w.Write([]byte(contents[i])); err != nil {
			return nil, fmt.Errorf("add %s: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}

	return &Archive{
		FileName: fmt.Sprintf("%s-sandbox-project.zip", st.Provider.Kind()),
		Files:    paths,
		Data:     buf.Bytes(),
	}, nil
}
