// Package project holds the sandbox project layout: path normalization,
// config-file recognition and the set of known project files.
package project

import (
	"os"
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// rootFiles stay at the project root instead of being moved under src/.
var rootFiles = map[string]bool{
	"package.json":        true,
	"package-lock.json":   true,
	"yarn.lock":           true,
	"pnpm-lock.yaml":      true,
	"bun.lockb":           true,
	"vite.config.js":      true,
	"vite.config.ts":      true,
	"tailwind.config.js":  true,
	"tailwind.config.cjs": true,
	"tailwind.config.ts":  true,
	"postcss.config.js":   true,
	"postcss.config.cjs":  true,
	"tsconfig.json":       true,
	"tsconfig.node.json":  true,
	"jsconfig.json":       true,
	".eslintrc.cjs":       true,
	".gitignore":          true,
	".npmrc":              true,
}

// IsConfigFile reports whether the base name of p is a recognized root config
// or lockfile.
func IsConfigFile(p string) bool {
	return rootFiles[path.Base(p)]
}

// NormalizePath maps a path as written by the model to a project-relative
// path. Normalizing an already normalized path returns it unchanged.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	for strings.HasPrefix(p, "./") {
		p = strings.TrimLeft(p[2:], "/")
	}
	if p == "" {
		return ""
	}
	p = path.Clean(p)

	if p == "index.html" || IsConfigFile(p) {
		return p
	}
	if strings.HasPrefix(p, "src/") || strings.HasPrefix(p, "public/") {
		return p
	}
	return "src/" + p
}

// FileType is the language tag derived from a file extension.
func FileType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".jsx":
		return "jsx"
	case ".tsx":
		return "tsx"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".css":
		return "css"
	case ".json":
		return "json"
	case ".html":
		return "html"
	case ".md":
		return "markdown"
	case ".svg":
		return "svg"
	default:
		return "text"
	}
}

// Resolve joins a project-relative path onto root, keeping the result inside
// root even for inputs containing "..". Remote sandboxes have no local
// filesystem, so the join is purely lexical.
func Resolve(root, rel string) (string, error) {
	return securejoin.SecureJoinVFS(root, rel, lexicalFS{})
}

// lexicalFS reports every path as missing so SecureJoinVFS never follows
// local symlinks.
type lexicalFS struct{}

func (lexicalFS) Lstat(name string) (os.FileInfo, error) {
	return nil, &os.PathError{Op: "lstat", Path: name, Err: os.ErrNotExist}
}

func (lexicalFS) Readlink(name string) (string, error) {
	return "", &os.PathError{Op: "readlink", Path: name, Err: os.ErrNotExist}
}
