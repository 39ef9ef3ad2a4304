package parser

import (
	"strings"

	"github.com/aspectrr/fluid.sh/preview/internal/project"
)

// File is a parsed <file> block. Edited is set once the block is written over
// a path that already existed in the sandbox.
type File struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Type      string `json:"type"`
	Completed bool   `json:"completed"`
	Edited    bool   `json:"edited"`
}

// Edit is a parsed <edit> block.
type Edit struct {
	TargetFile   string `json:"targetFile"`
	Instructions string `json:"instructions"`
	Update       string `json:"update"`
}

// Files returns completed file blocks, one per normalized path. When a path
// repeats, the later content wins and the first position is kept.
func (s *Scanner) Files() []File {
	var out []File
	index := make(map[string]int)
	for _, b := range s.blocks {
		if b.Kind != KindFile {
			continue
		}
		f := File{
			Path:      b.Attr,
			Content:   b.Body,
			Type:      project.FileType(b.Attr),
			Completed: true,
		}
		key := project.NormalizePath(b.Attr)
		if i, ok := index[key]; ok {
			out[i] = f
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}

// CurrentFile returns the file block still being received, if any.
func (s *Scanner) CurrentFile() (File, bool) {
	b, ok := s.Current()
	if !ok || b.Kind != KindFile {
		return File{}, false
	}
	return File{Path: b.Attr, Content: b.Body, Type: project.FileType(b.Attr)}, true
}

// Edits returns completed edit blocks that carry an update.
func (s *Scanner) Edits() []Edit {
	var out []Edit
	for _, b := range s.blocks {
		if b.Kind != KindEdit {
			continue
		}
		e := Edit{
			TargetFile:   b.Attr,
			Instructions: strings.TrimSpace(innerTag(b.Body, "instructions")),
			Update:       strings.TrimSpace(innerTag(b.Body, "update")),
		}
		if e.Update == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Commands returns the trimmed bodies of <command> blocks.
func (s *Scanner) Commands() []string {
	var out []string
	for _, b := range s.blocks {
		if b.Kind != KindCommand {
			continue
		}
		if c := strings.TrimSpace(b.Body); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Packages returns package names from <package> and <packages> blocks in
// first-seen order.
func (s *Scanner) Packages() []string {
	var names []string
	for _, b := range s.blocks {
		switch b.Kind {
		case KindPackage:
			names = append(names, b.Body)
		case KindPackages:
			names = append(names, strings.FieldsFunc(b.Body, func(r rune) bool {
				return r == ',' || r == '\n' || r == '\r'
			})...)
		}
	}
	return dedupe(names)
}

func innerTag(body, name string) string {
	open, closing := "<"+name+">", "</"+name+">"
	i := strings.Index(body, open)
	if i < 0 {
		return ""
	}
	rest := body[i+len(open):]
	j := strings.Index(rest, closing)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
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
