// Package parser extracts tagged blocks from streamed model output.
//
// The scanner is an incremental state machine: it seeks an open tag, then
// accumulates the body until the matching close tag. Content inside a body is
// never interpreted as tags, so source containing angle brackets is safe.
package parser

import (
	"strings"
)

// Kind identifies a recognized block tag.
type Kind int

const (
	KindFile Kind = iota + 1
	KindEdit
	KindCommand
	KindPackage
	KindPackages
)

type tagSpec struct {
	kind Kind
	name string
	attr string
}

var specs = []tagSpec{
	{KindFile, "file", "path"},
	{KindEdit, "edit", "target_file"},
	{KindCommand, "command", ""},
	{KindPackage, "package", ""},
	{KindPackages, "packages", ""},
}

func lookupSpec(name string) (tagSpec, bool) {
	for _, s := range specs {
		if s.name == name {
			return s, true
		}
	}
	return tagSpec{}, false
}

// maxOpenTag bounds how far the scanner looks for the end of an open tag
// before giving up on it.
const maxOpenTag = 1024

type state int

const (
	stateSeek state = iota
	stateBody
)

// Block is one tagged region of the stream.
type Block struct {
	Kind     Kind
	Attr     string
	Body     string
	Complete bool
}

// Scanner consumes text chunk by chunk. It is not safe for concurrent use.
type Scanner struct {
	buf       string
	pos       int
	state     state
	open      tagSpec
	attr      string
	bodyStart int
	blocks    []Block
}

// NewScanner returns an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Parse scans a complete text.
func Parse(text string) *Scanner {
	s := NewScanner()
	s.Feed(text)
	return s
}

// Feed appends chunk and advances the state machine as far as possible.
func (s *Scanner) Feed(chunk string) {
	s.buf += chunk
	for {
		var progressed bool
		switch s.state {
		case stateSeek:
			progressed = s.seek()
		case stateBody:
			progressed = s.body()
		}
		if !progressed {
			return
		}
	}
}

// seek looks for the next recognized open tag. It reports whether the state
// changed.
func (s *Scanner) seek() bool {
	for {
		i := strings.IndexByte(s.buf[s.pos:], '<')
		if i < 0 {
			s.pos = len(s.buf)
			return false
		}
		start := s.pos + i

		spec, attr, end, status := s.matchOpen(start)
		switch status {
		case openIncomplete:
			s.pos = start
			return false
		case openNone:
			s.pos = start + 1
			continue
		}

		s.state = stateBody
		s.open = spec
		s.attr = attr
		s.bodyStart = end
		s.pos = end
		return true
	}
}

type openStatus int

const (
	openNone openStatus = iota
	openIncomplete
	openMatched
)

// matchOpen tries to read a recognized open tag at buf[start]. On a match it
// returns the index just past '>'.
func (s *Scanner) matchOpen(start int) (tagSpec, string, int, openStatus) {
	j := start + 1
	for j < len(s.buf) && isNameByte(s.buf[j]) {
		j++
	}
	if j == len(s.buf) {
		if couldBeTag(s.buf[start+1 : j]) {
			return tagSpec{}, "", 0, openIncomplete
		}
		return tagSpec{}, "", 0, openNone
	}
	spec, ok := lookupSpec(s.buf[start+1 : j])
	if !ok {
		return tagSpec{}, "", 0, openNone
	}

	gt := strings.IndexByte(s.buf[j:], '>')
	if gt < 0 {
		if len(s.buf)-start < maxOpenTag {
			return tagSpec{}, "", 0, openIncomplete
		}
		return tagSpec{}, "", 0, openNone
	}
	inner := s.buf[j : j+gt]
	end := j + gt + 1

	if spec.attr == "" {
		if strings.TrimSpace(inner) != "" {
			return tagSpec{}, "", 0, openNone
		}
		return spec, "", end, openMatched
	}
	val, ok := attrValue(inner, spec.attr)
	if !ok {
		return tagSpec{}, "", 0, openNone
	}
	return spec, val, end, openMatched
}

// body looks for the close tag of the open block. It reports whether the
// block completed.
func (s *Scanner) body() bool {
	closing := "</" + s.open.name + ">"
	i := strings.Index(s.buf[s.pos:], closing)
	if i < 0 {
		// Keep enough tail to match a close tag split across chunks.
		if keep := len(s.buf) - len(closing) + 1; keep > s.pos {
			s.pos = keep
		}
		return false
	}
	end := s.pos + i
	s.blocks = append(s.blocks, Block{
		Kind:     s.open.kind,
		Attr:     s.attr,
		Body:     s.buf[s.bodyStart:end],
		Complete: true,
	})
	s.pos = end + len(closing)
	s.state = stateSeek
	s.open = tagSpec{}
	s.attr = ""
	return true
}

// Blocks returns all completed blocks in stream order.
func (s *Scanner) Blocks() []Block {
	return append([]Block(nil), s.blocks...)
}

// Current returns the block still being received, if any.
func (s *Scanner) Current() (Block, bool) {
	if s.state != stateBody {
		return Block{}, false
	}
	return Block{
		Kind: s.open.kind,
		Attr: s.attr,
		Body: s.buf[s.bodyStart:],
	}, true
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c == '_'
}

func couldBeTag(prefix string) bool {
	for _, s := range specs {
		if strings.HasPrefix(s.name, prefix) {
			return true
		}
	}
	return false
}

// attrValue extracts name="value" from the inside of an open tag.
func attrValue(inner, name string) (string, bool) {
	key := name + `="`
	i := strings.Index(inner, key)
	if i < 0 || (i > 0 && !isSpace(inner[i-1])) {
		return "", false
	}
	rest := inner[i+len(key):]
	q := strings.IndexByte(rest, '"')
	if q < 0 {
		return "", false
	}
	v := strings.TrimSpace(rest[:q])
	return v, v != ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
