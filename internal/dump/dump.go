// Package dump reads an IL2CPP-dumper style dump.cs and serves it as a
// hostapi.Introspector, so layouts can be resolved and checked without a
// running host.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrEmpty is returned when the input declares no classes.
	ErrEmpty = errors.New("dump: no classes found")

	namespaceLine = regexp.MustCompile(`^//\s*Namespace:\s*(.*)$`)
	imageLine     = regexp.MustCompile(`^//\s*(?:Dll|Assembly)\s*:\s*([^\s]+?)(?:\.dll)?$`)
	typeHeader    = regexp.MustCompile(`^(?:[\w\s]*\s)?(class|struct|enum|interface)\s+(.+)$`)
	fieldLine     = regexp.MustCompile(`^((?:(?:public|private|protected|internal|static|readonly|new|volatile)\s+)*)(.+?)\s+(\S+);\s*//\s*0x([0-9A-Fa-f]+)\s*$`)
)

// Option configures parsing.
type Option func(*Metadata)

// WithRuntime sets the pointer size and object header size of the target runtime.
func WithRuntime(pointerSize, objectHeader uint32) Option {
	return func(m *Metadata) {
		m.pointerSize = pointerSize
		m.objectHeader = objectHeader
	}
}

// Open parses the dump at path. Files ending in .zst are decompressed first.
func Open(path string, opts ...Option) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dump: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	return Parse(r, opts...)
}

// Parse reads dump text from r.
func Parse(r io.Reader, opts ...Option) (*Metadata, error) {
	m := newMetadata()
	for _, opt := range opts {
		opt(m)
	}

	var (
		namespace string
		assembly  string
		current   *class
		depth     int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if current != nil {
			depth += braceDelta(line)
			if depth == 1 {
				if f, ok := parseField(line); ok {
					current.fields = append(current.fields, f)
				}
			}
			if depth <= 0 && strings.Contains(line, "}") {
				current = nil
				depth = 0
			}
			continue
		}

		if match := namespaceLine.FindStringSubmatch(line); match != nil {
			namespace = strings.TrimSpace(match[1])
			continue
		}
		if match := imageLine.FindStringSubmatch(line); match != nil {
			assembly = match[1]
			continue
		}
		if c, ok := parseHeader(line); ok {
			c.namespace = namespace
			c.assembly = assembly
			m.add(c)
			current = c
			depth = braceDelta(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	if len(m.classes) == 0 {
		return nil, ErrEmpty
	}

	m.link()
	return m, nil
}

// parseHeader recognises a type declaration line.
func parseHeader(line string) (*class, bool) {
	line = stripComment(stripAttributes(line))
	if line == "" || strings.ContainsAny(line, "(;=") {
		return nil, false
	}
	match := typeHeader.FindStringSubmatch(line)
	if match == nil {
		return nil, false
	}
	rest := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(match[2]), "{"))
	namePart, basePart := splitTopLevel(rest, ':')
	name, params := splitGeneric(strings.TrimSpace(namePart))
	if name == "" {
		return nil, false
	}

	c := &class{
		kind:       match[1],
		name:       genericKey(name, len(params)),
		display:    strings.TrimSpace(namePart),
		typeParams: params,
	}
	if basePart != "" {
		bases := splitArgs(basePart)
		if len(bases) > 0 {
			c.baseName = bases[0]
		}
	}
	return c, true
}

// parseField recognises an instance or static field line with an offset comment.
func parseField(line string) (field, bool) {
	match := fieldLine.FindStringSubmatch(stripAttributes(line))
	if match == nil {
		return field{}, false
	}
	offset, err := strconv.ParseUint(match[4], 16, 32)
	if err != nil {
		return field{}, false
	}
	modifiers := strings.Fields(match[1])
	f := field{
		name:   match[3],
		typ:    strings.TrimSpace(match[2]),
		offset: uint32(offset),
	}
	for _, mod := range modifiers {
		if mod == "static" {
			f.static = true
		}
	}
	return f, true
}

func stripAttributes(line string) string {
	for strings.HasPrefix(line, "[") {
		end := strings.Index(line, "]")
		if end < 0 {
			return line
		}
		line = strings.TrimSpace(line[end+1:])
	}
	return line
}

func stripComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func braceDelta(line string) int {
	line = stripComment(line)
	return strings.Count(line, "{") - strings.Count(line, "}")
}

// splitTopLevel splits s at the first sep outside angle brackets.
func splitTopLevel(s string, sep byte) (string, string) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			depth--
		case sep:
			if depth == 0 {
				return s[:i], strings.TrimSpace(s[i+1:])
			}
		}
	}
	return s, ""
}

// splitArgs splits a comma separated list at top level.
func splitArgs(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// splitGeneric splits "Dictionary<Tile, TileScore>" into its base name and arguments.
func splitGeneric(s string) (string, []string) {
	open := strings.Index(s, "<")
	if open < 0 || !strings.HasSuffix(s, ">") {
		return s, nil
	}
	return strings.TrimSpace(s[:open]), splitArgs(s[open+1 : len(s)-1])
}

func genericKey(name string, arity int) string {
	if arity == 0 {
		return name
	}
	return name + "`" + strconv.Itoa(arity)
}
