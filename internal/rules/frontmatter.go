package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Marker is the line that opens and closes a metadata block.
const Marker = "---"

// DocumentExtensions are the file types the merge strategy understands.
var DocumentExtensions = []string{".md", ".mdc", ".markdown"}

// IsDocument reports whether path has a recognized document extension.
func IsDocument(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range DocumentExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Document is a rule document split at its metadata block.
type Document struct {
	Metadata string // opening marker through closing marker, no trailing line break
	Newline  string // line break that followed the closing marker ("" at EOF)
	Body     string // everything after Newline, verbatim
}

// String reassembles the document.
func (d Document) String() string {
	return d.Metadata + d.Newline + d.Body
}

// ParseDocument splits content into metadata block and body. ok is false
// when content does not open with a marker line or the block is not closed.
func ParseDocument(content string) (doc Document, ok bool) {
	first, rest, found := cutLine(content)
	if !found || trimCR(first) != Marker {
		return Document{}, false
	}

	offset := len(content) - len(rest)
	for rest != "" {
		line, next, hasBreak := cutLine(rest)
		if trimCR(line) == Marker {
			end := offset + len(trimCR(line))
			doc.Metadata = content[:end]
			doc.Newline = content[end : offset+len(line)+boolLen(hasBreak)]
			doc.Body = next
			if !hasBreak {
				doc.Body = ""
			}
			return doc, true
		}
		offset += len(line) + boolLen(hasBreak)
		rest = next
	}

	return Document{}, false
}

// cutLine splits s at the first '\n'. found reports whether a break existed;
// line excludes the '\n'.
func cutLine(s string) (line, rest string, found bool) {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}

func boolLen(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Metadata holds the frontmatter fields rulesync reports on.
type Metadata struct {
	Description string `yaml:"description"`
	AlwaysApply bool   `yaml:"alwaysApply"`
	Globs       any    `yaml:"globs"`
}

// ReadMetadata decodes the frontmatter of a document leniently. Files without
// a block, or whose block is not valid YAML, return ok=false.
func ReadMetadata(path string) (meta Metadata, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, false
	}
	doc, parsed := ParseDocument(string(data))
	if !parsed {
		return Metadata{}, false
	}

	inner := strings.TrimPrefix(doc.Metadata, Marker)
	inner = strings.TrimSuffix(inner, Marker)
	if err := yaml.Unmarshal([]byte(inner), &meta); err != nil {
		return Metadata{}, false
	}
	return meta, true
}

// WriteMode selects how a source file is written over its destination.
type WriteMode int

const (
	// WriteOverwrite replaces the destination byte-for-byte.
	WriteOverwrite WriteMode = iota
	// WriteMerge keeps the destination's metadata block and takes the
	// source's body.
	WriteMerge
)

// String returns the mode name.
func (m WriteMode) String() string {
	switch m {
	case WriteOverwrite:
		return "overwrite"
	case WriteMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// WriteMerged writes src over dst. Documents of global rules whose
// destination already exists keep the destination's metadata block and take
// the source's body; everything else is copied byte-for-byte. A block that
// fails to parse on either side also falls back to a full copy.
func WriteMerged(src, dst string, local bool) (WriteMode, error) {
	if local || !IsDocument(dst) {
		return WriteOverwrite, CopyFile(src, dst)
	}

	dstData, err := os.ReadFile(dst)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return WriteOverwrite, CopyFile(src, dst)
		}
		return WriteOverwrite, fmt.Errorf("failed to read destination %s: %w", dst, err)
	}

	srcData, err := os.ReadFile(src)
	if err != nil {
		return WriteOverwrite, fmt.Errorf("failed to read source %s: %w", src, err)
	}

	srcDoc, srcOK := ParseDocument(string(srcData))
	dstDoc, dstOK := ParseDocument(string(dstData))
	if !srcOK || !dstOK {
		return WriteOverwrite, CopyFile(src, dst)
	}

	merged := Document{Metadata: dstDoc.Metadata, Newline: dstDoc.Newline, Body: srcDoc.Body}
	if merged.Newline == "" && merged.Body != "" {
		merged.Newline = srcDoc.Newline
		if merged.Newline == "" {
			merged.Newline = "\n"
		}
	}

	info, err := os.Stat(src)
	if err != nil {
		return WriteMerge, err
	}
	if err := writeAtomic(dst, []byte(merged.String()), info.Mode().Perm()); err != nil {
		return WriteMerge, fmt.Errorf("failed to write merged %s: %w", dst, err)
	}
	return WriteMerge, nil
}
