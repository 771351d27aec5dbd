// Package semid generates stable, human-readable, within-run-unique
// identifiers for points of interest. An identifier has the shape
// {filePrefix}_{kindTag}_{normalizedName} with an optional _{n} ordinal
// appended on collision.
package semid

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

const (
	maxPrefixLen = 8
	maxNameLen   = 20
)

// abbreviations shorten common file-name stems before length bounding.
var abbreviations = map[string]string{
	"index":  "idx",
	"config": "cfg",
	"utils":  "util",
	"server": "srv",
	"client": "cli",
}

// kindTags maps POI kinds to the short tag embedded in identifiers.
var kindTags = map[domain.POIKind]string{
	domain.POIFunction:  "func",
	domain.POIClass:     "class",
	domain.POIMethod:    "method",
	domain.POIProperty:  "prop",
	domain.POIVariable:  "var",
	domain.POIConstant:  "const",
	domain.POIImport:    "import",
	domain.POIExport:    "export",
	domain.POIInterface: "iface",
	domain.POIEnum:      "enum",
	domain.POIType:      "type",
}

var tagKinds = func() map[string]domain.POIKind {
	m := make(map[string]domain.POIKind, len(kindTags))
	for k, t := range kindTags {
		m[t] = k
	}
	return m
}()

// KindTag returns the identifier tag for a POI kind. Unknown kinds fall back
// to "poi" so a malformed extraction still yields a parsable identifier.
func KindTag(kind domain.POIKind) string {
	if t, ok := kindTags[kind]; ok {
		return t
	}
	return "poi"
}

// Parts is the decomposed form of a semantic identifier.
type Parts struct {
	FilePrefix string
	KindTag    string
	Kind       domain.POIKind
	Name       string
	Ordinal    int
}

// Generator issues identifiers unique within one run. Safe for concurrent
// use; the used-set and the per-file prefix cache sit behind one mutex.
type Generator struct {
	mu       sync.Mutex
	used     map[string]struct{}
	prefixes map[string]string
}

// NewGenerator returns an empty generator.
func NewGenerator() *Generator {
	return &Generator{
		used:     make(map[string]struct{}),
		prefixes: make(map[string]string),
	}
}

// ImportExisting seeds the used-set with identifiers already persisted for
// the run, so restarts never re-issue a taken identifier.
func (g *Generator) ImportExisting(ids []string) {
	g.mu.Lock()
	for _, id := range ids {
		if id != "" {
			g.used[id] = struct{}{}
		}
	}
	g.mu.Unlock()
}

// Generate returns the identifier for (filePath, name, kind), appending the
// lowest unused positive ordinal when the base form is already taken.
func (g *Generator) Generate(filePath, name string, kind domain.POIKind) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix, ok := g.prefixes[filePath]
	if !ok {
		prefix = FilePrefix(filePath)
		g.prefixes[filePath] = prefix
	}
	base := prefix + "_" + KindTag(kind) + "_" + NormalizeName(name)

	id := base
	for n := 2; ; n++ {
		if _, taken := g.used[id]; !taken {
			break
		}
		id = base + "_" + strconv.Itoa(n)
	}
	g.used[id] = struct{}{}
	return id
}

// Used reports whether an identifier has been issued or imported.
func (g *Generator) Used(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.used[id]
	return ok
}

// Parse decomposes an identifier into its parts. The trailing segment is
// read as a collision ordinal only when it is purely numeric and at least
// one name segment remains; a name that legitimately ends in digits keeps
// them attached (digits are never split from their segment).
func Parse(id string) (Parts, error) {
	segs := strings.Split(id, "_")
	if len(segs) < 3 {
		return Parts{}, fmt.Errorf("op=semid.Parse: %q has %d segments: %w", id, len(segs), domain.ErrInvalidArgument)
	}
	p := Parts{FilePrefix: segs[0], KindTag: segs[1]}
	kind, ok := tagKinds[p.KindTag]
	if !ok {
		return Parts{}, fmt.Errorf("op=semid.Parse: unknown kind tag %q: %w", p.KindTag, domain.ErrInvalidArgument)
	}
	p.Kind = kind

	rest := segs[2:]
	if len(rest) >= 2 {
		if n, err := strconv.Atoi(rest[len(rest)-1]); err == nil && n > 1 {
			p.Ordinal = n
			rest = rest[:len(rest)-1]
		}
	}
	p.Name = strings.Join(rest, "_")
	if p.Name == "" {
		return Parts{}, fmt.Errorf("op=semid.Parse: empty name in %q: %w", id, domain.ErrInvalidArgument)
	}
	return p, nil
}

// FilePrefix derives the identifier prefix from a file path: base name
// without extension, lowercased, alphanumeric only, abbreviated when the
// stem is in the dictionary, length-bounded.
func FilePrefix(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	cleaned := keepAlnum(strings.ToLower(base))
	if abbr, ok := abbreviations[cleaned]; ok {
		cleaned = abbr
	}
	if len(cleaned) > maxPrefixLen {
		cleaned = cleaned[:maxPrefixLen]
	}
	if cleaned == "" {
		cleaned = "file"
	}
	return cleaned
}

// NormalizeName converts a raw POI name to the identifier form: separators
// trimmed, camelCase split to snake_case, lowercased, alphanumeric plus
// underscore only, length-bounded.
func NormalizeName(name string) string {
	name = strings.Trim(name, "_-. \t")
	snake := camelToSnake(name)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range snake {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '.' || r == ' ':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if len(out) > maxNameLen {
		out = strings.TrimRight(out[:maxNameLen], "_")
	}
	if out == "" {
		out = "anon"
	}
	return out
}

// camelToSnake inserts underscores at case boundaries. Acronym runs break
// before their final capital ("HTTPServer" becomes "http_server").
func camelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func keepAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
