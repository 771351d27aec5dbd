package llm

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Mock is the hermetic language-model used by --test-mode. It derives POIs
// and relationships from coarse line patterns, so pipeline runs are
// reproducible without network access. It is not a parser: the patterns
// cover the common declaration shapes of JavaScript-family sources and
// nothing more.
type Mock struct{}

var _ domain.LLMClient = (*Mock)(nil)

// NewMock returns the deterministic client.
func NewMock() *Mock { return &Mock{} }

var (
	reFunction  = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`)
	reArrowFn   = regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\(`)
	reClass     = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?class\s+([A-Za-z_$][\w$]*)`)
	reInterface = regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`)
	reTypeAlias = regexp.MustCompile(`^\s*(?:export\s+)?type\s+([A-Za-z_$][\w$]*)\s*=`)
	reEnum      = regexp.MustCompile(`^\s*(?:export\s+)?enum\s+([A-Za-z_$][\w$]*)`)
	reConstant  = regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Z][A-Z0-9_]*)\s*=`)
	reVariable  = regexp.MustCompile(`^\s*(?:export\s+)?(?:let|var|const)\s+([A-Za-z_$][\w$]*)\s*=`)
	reMethod    = regexp.MustCompile(`^\s{2,}(?:async\s+)?([a-z_$][\w$]*)\s*\([^)]*\)\s*\{`)
	reImport    = regexp.MustCompile(`^\s*import\b.*?from\s+['"]([^'"]+)['"]`)
	reRequire   = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	reExportKw  = regexp.MustCompile(`^\s*export\b`)

	reCall    = regexp.MustCompile(`\b([A-Za-z_$][\w$]*)\s*\(`)
	reNew     = regexp.MustCompile(`\bnew\s+([A-Za-z_$][\w$]*)`)
	reExtends = regexp.MustCompile(`\bclass\s+[A-Za-z_$][\w$]*\s+extends\s+([A-Za-z_$][\w$]*)`)
	reConfig  = regexp.MustCompile(`\bconfig\.([A-Za-z_$][\w$]*)`)
)

// jsKeywords are call-shaped tokens that are not calls.
var jsKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "require": true, "new": true,
	"typeof": true, "await": true, "super": true, "constructor": true,
}

// ExtractPOIs scans content line by line. The first matching pattern per
// line wins; duplicates by (name, kind, line) collapse.
func (m *Mock) ExtractPOIs(_ domain.Context, req domain.POIExtractionRequest) ([]domain.ExtractedPOI, error) {
	type probe struct {
		re   *regexp.Regexp
		kind domain.POIKind
		conf float64
	}
	probes := []probe{
		{reFunction, domain.POIFunction, 0.9},
		{reClass, domain.POIClass, 0.9},
		{reInterface, domain.POIInterface, 0.9},
		{reEnum, domain.POIEnum, 0.9},
		{reTypeAlias, domain.POIType, 0.85},
		{reArrowFn, domain.POIFunction, 0.85},
		{reConstant, domain.POIConstant, 0.8},
		{reImport, domain.POIImport, 0.95},
		{reVariable, domain.POIVariable, 0.7},
		{reMethod, domain.POIMethod, 0.75},
	}

	seen := map[string]bool{}
	var out []domain.ExtractedPOI
	for i, line := range strings.Split(req.Content, "\n") {
		for _, p := range probes {
			match := p.re.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			name := match[1]
			if p.kind == domain.POIImport {
				name = path.Base(strings.TrimSuffix(match[1], path.Ext(match[1])))
			}
			key := fmt.Sprintf("%s|%s|%d", name, p.kind, i+1)
			if seen[key] {
				break
			}
			seen[key] = true
			out = append(out, domain.ExtractedPOI{
				Name:        name,
				Kind:        string(p.kind),
				StartLine:   i + 1,
				EndLine:     i + 1,
				Description: fmt.Sprintf("%s %s in %s", p.kind, name, path.Base(req.FilePath)),
				Exported:    reExportKw.MatchString(line),
				Confidence:  p.conf,
			})
			break
		}
	}
	return out, nil
}

// SummarizeDirectory produces a deterministic synopsis from the counts.
func (m *Mock) SummarizeDirectory(_ domain.Context, req domain.DirectorySummaryRequest) (string, error) {
	kinds := map[domain.POIKind]int{}
	for _, p := range req.POIs {
		kinds[p.Kind]++
	}
	parts := make([]string, 0, len(kinds))
	for k, n := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", n, k))
	}
	sort.Strings(parts)
	summary := fmt.Sprintf("%s holds %d files with %d points of interest",
		req.DirPath, len(req.Files), len(req.POIs))
	if len(parts) > 0 {
		summary += " (" + strings.Join(parts, ", ") + ")"
	}
	return summary + ".", nil
}

// ResolveRelationships reports edges it can see in the material: call sites,
// constructor uses, extends clauses, and config reads at file scope; import
// targets against files at directory scope. An enhancement hint raises
// reported confidence, simulating a model that converges when pointed at the
// weak aspect.
func (m *Mock) ResolveRelationships(_ domain.Context, req domain.RelationshipRequest) ([]domain.RelationshipObservation, error) {
	var obs []domain.RelationshipObservation
	if req.Content != "" {
		obs = m.fileScopeEdges(req)
	} else {
		obs = m.directoryScopeEdges(req)
	}
	if req.Hint != nil {
		for i := range obs {
			obs[i].Confidence = min(obs[i].Confidence+0.15, 0.95)
			obs[i].Reasoning += " (re-examined)"
		}
	}
	return obs, nil
}

func (m *Mock) fileScopeEdges(req domain.RelationshipRequest) []domain.RelationshipObservation {
	byName := map[string]domain.POI{}
	var ordered []domain.POI
	for _, p := range req.POIs {
		byName[p.Name] = p
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartLine < ordered[j].StartLine })

	// enclosing returns the latest declaration at or before the line, the
	// closest thing to a scope the patterns can offer.
	enclosing := func(line int) (domain.POI, bool) {
		var cur domain.POI
		found := false
		for _, p := range ordered {
			if p.StartLine > line {
				break
			}
			if p.Kind == domain.POIFunction || p.Kind == domain.POIMethod || p.Kind == domain.POIClass {
				cur, found = p, true
			}
		}
		return cur, found
	}

	seen := map[string]bool{}
	var out []domain.RelationshipObservation
	add := func(from, to domain.POI, kind domain.RelationshipKind, conf float64, reason string) {
		if from.ID == to.ID || from.Name == to.Name {
			return
		}
		key := poiRef(from) + "|" + string(kind) + "|" + poiRef(to)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, domain.RelationshipObservation{
			From: poiRef(from), To: poiRef(to), Kind: string(kind),
			Confidence: conf, Reasoning: reason,
		})
	}

	for i, line := range strings.Split(req.Content, "\n") {
		lineNo := i + 1
		src, inScope := enclosing(lineNo)

		if match := reExtends.FindStringSubmatch(line); match != nil {
			if sub, ok := enclosing(lineNo); ok && sub.Kind == domain.POIClass {
				if parent, ok := byName[match[1]]; ok {
					add(sub, parent, domain.RelInherits, 0.9, fmt.Sprintf("extends clause at line %d", lineNo))
				}
			}
			continue
		}
		if !inScope || src.StartLine == lineNo {
			continue
		}
		for _, match := range reNew.FindAllStringSubmatch(line, -1) {
			if target, ok := byName[match[1]]; ok {
				add(src, target, domain.RelUses, 0.8, fmt.Sprintf("constructed at line %d", lineNo))
			}
		}
		for _, match := range reCall.FindAllStringSubmatch(line, -1) {
			name := match[1]
			if jsKeywords[name] {
				continue
			}
			if target, ok := byName[name]; ok && target.Name != src.Name {
				if target.Kind == domain.POIFunction || target.Kind == domain.POIMethod {
					add(src, target, domain.RelCalls, 0.75, fmt.Sprintf("call at line %d", lineNo))
				}
			}
		}
		for _, match := range reConfig.FindAllStringSubmatch(line, -1) {
			if target, ok := byName[match[1]]; ok {
				add(src, target, domain.RelUsesConfig, 0.7, fmt.Sprintf("config read at line %d", lineNo))
			}
		}
	}
	return out
}

func (m *Mock) directoryScopeEdges(req domain.RelationshipRequest) []domain.RelationshipObservation {
	// Group exported POIs by file base so imports can land on them.
	exportsByBase := map[string]domain.POI{}
	for _, p := range req.POIs {
		if !p.Exported || p.Kind == domain.POIImport {
			continue
		}
		base := strings.TrimSuffix(path.Base(p.FilePath), path.Ext(p.FilePath))
		if _, ok := exportsByBase[base]; !ok {
			exportsByBase[base] = p
		}
	}
	var out []domain.RelationshipObservation
	for _, p := range req.POIs {
		if p.Kind != domain.POIImport {
			continue
		}
		target, ok := exportsByBase[p.Name]
		if !ok || target.FilePath == p.FilePath {
			continue
		}
		out = append(out, domain.RelationshipObservation{
			From: poiRef(p), To: poiRef(target), Kind: string(domain.RelImports),
			Confidence: 0.85,
			Reasoning:  fmt.Sprintf("%s imports %s", p.FilePath, target.FilePath),
		})
	}
	return out
}

// ValidatePOIs keeps entries that look like declarations and rejects
// extraction noise.
func (m *Mock) ValidatePOIs(_ domain.Context, req domain.POIValidationRequest) ([]domain.POIValidation, error) {
	out := make([]domain.POIValidation, 0, len(req.POIs))
	for _, p := range req.POIs {
		valid := strings.TrimSpace(p.Name) != "" &&
			p.StartLine >= 1 &&
			domain.KnownPOIKind(string(p.Kind)) &&
			!jsKeywords[p.Name]
		out = append(out, domain.POIValidation{POIID: p.ID, Valid: valid})
	}
	return out, nil
}

func poiRef(p domain.POI) string {
	if p.SemanticID != "" {
		return p.SemanticID
	}
	return p.Name
}
