package llm

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/pkg/textx"
)

const extractSystemPrompt = `You are a static-analysis assistant. Given one source file, list its
points of interest: functions, classes, methods, properties, variables,
constants, imports, exports, interfaces, enums, and type aliases.
Reply with only a JSON object of the form
{"pois":[{"name":"...","kind":"function","start_line":1,"end_line":10,"description":"...","exported":true,"confidence":0.9}]}
Kinds: function, class, method, property, variable, constant, import,
export, interface, enum, type. Line numbers are 1-based within the given
content. Confidence is your certainty in [0,1]. No prose, no markdown.`

const summarySystemPrompt = `You summarize source directories. Given the file list and extracted
points of interest of one directory, describe its responsibility in two or
three sentences. Reply with only {"summary":"..."}.`

const relationshipSystemPrompt = `You identify relationships between points of interest in source code.
Report only edges you can ground in the given material. Reply with only
{"relationships":[{"from":"...","to":"...","kind":"CALLS","confidence":0.8,"reasoning":"...","factors":{"syntax":0.9,"semantic":0.8,"context":0.7,"cross_ref":0.5}}]}
Kinds: CALLS, USES, IMPORTS, INHERITS, COMPOSES, USES_CONFIG. Use the
semantic id of a POI when given one, its name otherwise. The factors
object is optional. No prose, no markdown.`

const validateSystemPrompt = `You review extracted points of interest for plausibility. Mark entries
that look like extraction noise (fragments, keywords, generated artifacts)
as invalid. Reply with only {"validations":[{"poi_id":1,"valid":true}]}.`

func extractUserPrompt(filePath, content string, partial bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", filePath)
	if partial {
		b.WriteString("Note: this is one chunk of a larger file; line numbers are within the chunk.\n")
	}
	b.WriteString("Content:\n")
	b.WriteString(textx.SanitizeText(content))
	return b.String()
}

func summaryUserPrompt(req domain.DirectorySummaryRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Directory: %s\n", req.DirPath)
	fmt.Fprintf(&b, "Files (%d):\n", len(req.Files))
	for _, f := range req.Files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	fmt.Fprintf(&b, "Points of interest (%d):\n", len(req.POIs))
	for _, p := range req.POIs {
		fmt.Fprintf(&b, "  - %s %s (%s:%d) %s\n", p.Kind, p.Name, p.FilePath, p.StartLine, p.Description)
	}
	return b.String()
}

func relationshipUserPrompt(req domain.RelationshipRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scope: %s\n", req.Scope)
	if req.FilePath != "" {
		fmt.Fprintf(&b, "File: %s\n", req.FilePath)
	}
	if req.Summary != "" {
		fmt.Fprintf(&b, "Directory summary: %s\n", req.Summary)
	}
	fmt.Fprintf(&b, "Points of interest (%d):\n", len(req.POIs))
	for _, p := range req.POIs {
		ref := p.Name
		if p.SemanticID != "" {
			ref = p.SemanticID
		}
		fmt.Fprintf(&b, "  - %s  kind=%s file=%s line=%d\n", ref, p.Kind, p.FilePath, p.StartLine)
	}
	if req.Content != "" {
		b.WriteString("Content:\n")
		b.WriteString(textx.SanitizeText(req.Content))
		b.WriteString("\n")
	}
	if req.Hint != nil {
		// Enhanced re-query: surface where the earlier evidence was weak so
		// the model re-examines exactly that aspect.
		fmt.Fprintf(&b,
			"Earlier evidence for one of these edges scored low (syntax=%.2f semantic=%.2f context=%.2f cross_ref=%.2f). Re-examine the weakest aspect and report the edge again with your honest confidence.\n",
			req.Hint.Syntax, req.Hint.Semantic, req.Hint.Context, req.Hint.CrossRef)
	}
	return b.String()
}

func validateUserPrompt(req domain.POIValidationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", req.FilePath)
	fmt.Fprintf(&b, "Candidates (%d):\n", len(req.POIs))
	for _, p := range req.POIs {
		fmt.Fprintf(&b, "  - poi_id=%d name=%q kind=%s lines=%d-%d exported=%t\n",
			p.ID, p.Name, p.Kind, p.StartLine, p.EndLine, p.Exported)
	}
	return b.String()
}

func repairPrompt(previous string) string {
	var b strings.Builder
	b.WriteString("Your previous reply was not valid JSON for the requested schema. ")
	b.WriteString("Output the corrected JSON object and nothing else.\n")
	b.WriteString("Previous reply:\n")
	b.WriteString(previous)
	return b.String()
}
