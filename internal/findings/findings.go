// Package findings parses the JSON findings block that the LLM emits
// between the bridge-findings markers, enforcing the open-world schema
// described in spec.md §4.2: id/severity/category are required, everything
// else is preserved verbatim.
package findings

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agensys/reviewbot/internal/model"
)

const (
	StartMarker = "<!-- bridge-findings-start -->"
	EndMarker   = "<!-- bridge-findings-end -->"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ErrNoBlock means the markers (or the fenced payload between them) were not
// found in the text.
var ErrNoBlock = fmt.Errorf("findings: no bridge-findings block found")

// Extract pulls the raw JSON text between the bridge-findings markers.
func Extract(text string) (string, error) {
	start := strings.Index(text, StartMarker)
	if start < 0 {
		return "", ErrNoBlock
	}
	rest := text[start+len(StartMarker):]
	end := strings.Index(rest, EndMarker)
	if end < 0 {
		return "", ErrNoBlock
	}
	between := rest[:end]
	m := fenceRe.FindStringSubmatch(between)
	if m == nil {
		return "", ErrNoBlock
	}
	return m[1], nil
}

// rawFinding captures the schema loosely so unknown fields survive.
type rawFinding map[string]any

// ParseBlock parses a block scoped between the literal markers. It rejects
// the block if schema_version != 1, findings is not an array, or any
// element lacks a string id/severity/category. An out-of-range or
// wrong-typed confidence is dropped from that finding only; everything else
// is preserved.
func ParseBlock(text string) (model.FindingsBlock, error) {
	raw, err := Extract(text)
	if err != nil {
		return model.FindingsBlock{}, err
	}
	return ParseJSON(raw)
}

// ParseJSON parses a findings payload that has already been isolated from
// its surrounding markers/fence.
func ParseJSON(raw string) (model.FindingsBlock, error) {
	var doc struct {
		SchemaVersion int              `json:"schema_version"`
		Findings      []rawFinding     `json:"findings"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return model.FindingsBlock{}, fmt.Errorf("findings: invalid json: %w", err)
	}
	if doc.SchemaVersion != 1 {
		return model.FindingsBlock{}, fmt.Errorf("findings: unsupported schema_version %d", doc.SchemaVersion)
	}
	if doc.Findings == nil {
		return model.FindingsBlock{}, fmt.Errorf("findings: \"findings\" is not an array")
	}

	out := make([]model.Finding, 0, len(doc.Findings))
	for i, rf := range doc.Findings {
		f, err := parseOne(rf)
		if err != nil {
			return model.FindingsBlock{}, fmt.Errorf("findings[%d]: %w", i, err)
		}
		out = append(out, f)
	}
	return model.FindingsBlock{SchemaVersion: 1, Findings: out}, nil
}

func parseOne(rf rawFinding) (model.Finding, error) {
	id, ok := rf["id"].(string)
	if !ok || id == "" {
		return model.Finding{}, fmt.Errorf("missing string id")
	}
	severity, ok := rf["severity"].(string)
	if !ok || severity == "" {
		return model.Finding{}, fmt.Errorf("missing string severity")
	}
	category, ok := rf["category"].(string)
	if !ok || category == "" {
		return model.Finding{}, fmt.Errorf("missing string category")
	}

	f := model.Finding{
		ID:       id,
		Severity: severity,
		Category: category,
		Extra:    map[string]any{},
	}

	if v, ok := rf["title"].(string); ok {
		f.Title = v
	}
	if v, ok := rf["file"].(string); ok {
		f.File = v
	}
	if v, ok := rf["description"].(string); ok {
		f.Description = v
	}
	if v, ok := rf["suggestion"].(string); ok {
		f.Suggestion = v
	}
	if v, ok := rf["confidence"]; ok {
		if fv, ok := v.(float64); ok && fv >= 0 && fv <= 1 {
			c := fv
			f.Confidence = &c
		}
		// wrong-typed or out-of-range confidence is silently dropped; the
		// rest of the finding is preserved.
	}

	known := map[string]bool{
		"id": true, "severity": true, "category": true, "title": true,
		"file": true, "description": true, "suggestion": true, "confidence": true,
	}
	for k, v := range rf {
		if !known[k] {
			f.Extra[k] = v
		}
	}
	return f, nil
}

// Serialize renders a FindingsBlock back into the canonical wrapped form
// (markers + fenced JSON), used when assembling an unenriched fallback body.
func Serialize(block model.FindingsBlock) (string, error) {
	payload := toWire(block)
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(StartMarker)
	sb.WriteString("\n```json\n")
	sb.Write(b)
	sb.WriteString("\n```\n")
	sb.WriteString(EndMarker)
	return sb.String(), nil
}

func toWire(block model.FindingsBlock) map[string]any {
	findings := make([]map[string]any, len(block.Findings))
	for i, f := range block.Findings {
		m := map[string]any{
			"id":       f.ID,
			"severity": f.Severity,
			"category": f.Category,
		}
		if f.Title != "" {
			m["title"] = f.Title
		}
		if f.File != "" {
			m["file"] = f.File
		}
		if f.Description != "" {
			m["description"] = f.Description
		}
		if f.Suggestion != "" {
			m["suggestion"] = f.Suggestion
		}
		if f.Confidence != nil {
			m["confidence"] = *f.Confidence
		}
		for k, v := range f.Extra {
			m[k] = v
		}
		findings[i] = m
	}
	return map[string]any{
		"schema_version": block.SchemaVersion,
		"findings":       findings,
	}
}

// SeverityOrder is the fixed severity ranking from spec.md §3, most to
// least urgent.
var SeverityOrder = []model.Severity{
	model.SeverityCritical,
	model.SeverityHigh,
	model.SeverityMedium,
	model.SeverityLow,
	model.SeverityPraise,
	model.SeveritySpeculation,
}
