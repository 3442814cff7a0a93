package truncate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
)

// FrameworkInfo is the result of detectFramework.
type FrameworkInfo struct {
	On      bool
	Version string
	Source  string // path the marker was read from, or "none"
}

// DefaultMarkerFile is the framework marker file name; spec.md's own
// worked example (§8 scenario 5) names .loa-version.json, so that is the
// default. Callers may override via configOverride.
const DefaultMarkerFile = ".loa-version.json"

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+`)

type markerDoc struct {
	FrameworkVersion string `json:"framework_version"`
}

// DetectFramework reads the marker file under repoRoot (or configOverride,
// if non-empty, as an absolute/relative override path) and reports whether
// the repo is framework-managed.
func DetectFramework(repoRoot string, configOverride string) FrameworkInfo {
	markerPath := configOverride
	if markerPath == "" {
		markerPath = filepath.Join(repoRoot, DefaultMarkerFile)
	}

	data, err := os.ReadFile(markerPath)
	if err != nil {
		return FrameworkInfo{On: false, Source: "none"}
	}

	var doc markerDoc
	if err := json.Unmarshal(data, &doc); err != nil || !semverRe.MatchString(doc.FrameworkVersion) {
		return FrameworkInfo{On: false, Source: "none"}
	}

	return FrameworkInfo{On: true, Version: doc.FrameworkVersion, Source: markerPath}
}

// SystemZones are framework-owned directory prefixes; every entry here has a
// matching glob in FrameworkExcludeGlobs, kept in lockstep per spec.md §4.4.
var SystemZones = []string{
	"grimoires/",
	".loa/",
}

// FrameworkExcludeGlobs mirrors SystemZones as glob patterns plus the
// always-tier2 extension/path rules.
var FrameworkExcludeGlobs = []string{
	"grimoires/**",
	".loa/**",
}

// tier2ExtraGlobs are file shapes that are always tier2 (one-hunk summary)
// once framework-awareness is on, independent of system-zone membership.
var tier2ExtraGlobs = []string{
	"*.sh",
	"*.ts",
	"*.json",
	"infra/**",
	".github/**",
}

// workflowGlob carves .github/workflows/** back out of the non-workflow
// ".github/**" tier2 rule (workflow files are handled as ordinary files).
var workflowGlob = ".github/workflows/**"

// highRiskSecurityRe flags auth/crypto/CI/CD/IaC/lockfile/policy files by path.
var highRiskSecurityRe = regexp.MustCompile(`(?i)(auth|crypto|secret|credential|\.github/workflows/|infra/|terraform|\.tf$|policy|lockfile|package-lock\.json$|go\.sum$|Gemfile\.lock$)`)

// Tier is a framework-aware file classification.
type Tier int

const (
	TierException Tier = iota // never excluded/demoted: high-risk outside system zones
	TierPassThrough
	TierSummaryOnly // tier2: one-hunk summary
	TierExcluded    // tier1: fully excluded
)

// ClassifyFile applies the framework-awareness rules from spec.md §4.4.
func ClassifyFile(name string, fw FrameworkInfo, extraExcludeGlobs []string) Tier {
	if !fw.On {
		if MatchAny(extraExcludeGlobs, name) {
			return TierExcluded
		}
		return TierPassThrough
	}

	inSystemZone := MatchAny(FrameworkExcludeGlobs, name)
	highRisk := highRiskSecurityRe.MatchString(name)

	if highRisk && !inSystemZone {
		return TierException
	}

	if inSystemZone {
		if workflowFile(name) {
			return TierPassThrough
		}
		ext := filepath.Ext(name)
		if ext == ".md" || !knownExt(ext) {
			return TierExcluded // tier1: framework docs / unknown extension
		}
		return TierSummaryOnly
	}

	if MatchAny(tier2ExtraGlobs, name) && !workflowFile(name) {
		return TierSummaryOnly
	}

	if MatchAny(extraExcludeGlobs, name) {
		return TierExcluded
	}

	return TierPassThrough
}

func workflowFile(name string) bool {
	return MatchGlob(workflowGlob, name)
}

var knownExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".tsx": true,
	".java": true, ".rb": true, ".php": true, ".cs": true, ".c": true,
	".cpp": true, ".cc": true, ".h": true, ".hpp": true, ".rs": true,
	".yaml": true, ".yml": true, ".toml": true, ".sh": true, ".ts": true,
	".json": true,
}

func knownExt(ext string) bool {
	return knownExts[ext]
}
