// Package truncate implements the diff-prioritization / progressive
// truncation engine: framework-aware tier exclusion, risk prioritization,
// and a 3-level progressive fit to a token budget (spec.md §4.4).
package truncate

import (
	"math"
	"strconv"

	"github.com/agensys/reviewbot/internal/model"
)

// ModelProfile is the per-model token model from spec.md §4.4.
type ModelProfile struct {
	MaxInput    int
	MaxOutput   int
	Coefficient float64 // tokens per character; default 0.25
}

// DefaultCoefficient is used when a model's profile doesn't override it.
const DefaultCoefficient = 0.25

// EstimateTokens applies the token model: ceil(length * coefficient).
func EstimateTokens(text string, coefficient float64) int {
	if coefficient <= 0 {
		coefficient = DefaultCoefficient
	}
	return int(math.Ceil(float64(len(text)) * coefficient))
}

// EffectiveBudget leaves headroom for the model's response: floor(budget*0.9).
func EffectiveBudget(budget int) int {
	return int(math.Floor(float64(budget) * 0.9))
}

// Options configures a Fit call.
type Options struct {
	Model             ModelProfile
	TokenBudget       int // raw input budget before the 0.9 headroom factor
	SystemLen         int // already-estimated token cost of the system prompt
	MetadataLen       int // already-estimated token cost of the PR metadata block
	Framework         FrameworkInfo
	ExtraExcludeGlobs []string
	SecurityCapBytes  int // default 50_000
	SecurityCapHunks  int // default 10
	HunkContextLines  int // level-2 context window, default 1
	MaxDiffBytes      int // hard ceiling on summed included-patch bytes; 0 disables the check
}

func (o *Options) fillDefaults() {
	if o.SecurityCapBytes == 0 {
		o.SecurityCapBytes = 50_000
	}
	if o.SecurityCapHunks == 0 {
		o.SecurityCapHunks = 10
	}
	if o.HunkContextLines == 0 {
		o.HunkContextLines = 1
	}
	if o.Model.Coefficient == 0 {
		o.Model.Coefficient = DefaultCoefficient
	}
}

// Fit runs the framework-aware tier filter then the 3-level progressive
// fit state machine over files, producing a TruncationResult.
func Fit(files []model.PullRequestFile, opts Options) model.TruncationResult {
	opts.fillDefaults()

	var excluded []model.ExcludedFile
	var passThrough []model.PullRequestFile
	var summaryOnly []model.PullRequestFile

	for _, f := range files {
		tier := ClassifyFile(f.Filename, opts.Framework, opts.ExtraExcludeGlobs)
		switch tier {
		case TierExcluded:
			excluded = append(excluded, model.ExcludedFile{File: f, Stats: "excluded by pattern"})
		case TierSummaryOnly:
			summaryOnly = append(summaryOnly, capSecurityFile(f, opts))
		default:
			passThrough = append(passThrough, capSecurityFile(f, opts))
		}
	}

	target := EffectiveBudget(opts.TokenBudget) - opts.SystemLen - opts.MetadataLen
	fixed := opts.SystemLen + opts.MetadataLen

	// Summary-only files are pre-reduced to a single hunk of context; treat
	// them as already at "level 2" content regardless of which level the
	// overall result settles at.
	candidates := append(append([]model.PullRequestFile{}, passThrough...), summaryOnly...)

	if res, ok := tryLevel1(candidates, excluded, target, fixed, opts); ok {
		return res
	}
	if res, ok := tryLevel2(candidates, excluded, target, fixed, opts); ok {
		return res
	}
	return tryLevel3(candidates, excluded, target, fixed, opts)
}

// capSecurityFile applies the security-file hunk cap (spec.md §4.4): files
// >= SecurityCapBytes of diff that are security-classified are capped to
// the first SecurityCapHunks hunks.
func capSecurityFile(f model.PullRequestFile, opts Options) model.PullRequestFile {
	if f.Patch == nil {
		return f
	}
	if !securityPatternRe.MatchString(f.Filename) {
		return f
	}
	if len(*f.Patch) < opts.SecurityCapBytes {
		return f
	}
	hunks := ParseHunks(*f.Patch)
	capped, didCap := CapHunks(hunks, opts.SecurityCapHunks)
	if !didCap {
		return f
	}
	rendered := Render(capped)
	f.Patch = &rendered
	return f
}

func prioritized(files []model.PullRequestFile) []model.PullRequestFile {
	p := Prioritize(ToPrioritizable(files))
	out := make([]model.PullRequestFile, len(p))
	for i, pf := range p {
		out[i] = pf.File
	}
	return out
}

// tryLevel1 walks the prioritized list admitting files while the running
// estimate fits the target. It fails ("ok=false") only when nothing at all
// from a required security file can be admitted; a result with some files
// dropped is still a success with a disclaimer.
func tryLevel1(files []model.PullRequestFile, preExcluded []model.ExcludedFile, target, fixed int, opts Options) (model.TruncationResult, bool) {
	order := prioritized(files)
	var included []model.PullRequestFile
	var excluded []model.ExcludedFile
	running := 0
	runningBytes := 0
	anySecurityAdmitted := false
	anySecurityPresent := false

	for _, f := range order {
		isSecurity := securityPatternRe.MatchString(f.Filename)
		if isSecurity {
			anySecurityPresent = true
		}
		cost := fileTokenCost(f, opts.Model.Coefficient)
		bytes := fileByteCost(f)
		if running+cost <= target && withinByteCeiling(runningBytes, bytes, opts.MaxDiffBytes) {
			included = append(included, f)
			running += cost
			runningBytes += bytes
			if isSecurity {
				anySecurityAdmitted = true
			}
		} else {
			excluded = append(excluded, model.ExcludedFile{File: f, Stats: statsFor(f)})
		}
	}

	if len(included) == 0 || (anySecurityPresent && !anySecurityAdmitted) {
		return model.TruncationResult{}, false
	}

	allExcluded := append(append([]model.ExcludedFile{}, preExcluded...), excluded...)
	disclaimer := ""
	if len(excluded) > 0 {
		disclaimer = "low-priority files excluded"
	}

	return buildResult(included, allExcluded, model.LevelDropTail, disclaimer, fixed, target+fixed, opts), true
}

// tryLevel2 reduces hunk context to N=1 around changed lines and retries.
func tryLevel2(files []model.PullRequestFile, preExcluded []model.ExcludedFile, target, fixed int, opts Options) (model.TruncationResult, bool) {
	reduced := make([]model.PullRequestFile, 0, len(files))
	for _, f := range files {
		reduced = append(reduced, reduceFileContext(f, opts.HunkContextLines))
	}

	order := prioritized(reduced)
	var included []model.PullRequestFile
	var excluded []model.ExcludedFile
	running := 0
	runningBytes := 0
	for _, f := range order {
		cost := fileTokenCost(f, opts.Model.Coefficient)
		bytes := fileByteCost(f)
		if running+cost <= target && withinByteCeiling(runningBytes, bytes, opts.MaxDiffBytes) {
			included = append(included, f)
			running += cost
			runningBytes += bytes
		} else {
			excluded = append(excluded, model.ExcludedFile{File: f, Stats: statsFor(f)})
		}
	}

	if len(included) == 0 {
		return model.TruncationResult{}, false
	}

	allExcluded := append(append([]model.ExcludedFile{}, preExcluded...), excluded...)
	return buildResult(included, allExcluded, model.LevelHunkCtx, "diff context truncated to fit budget", fixed, target+fixed, opts), true
}

// tryLevel3 drops all patches, emitting per-file +A -D stat lines only.
func tryLevel3(files []model.PullRequestFile, preExcluded []model.ExcludedFile, target, fixed int, opts Options) model.TruncationResult {
	order := prioritized(files)
	var included []model.PullRequestFile
	var excluded []model.ExcludedFile
	running := 0
	for _, f := range order {
		statOnly := f
		statOnly.Patch = nil
		cost := EstimateTokens(statsFor(f), opts.Model.Coefficient)
		if running+cost <= target {
			included = append(included, statOnly)
			running += cost
		} else {
			excluded = append(excluded, model.ExcludedFile{File: f, Stats: statsFor(f)})
		}
	}

	if len(included) == 0 && len(order) > 0 {
		return model.TruncationResult{Success: false, Level: model.LevelStatsOnly}
	}

	allExcluded := append(append([]model.ExcludedFile{}, preExcluded...), excluded...)
	return buildResult(included, allExcluded, model.LevelStatsOnly, "Summary Review: diffs omitted to fit budget", fixed, target+fixed, opts)
}

func reduceFileContext(f model.PullRequestFile, n int) model.PullRequestFile {
	if f.Patch == nil {
		return f
	}
	hunks := ParseHunks(*f.Patch)
	reduced := ReduceContext(hunks, n)
	rendered := Render(reduced)
	f.Patch = &rendered
	return f
}

func fileTokenCost(f model.PullRequestFile, coeff float64) int {
	if f.Patch == nil {
		return EstimateTokens(statsFor(f), coeff)
	}
	return EstimateTokens(*f.Patch, coeff)
}

// fileByteCost is the raw patch size counted against MaxDiffBytes; a file
// with no patch contributes nothing since it already carries no diff bytes.
func fileByteCost(f model.PullRequestFile) int {
	if f.Patch == nil {
		return 0
	}
	return len(*f.Patch)
}

// withinByteCeiling reports whether admitting an additional file of size
// bytes keeps the running total at or under ceiling. ceiling <= 0 means no
// ceiling is configured.
func withinByteCeiling(running, bytes, ceiling int) bool {
	if ceiling <= 0 {
		return true
	}
	return running+bytes <= ceiling
}

func statsFor(f model.PullRequestFile) string {
	if f.Patch == nil {
		return "diff unavailable"
	}
	return "+" + strconv.Itoa(f.Additions) + " -" + strconv.Itoa(f.Deletions)
}

func buildResult(included []model.PullRequestFile, excluded []model.ExcludedFile, level model.TruncationLevel, disclaimer string, fixed, fullBudget int, opts Options) model.TruncationResult {
	totalBytes := 0
	diffTokens := 0
	for _, f := range included {
		if f.Patch != nil {
			totalBytes += len(*f.Patch)
			diffTokens += EstimateTokens(*f.Patch, opts.Model.Coefficient)
		} else {
			diffTokens += EstimateTokens(statsFor(f), opts.Model.Coefficient)
		}
	}

	total := opts.SystemLen + opts.MetadataLen + diffTokens
	return model.TruncationResult{
		Included:   included,
		Excluded:   excluded,
		TotalBytes: totalBytes,
		Level:      level,
		Disclaimer: disclaimer,
		TokenEstimate: model.TokenEstimate{
			Persona:  0,
			Template: opts.SystemLen,
			Metadata: opts.MetadataLen,
			Diffs:    diffTokens,
			Total:    total,
		},
		Success: true,
	}
}
