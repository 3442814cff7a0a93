// Package pipeline implements the review orchestrator described in
// spec.md §4.10: global preflight, PR resolution, and the sixteen-step
// per-item review flow, wiring together every other collaborator package.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agensys/reviewbot/internal/contextstore"
	"github.com/agensys/reviewbot/internal/ecosystem"
	"github.com/agensys/reviewbot/internal/findings"
	"github.com/agensys/reviewbot/internal/hostclient"
	"github.com/agensys/reviewbot/internal/llmclient"
	"github.com/agensys/reviewbot/internal/metrics"
	"github.com/agensys/reviewbot/internal/model"
	"github.com/agensys/reviewbot/internal/pass1cache"
	"github.com/agensys/reviewbot/internal/recoverysource"
	"github.com/agensys/reviewbot/internal/sanitizer"
	"github.com/agensys/reviewbot/internal/template"
	"github.com/agensys/reviewbot/internal/truncate"
)

// Skip reasons, verbatim per spec.md §4.10.
const (
	SkipRuntimeLimit           = "runtime_limit"
	SkipAlreadyReviewed        = "already_reviewed"
	SkipClaimFailed            = "claim_failed"
	SkipAllFilesExcluded       = "all_files_excluded"
	SkipCannotTruncate         = "cannot_truncate"
	SkipInvalidLLMResponse     = "invalid_llm_response"
	SkipAlreadyReviewedRecheck = "already_reviewed_recheck"
	SkipRecheckFailed          = "recheck_failed"
	SkipRepoInaccessible       = "repo_inaccessible"
)

// QuotaThreshold is the global preflight's minimum remaining-quota gate.
const QuotaThreshold = 100

// boundedEcosystemCap is the small, bounded number of ecosystem patterns
// embedded in an enrichment prompt.
const boundedEcosystemCap = 5

// SanitizerBlockedError is returned when strict sanitizer mode rejects
// unsafe content instead of posting a redacted body.
type SanitizerBlockedError struct {
	Categories []string
}

func (e *SanitizerBlockedError) Error() string {
	return "E_SANITIZER_BLOCKED: " + strings.Join(e.Categories, ",")
}

// Pipeline wires every collaborator package into the orchestrator.
type Pipeline struct {
	Host           hostclient.Client
	LLM            llmclient.Client
	Sanitizer      sanitizer.Sanitizer
	ContextStore   contextstore.Store
	Cache          *pass1cache.Cache
	Metrics        *metrics.Registry
	Config         model.Config
	Persona        model.Persona
	Framework      truncate.FrameworkInfo // fallback when RecoverySource is nil or fails
	RecoverySource recoverysource.Source  // obtains the reviewed repo's tree for per-item framework detection
	Log            zerolog.Logger
	Now            func() time.Time
}

// New constructs a Pipeline with a real wall clock.
func New(host hostclient.Client, llm llmclient.Client, san sanitizer.Sanitizer, cs contextstore.Store, cache *pass1cache.Cache, reg *metrics.Registry, cfg model.Config, persona model.Persona, fw truncate.FrameworkInfo, rs recoverysource.Source, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Host:           host,
		LLM:            llm,
		Sanitizer:      san,
		ContextStore:   cs,
		Cache:          cache,
		Metrics:        reg,
		Config:         cfg,
		Persona:        persona,
		Framework:      fw,
		RecoverySource: rs,
		Log:            log,
		Now:            time.Now,
	}
}

// detectFramework resolves framework-marker info against the reviewed
// repo's own tree (spec.md §4.4/§4.10 step 6), consulting the recovery
// source cascade for a local checkout. It falls back to the pipeline's
// default FrameworkInfo when no recovery source is configured or the
// cascade can't produce a checkout.
func (p *Pipeline) detectFramework(ctx context.Context, owner, repo string, pr model.PullRequest) truncate.FrameworkInfo {
	if p.RecoverySource == nil {
		return p.Framework
	}
	root, err := p.RecoverySource.Prepare(ctx, owner, repo, pr.CloneURL, pr.HeadSHA)
	if err != nil {
		p.Log.Warn().Err(err).Str("owner", owner).Str("repo", repo).Int("pr", pr.Number).
			Msg("recovery source unavailable; falling back to default framework info")
		return p.Framework
	}
	return truncate.DetectFramework(root, "")
}

// Run executes one orchestrator pass and returns its summary.
func (p *Pipeline) Run(ctx context.Context, runID string) model.RunSummary {
	start := p.Now()
	summary := model.RunSummary{RunID: runID, StartTime: start.UTC().Format(time.RFC3339Nano)}

	remaining, err := p.Host.QuotaRemaining(ctx)
	if err != nil {
		p.Log.Error().Err(err).Msg("quota probe failed; aborting run")
		summary.EndTime = p.Now().UTC().Format(time.RFC3339Nano)
		return summary
	}
	if remaining < QuotaThreshold {
		p.Log.Warn().Int("remaining", remaining).Msg("quota below threshold; skipping run")
		summary.EndTime = p.Now().UTC().Format(time.RFC3339Nano)
		return summary
	}

	for _, repo := range p.Config.Repos {
		accessible, accErr := p.Host.RepoAccessible(ctx, repo.Owner, repo.Repo)
		if accErr != nil || !accessible {
			result := skip(model.ReviewResult{Item: model.ReviewItem{Owner: repo.Owner, Repo: repo.Repo}}, SkipRepoInaccessible)
			summary.Results = append(summary.Results, result)
			summary.Skipped++
			continue
		}

		prs, listErr := p.Host.ListOpenPRs(ctx, repo.Owner, repo.Repo, p.Config.MaxPRs)
		if listErr != nil {
			p.Log.Error().Err(listErr).Str("owner", repo.Owner).Str("repo", repo.Repo).Msg("list open PRs failed")
			result := fail(model.ReviewResult{Item: model.ReviewItem{Owner: repo.Owner, Repo: repo.Repo}}, listErr)
			summary.Results = append(summary.Results, result)
			summary.Errors++
			continue
		}

		for _, pr := range prs {
			if p.Config.TargetPR != 0 && pr.Number != p.Config.TargetPR {
				continue
			}
			result := p.reviewOne(ctx, start, repo.Owner, repo.Repo, pr)
			summary.Results = append(summary.Results, result)
			switch {
			case result.Error != "":
				summary.Errors++
				if p.Metrics != nil {
					p.Metrics.IncOutcome("error")
				}
			case result.Skipped:
				summary.Skipped++
				if p.Metrics != nil {
					p.Metrics.IncOutcome("skipped")
				}
			default:
				summary.Reviewed++
				if p.Metrics != nil {
					p.Metrics.IncOutcome("posted")
				}
			}
		}
	}

	summary.EndTime = p.Now().UTC().Format(time.RFC3339Nano)
	return summary
}

// reviewOne fetches a PR's files and runs the full per-item pipeline.
func (p *Pipeline) reviewOne(ctx context.Context, runStart time.Time, owner, repo string, pr model.PullRequest) model.ReviewResult {
	files, err := p.Host.ListFiles(ctx, owner, repo, pr.Number, p.Config.MaxFilesPerPR)
	if err != nil {
		return fail(model.ReviewResult{Item: model.ReviewItem{Owner: owner, Repo: repo, PR: pr.Number}}, err)
	}
	item := model.NewReviewItem(owner, repo, pr.Number, pr.HeadSHA, files)
	return p.reviewItem(ctx, runStart, owner, repo, pr, item)
}

// reviewItem runs the sixteen-step per-item flow from spec.md §4.10.
func (p *Pipeline) reviewItem(ctx context.Context, runStart time.Time, owner, repo string, pr model.PullRequest, item model.ReviewItem) model.ReviewResult {
	result := model.ReviewResult{Item: item}

	// 1. Runtime budget.
	if p.Config.MaxRuntimeMinutes > 0 && p.Now().Sub(runStart) > time.Duration(p.Config.MaxRuntimeMinutes)*time.Minute {
		return skip(result, SkipRuntimeLimit)
	}

	// 2. Hash-change check.
	if lastHash, ok := p.ContextStore.GetLastHash(owner, repo, pr.Number); ok && lastHash == item.Hash {
		return skip(result, SkipAlreadyReviewed)
	}

	// 3. Claim.
	claimed, err := p.ContextStore.ClaimReview(owner, repo, pr.Number, item.Hash)
	if err != nil {
		return fail(result, err)
	}
	if !claimed {
		return skip(result, SkipClaimFailed)
	}

	// 4. Initial existing-review check.
	exists, err := p.Host.ExistingReview(ctx, owner, repo, pr.Number, pr.HeadSHA, p.Config.ReviewMarker)
	if err != nil {
		return fail(result, err)
	}
	if exists {
		return skip(result, SkipAlreadyReviewed)
	}

	// 5. Incremental diff mode.
	files := item.Files
	incremental := false
	if lastSha, ok := p.ContextStore.GetLastReviewedSha(owner, repo, pr.Number); ok && !p.Config.ForceFullReview {
		delta, deltaErr := p.Host.CompareCommits(ctx, owner, repo, lastSha, pr.HeadSHA)
		if deltaErr == nil {
			files = delta
			incremental = true
		}
		// On error fetching the delta, fall back to the full file set.
	}

	// 6. Framework detection + tier filter. Detection runs against the
	// reviewed repo's own tree, not the bot's, so a recovery source is
	// consulted per item rather than reusing one process-wide FrameworkInfo.
	framework := p.detectFramework(ctx, owner, repo, pr)
	if len(files) == 0 || allExcluded(files, framework, p.Config.ExcludePatterns) {
		return skip(result, SkipAllFilesExcluded)
	}

	// 7. Truncation.
	metadata := template.RenderMetadata(pr, owner, repo, incremental)
	fileList := template.FileNames(files)
	probe := template.BuildSinglePass(p.Persona, metadata, fileList, "", "")
	fitOpts := truncate.Options{
		Model:             truncate.ModelProfile{MaxInput: p.Config.MaxInputTokens, MaxOutput: p.Config.MaxOutputTokens, Coefficient: truncate.DefaultCoefficient},
		TokenBudget:       p.Config.MaxInputTokens,
		SystemLen:         truncate.EstimateTokens(probe.System, truncate.DefaultCoefficient),
		MetadataLen:       truncate.EstimateTokens(probe.User, truncate.DefaultCoefficient),
		Framework:         framework,
		ExtraExcludeGlobs: p.Config.ExcludePatterns,
		MaxDiffBytes:      p.Config.MaxDiffBytes,
	}
	fit := truncate.Fit(files, fitOpts)
	if !fit.Success {
		return skip(result, SkipCannotTruncate)
	}

	// 8. LLM path.
	diffsText := template.RenderDiffs(fit.Included)
	includedNames := template.FileNames(fit.Included)

	var body string
	var pass1Tokens, pass2Tokens *int
	var pass1Output *string
	var pass1CacheHit *bool
	var confStats *model.ConfidenceStats
	var pass1Block model.FindingsBlock
	inputTokens, outputTokens := 0, 0

	if p.Config.ReviewMode == model.ReviewModeTwoPass {
		p1, singleErr := p.runTwoPass(ctx, pr, metadata, diffsText, fit)
		if singleErr != nil {
			return fail(result, singleErr)
		}
		inputTokens += p1.inputTokens
		outputTokens += p1.outputTokens
		pass1Block = p1.block
		pass1Output = &p1.raw
		pass1Tokens = &p1.tokens
		pass1CacheHit = &p1.cacheHit
		confStats = confidenceStats(p1.block)

		p2 := p.assembleEnrichedOrFallback(ctx, pr, owner, repo, metadata, includedNames, p1.raw, p1.block)
		body = p2.body
		inputTokens += p2.inputTokens
		outputTokens += p2.outputTokens
		if p2.tokens > 0 {
			pass2Tokens = &p2.tokens
		}
	} else {
		prompt := template.BuildSinglePass(p.Persona, metadata, includedNames, diffsText, fit.Disclaimer)
		resp, llmErr := p.LLM.Complete(ctx, p.Config.Model, p.Config.MaxOutputTokens, prompt)
		if llmErr != nil {
			return fail(result, llmErr)
		}
		body = resp.Text
		inputTokens, outputTokens = resp.InputTokens, resp.OutputTokens
	}

	result.InputTokens = inputTokens
	result.OutputTokens = outputTokens
	result.Pass1Tokens = pass1Tokens
	result.Pass2Tokens = pass2Tokens
	result.Pass1Output = pass1Output
	result.Pass1CacheHit = pass1CacheHit
	result.Pass1ConfidenceStats = confStats
	result.PersonaID = p.Persona.ID
	result.PersonaHash = p.Persona.Hash

	// 9. Validate.
	if err := validateBody(body); err != nil {
		return skip(result, SkipInvalidLLMResponse)
	}

	// 10. Sanitize.
	san := p.Sanitizer.Sanitize(body)
	finalBody := body
	if !san.Safe {
		if p.Config.SanitizerMode == model.SanitizerModeStrict {
			return fail(result, &SanitizerBlockedError{Categories: san.RedactedPatterns})
		}
		p.Log.Warn().Strs("categories", san.RedactedPatterns).Int("pr", pr.Number).Msg("posting sanitized content")
		finalBody = san.SanitizedContent
	}

	// 11. Re-check.
	var exists2 bool
	var recheckErr error
	for attempt := 0; attempt < 2; attempt++ {
		exists2, recheckErr = p.Host.ExistingReview(ctx, owner, repo, pr.Number, pr.HeadSHA, p.Config.ReviewMarker)
		if recheckErr == nil {
			break
		}
	}
	if recheckErr != nil {
		return skip(result, SkipRecheckFailed)
	}
	if exists2 {
		return skip(result, SkipAlreadyReviewedRecheck)
	}

	// 12. Classify verdict.
	event := "COMMENT"
	if strings.Contains(strings.ToLower(finalBody), "critical") || hasCriticalFinding(pass1Block) {
		event = "REQUEST_CHANGES"
	}

	// 13. Post.
	if p.Config.DryRun {
		result.Posted = false
		result.Skipped = false
	} else {
		postErr := p.Host.PostReview(ctx, p.Config.ReviewMarker, hostclient.PostParams{
			Owner:    owner,
			Repo:     repo,
			PRNumber: pr.Number,
			HeadSHA:  pr.HeadSHA,
			Body:     finalBody,
			Event:    event,
		})
		if postErr != nil {
			return fail(result, postErr)
		}
		result.Posted = true
	}

	// 14. Finalize, fixed ordering.
	if err := contextstore.Finalize(p.ContextStore, owner, repo, pr.Number, item.Hash, pr.HeadSHA); err != nil {
		p.Log.Error().Err(err).Int("pr", pr.Number).Msg("finalize failed after successful post")
	}

	// 15. Ecosystem update, never blocking.
	if p.Config.EcosystemContextPath != "" && len(pass1Block.Findings) > 0 {
		prNum := pr.Number
		patterns := ecosystem.ExtractPatterns(pass1Block.Findings, repo, &prNum)
		if err := ecosystem.Update(p.Config.EcosystemContextPath, patterns, p.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			p.Log.Warn().Err(err).Msg("ecosystem update failed")
		}
	}

	// 16. Calibration log.
	if p.Metrics != nil {
		if pass1Tokens != nil {
			obs := metrics.CalibrationObservationFor("pass1", *pass1Tokens, fit.TokenEstimate.Total, p.Config.Model)
			p.Metrics.ObserveCalibration(obs)
		}
		if pass2Tokens != nil {
			obs := metrics.CalibrationObservationFor("pass2", *pass2Tokens, fit.TokenEstimate.Metadata, p.Config.Model)
			p.Metrics.ObserveCalibration(obs)
		}
		if pass1Tokens == nil && pass2Tokens == nil && result.InputTokens > 0 {
			obs := metrics.CalibrationObservationFor("single_pass", result.InputTokens, fit.TokenEstimate.Total, p.Config.Model)
			p.Metrics.ObserveCalibration(obs)
		}
	}

	return result
}

// pass1Result carries a convergence call's (or cache hit's) findings plus
// the token accounting the caller folds into the item's totals.
type pass1Result struct {
	block        model.FindingsBlock
	raw          string
	tokens       int
	cacheHit     bool
	inputTokens  int
	outputTokens int
}

// runTwoPass performs the Pass-1 cache lookup or convergence call.
func (p *Pipeline) runTwoPass(ctx context.Context, pr model.PullRequest, metadata, diffsText string, fit model.TruncationResult) (pass1Result, error) {
	convPrompt := template.BuildConvergence(metadata, diffsText, fit.Disclaimer)
	promptHash := template.PromptHash(convPrompt)
	cacheKey := template.CacheKey(pr.HeadSHA, fit.Level, promptHash)

	if p.Config.Pass1CacheEnabled && p.Cache != nil {
		if entry, ok := p.Cache.Get(cacheKey); ok {
			return pass1Result{block: entry.ParsedFindings, raw: entry.RawFindings, tokens: entry.Tokens, cacheHit: true}, nil
		}
	}

	resp, err := p.LLM.Complete(ctx, p.Config.Model, p.Config.MaxOutputTokens, convPrompt)
	if err != nil {
		return pass1Result{}, err
	}

	raw, extractErr := findings.Extract(resp.Text)
	if extractErr != nil {
		return pass1Result{}, fmt.Errorf("pipeline: pass-1 findings block missing: %w", extractErr)
	}
	block, parseErr := findings.ParseJSON(raw)
	if parseErr != nil {
		return pass1Result{}, fmt.Errorf("pipeline: pass-1 findings invalid: %w", parseErr)
	}

	serialized, _ := findings.Serialize(block)
	if p.Config.Pass1CacheEnabled && p.Cache != nil {
		p.Cache.Set(cacheKey, model.CacheEntry{
			RawFindings:    serialized,
			ParsedFindings: block,
			Tokens:         resp.InputTokens,
			Timestamp:      p.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	return pass1Result{
		block:        block,
		raw:          serialized,
		tokens:       resp.InputTokens,
		cacheHit:     false,
		inputTokens:  resp.InputTokens,
		outputTokens: resp.OutputTokens,
	}, nil
}

// pass2Result carries the enrichment call's body plus its token accounting.
type pass2Result struct {
	body         string
	tokens       int
	inputTokens  int
	outputTokens int
}

// assembleEnrichedOrFallback runs the Pass-2 enrichment call and applies
// the preservation guard, falling back to an unenriched assembly of the
// Pass-1 findings on any failure.
func (p *Pipeline) assembleEnrichedOrFallback(ctx context.Context, pr model.PullRequest, owner, repo, metadata string, fileList []string, pass1Raw string, pass1Block model.FindingsBlock) pass2Result {
	condensed := template.RenderCondensedMetadata(pr, owner, repo)

	var ecoPatterns []model.EcosystemPattern
	if p.Config.EcosystemContextPath != "" {
		if ctx2, err := ecosystem.Load(p.Config.EcosystemContextPath); err == nil {
			ecoPatterns = boundedEcosystem(ctx2.Patterns, repo)
		}
	}

	prompt := template.BuildEnrichment(p.Persona, condensed, fileList, pass1Raw, ecoPatterns)
	resp, err := p.LLM.Complete(ctx, p.Config.Model, p.Config.MaxOutputTokens, prompt)
	if err != nil {
		return pass2Result{body: assembleUnenriched(metadata, pass1Raw)}
	}
	r := pass2Result{inputTokens: resp.InputTokens, outputTokens: resp.OutputTokens, tokens: resp.InputTokens}

	if !hasRequiredHeadings(resp.Text) || !strings.Contains(resp.Text, findings.StartMarker) {
		r.body = assembleUnenriched(metadata, pass1Raw)
		return r
	}
	pass2Raw, err := findings.Extract(resp.Text)
	if err != nil {
		r.body = assembleUnenriched(metadata, pass1Raw)
		return r
	}
	pass2Block, err := findings.ParseJSON(pass2Raw)
	if err != nil || !preservationHolds(pass1Block, pass2Block) {
		r.body = assembleUnenriched(metadata, pass1Raw)
		return r
	}
	r.body = resp.Text
	return r
}

func assembleUnenriched(metadata, pass1FindingsBlock string) string {
	var sb strings.Builder
	sb.WriteString(metadata)
	sb.WriteString("\n\n## Summary\n_Enrichment unavailable._ Posting Pass-1 findings verbatim.\n\n## Findings\n")
	sb.WriteString(pass1FindingsBlock)
	sb.WriteString("\n\n## Callouts\nEnrichment unavailable.\n")
	return sb.String()
}

// preservationHolds checks the Pass-2 preservation guard from spec.md
// §4.10 step 8: same multiset of ids, same severity and category per id,
// no additions or removals. Enrichment-only fields and confidence may
// differ freely.
func preservationHolds(p1, p2 model.FindingsBlock) bool {
	if len(p1.Findings) != len(p2.Findings) {
		return false
	}
	type key struct{ severity, category string }
	want := make(map[string]key, len(p1.Findings))
	for _, f := range p1.Findings {
		want[f.ID] = key{f.Severity, f.Category}
	}
	seen := make(map[string]bool, len(p2.Findings))
	for _, f := range p2.Findings {
		k, ok := want[f.ID]
		if !ok || k.severity != f.Severity || k.category != f.Category {
			return false
		}
		seen[f.ID] = true
	}
	return len(seen) == len(want)
}

func hasCriticalFinding(block model.FindingsBlock) bool {
	for _, f := range block.Findings {
		if model.Severity(f.Severity) == model.SeverityCritical {
			return true
		}
	}
	return false
}

func confidenceStats(block model.FindingsBlock) *model.ConfidenceStats {
	var vals []float64
	for _, f := range block.Findings {
		if f.Confidence != nil {
			vals = append(vals, *f.Confidence)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	min, max, sum := vals[0], vals[0], 0.0
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return &model.ConfidenceStats{Min: min, Max: max, Mean: sum / float64(len(vals)), Count: len(vals)}
}

func boundedEcosystem(patterns []model.EcosystemPattern, repo string) []model.EcosystemPattern {
	var out []model.EcosystemPattern
	for _, p := range patterns {
		if p.Repo != repo {
			continue
		}
		out = append(out, p)
		if len(out) >= boundedEcosystemCap {
			break
		}
	}
	return out
}

func allExcluded(files []model.PullRequestFile, fw truncate.FrameworkInfo, extraExcludeGlobs []string) bool {
	for _, f := range files {
		if truncate.ClassifyFile(f.Filename, fw, extraExcludeGlobs) != truncate.TierExcluded {
			return false
		}
	}
	return true
}

var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i cannot assist with that`),
	regexp.MustCompile(`(?i)i'm sorry,? but i can(?:not|'t)`),
	regexp.MustCompile(`(?i)as an ai language model`),
}

var requiredHeadings = []string{"## Summary", "## Findings", "## Callouts"}

// hasRequiredHeadings reports whether text contains the three required
// headings in order.
func hasRequiredHeadings(text string) bool {
	last := -1
	for _, h := range requiredHeadings {
		idx := strings.Index(text, h)
		if idx < 0 || idx < last {
			return false
		}
		last = idx
	}
	return true
}

func validateBody(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("pipeline: empty response")
	}
	for _, re := range refusalPatterns {
		if re.MatchString(text) {
			return fmt.Errorf("pipeline: refusal pattern matched")
		}
	}
	if !hasRequiredHeadings(text) {
		return fmt.Errorf("pipeline: missing required headings")
	}
	return nil
}

func skip(result model.ReviewResult, reason string) model.ReviewResult {
	result.Skipped = true
	result.SkipReason = reason
	return result
}

func fail(result model.ReviewResult, err error) model.ReviewResult {
	result.Error = err.Error()
	return result
}
