package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// Fixed match confidences per candidate class. Fuzzy matches scale with name
// similarity and stay strictly below the phone class.
const (
	confidenceFingerprint = 1.0
	confidenceEmail       = 1.0
	confidencePhone       = 0.9
	fuzzyWeight           = 0.7
)

// DedupEngineOptions groups dependencies for DedupEngine.
type DedupEngineOptions struct {
	Repo core.DedupRepository // Required: dedup data operations

	// AutoMergeThreshold is the confidence at or above which a match merges
	// without review. Zero falls back to the default.
	AutoMergeThreshold float64

	// NameSimilarityMin is the minimum Levenshtein similarity for a fuzzy
	// name match to count at all. Zero falls back to the default.
	NameSimilarityMin float64

	// MergePolicy decides which side wins when both records fill a field.
	MergePolicy model.MergeFieldPolicy

	// CandidateLimit caps candidates fetched per identity class; zero uses
	// the repository defaults.
	CandidateLimit int

	Logger *slog.Logger // Optional: structured logger
}

// DedupEngine detects and merges duplicate candidate records. Matching runs
// in strict priority order: exact fingerprint, exact normalized email, exact
// normalized phone, then fuzzy name within the same company. Each class's
// confidence ceiling is below the previous one's floor, so the first class
// with a hit wins outright.
//
// Merges are non-destructive: the duplicate row survives parked behind a
// duplicateOf pointer, and re-checking an already merged pair converges on
// the same canonical record.
type DedupEngine struct {
	repo               core.DedupRepository
	autoMergeThreshold float64
	nameSimilarityMin  float64
	mergePolicy        model.MergeFieldPolicy
	candidateLimit     int
	logger             *slog.Logger
}

// NewDedupEngine constructs a new DedupEngine.
func NewDedupEngine(opts DedupEngineOptions) (*DedupEngine, error) {
	if opts.Repo == nil {
		return nil, errors.New("DedupRepository is required")
	}

	threshold := opts.AutoMergeThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	similarityMin := opts.NameSimilarityMin
	if similarityMin <= 0 || similarityMin > 1 {
		similarityMin = 0.82
	}
	policy := opts.MergePolicy
	if !policy.Valid() {
		policy = model.MergeFillEmpty
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dedup_engine")
	}

	return &DedupEngine{
		repo:               opts.Repo,
		autoMergeThreshold: threshold,
		nameSimilarityMin:  similarityMin,
		mergePolicy:        policy,
		candidateLimit:     opts.CandidateLimit,
		logger:             logger,
	}, nil
}

// matchCandidate is one scored duplicate candidate.
type matchCandidate struct {
	record        *model.CVRecord
	confidence    float64
	matchedFields []string
}

// CanonicalFor returns the canonical record holding the fingerprint, nil when
// none exists. Ingestion uses it to reconcile inserts rejected by the
// canonical fingerprint index: the new row is inserted pre-parked behind the
// canonical and the merge completes through Check.
func (e *DedupEngine) CanonicalFor(ctx context.Context, fingerprint string) (*model.CVRecord, error) {
	canonical, err := e.repo.FindCanonicalByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find canonical by fingerprint: %w", err)
	}
	return canonical, nil
}

// Check runs one dedup pass over an inserted record: find the best duplicate
// candidate, merge at or above the auto-merge threshold, flag below it, and
// stamp the record checked either way. The whole pass holds the record's
// fingerprint lock so concurrent writers of the same person converge on one
// canonical row.
func (e *DedupEngine) Check(ctx context.Context, rec *model.CVRecord) (*model.MergeOutcome, error) {
	if rec.Fingerprint == nil {
		// Nothing to match on; stamp the pass and move on.
		if err := e.repo.MarkDedupChecked(ctx, core.MarkDedupParams{ID: rec.ID}); err != nil {
			return nil, fmt.Errorf("mark dedup checked: %w", err)
		}
		return &model.MergeOutcome{CanonicalID: rec.ID}, nil
	}

	var outcome *model.MergeOutcome
	err := e.repo.WithFingerprintLock(ctx, *rec.Fingerprint, func(ctx context.Context) error {
		out, err := e.checkLocked(ctx, rec)
		outcome = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	return outcome, nil
}

func (e *DedupEngine) checkLocked(ctx context.Context, rec *model.CVRecord) (*model.MergeOutcome, error) {
	canonical, err := e.repo.FindCanonicalByFingerprint(ctx, *rec.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find canonical by fingerprint: %w", err)
	}
	if canonical != nil && canonical.ID != rec.ID {
		return e.merge(ctx, canonical, rec, matchCandidate{
			confidence:    confidenceFingerprint,
			matchedFields: identityFields(rec),
		})
	}

	best, err := e.bestCandidate(ctx, rec)
	if err != nil {
		return nil, err
	}
	if best == nil {
		if err := e.repo.MarkDedupChecked(ctx, core.MarkDedupParams{ID: rec.ID}); err != nil {
			return nil, fmt.Errorf("mark dedup checked: %w", err)
		}
		return &model.MergeOutcome{CanonicalID: rec.ID}, nil
	}

	if best.confidence >= e.autoMergeThreshold {
		return e.merge(ctx, best.record, rec, *best)
	}

	conf := best.confidence
	if err := e.repo.MarkDedupChecked(ctx, core.MarkDedupParams{
		ID:            rec.ID,
		Confidence:    &conf,
		MatchedFields: best.matchedFields,
	}); err != nil {
		return nil, fmt.Errorf("mark dedup flagged: %w", err)
	}
	if e.logger != nil {
		e.logger.InfoContext(ctx, "possible duplicate flagged for review",
			"record_id", rec.ID,
			"candidate_id", best.record.ID,
			"confidence", best.confidence,
			"matched_fields", best.matchedFields,
		)
	}
	return &model.MergeOutcome{
		CanonicalID:   best.record.ID,
		DuplicateID:   rec.ID,
		Confidence:    best.confidence,
		MatchedFields: best.matchedFields,
		Flagged:       true,
	}, nil
}

// bestCandidate walks the identity classes in priority order and returns the
// first class's best hit. Higher classes outscore every lower class, so there
// is no need to keep searching once one hits.
func (e *DedupEngine) bestCandidate(ctx context.Context, rec *model.CVRecord) (*matchCandidate, error) {
	if rec.NormalizedEmail != "" {
		hits, err := e.repo.FindCandidatesByEmail(ctx, rec.NormalizedEmail, rec.ID, e.candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("find candidates by email: %w", err)
		}
		if len(hits) > 0 {
			return &matchCandidate{
				record:        &hits[0],
				confidence:    confidenceEmail,
				matchedFields: []string{"email"},
			}, nil
		}
	}

	if rec.NormalizedPhone != "" {
		hits, err := e.repo.FindCandidatesByPhone(ctx, rec.NormalizedPhone, rec.ID, e.candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("find candidates by phone: %w", err)
		}
		if len(hits) > 0 {
			return &matchCandidate{
				record:        &hits[0],
				confidence:    confidencePhone,
				matchedFields: []string{"phone"},
			}, nil
		}
	}

	if rec.NormalizedName != "" && rec.CurrentCompany != "" {
		hits, err := e.repo.FindCandidatesByCompany(ctx, rec.CurrentCompany, rec.ID, e.candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("find candidates by company: %w", err)
		}
		var best *matchCandidate
		for i := range hits {
			sim := nameSimilarity(rec.NormalizedName, hits[i].NormalizedName)
			if sim < e.nameSimilarityMin {
				continue
			}
			conf := fuzzyConfidence(sim)
			if best == nil || conf > best.confidence {
				best = &matchCandidate{
					record:        &hits[i],
					confidence:    conf,
					matchedFields: []string{"name", "company"},
				}
			}
		}
		return best, nil
	}

	return nil, nil
}

// merge persists incoming as a duplicate of canonical, after swapping roles
// when the incoming row is the older of the two.
func (e *DedupEngine) merge(
	ctx context.Context,
	canonical, incoming *model.CVRecord,
	match matchCandidate,
) (*model.MergeOutcome, error) {
	if incoming.CreatedAt.Before(canonical.CreatedAt) {
		canonical, incoming = incoming, canonical
	}

	merged := mergeRecords(canonical, incoming, e.mergePolicy)
	if err := e.repo.ApplyMerge(ctx, core.ApplyMergeParams{
		Canonical:     merged,
		DuplicateID:   incoming.ID,
		Confidence:    match.confidence,
		MatchedFields: match.matchedFields,
	}); err != nil {
		return nil, fmt.Errorf("apply merge: %w", err)
	}

	if e.logger != nil {
		e.logger.InfoContext(ctx, "duplicate records merged",
			"canonical_id", merged.ID,
			"duplicate_id", incoming.ID,
			"confidence", match.confidence,
			"matched_fields", match.matchedFields,
		)
	}
	return &model.MergeOutcome{
		CanonicalID:   merged.ID,
		DuplicateID:   incoming.ID,
		Confidence:    match.confidence,
		MatchedFields: match.matchedFields,
		Merged:        true,
	}, nil
}

// mergeRecords builds the canonical record's post-merge field values without
// mutating either input. Scalar conflicts follow the merge policy; keywords
// and additional sources always set-union; the scrape timestamp advances to
// the fresher of the two so freshness scoring sees the latest data.
func mergeRecords(canonical, duplicate *model.CVRecord, policy model.MergeFieldPolicy) *model.CVRecord {
	merged := *canonical
	dupNewer := duplicate.ScrapedAt.After(canonical.ScrapedAt)

	merged.FullName = pickString(policy, dupNewer, canonical.FullName, duplicate.FullName)
	merged.Email = pickString(policy, dupNewer, canonical.Email, duplicate.Email)
	merged.Phone = pickString(policy, dupNewer, canonical.Phone, duplicate.Phone)
	merged.Headline = pickString(policy, dupNewer, canonical.Headline, duplicate.Headline)
	merged.Summary = pickString(policy, dupNewer, canonical.Summary, duplicate.Summary)
	merged.Location = pickString(policy, dupNewer, canonical.Location, duplicate.Location)
	merged.CurrentTitle = pickString(policy, dupNewer, canonical.CurrentTitle, duplicate.CurrentTitle)
	merged.CurrentCompany = pickString(policy, dupNewer, canonical.CurrentCompany, duplicate.CurrentCompany)
	merged.Experience = pickSlice(policy, dupNewer, canonical.Experience, duplicate.Experience)
	merged.Education = pickSlice(policy, dupNewer, canonical.Education, duplicate.Education)

	merged.YearsExperience = pickFloat(policy, dupNewer, canonical.YearsExperience, duplicate.YearsExperience)

	merged.Keywords = unionStrings(canonical.Keywords, duplicate.Keywords...)
	merged.AdditionalSources = mergedSources(canonical, duplicate)

	if dupNewer {
		merged.ScrapedAt = duplicate.ScrapedAt
	}

	merged.Normalize()
	return &merged
}

// pickString resolves one scalar field conflict per the merge policy.
func pickString(policy model.MergeFieldPolicy, dupNewer bool, canon, dup string) string {
	switch policy {
	case model.MergePreferCanonical:
		return canon
	case model.MergePreferNewest:
		if dup != "" && (canon == "" || dupNewer) {
			return dup
		}
		return canon
	default: // fill_empty
		if canon == "" {
			return dup
		}
		return canon
	}
}

// pickFloat resolves one numeric field conflict per the merge policy,
// treating zero as an empty field.
func pickFloat(policy model.MergeFieldPolicy, dupNewer bool, canon, dup float64) float64 {
	switch policy {
	case model.MergePreferCanonical:
		return canon
	case model.MergePreferNewest:
		if dup > 0 && (canon == 0 || dupNewer) {
			return dup
		}
		return canon
	default:
		if canon == 0 {
			return dup
		}
		return canon
	}
}

// pickSlice resolves one slice field conflict per the merge policy, treating
// an empty slice as an empty field.
func pickSlice[T any](policy model.MergeFieldPolicy, dupNewer bool, canon, dup []T) []T {
	switch policy {
	case model.MergePreferCanonical:
		return canon
	case model.MergePreferNewest:
		if len(dup) > 0 && (len(canon) == 0 || dupNewer) {
			return dup
		}
		return canon
	default:
		if len(canon) == 0 {
			return dup
		}
		return canon
	}
}

// unionStrings appends unseen non-empty values from extras onto base,
// preserving first-seen order.
func unionStrings(base []string, extras ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(extras))
	out := make([]string, 0, len(base)+len(extras))
	for _, v := range base {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range extras {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// mergedSources unions both records' additional sources plus the duplicate's
// primary source, minus the canonical's own primary source.
func mergedSources(canonical, duplicate *model.CVRecord) []string {
	union := unionStrings(canonical.AdditionalSources, append(
		append([]string{}, duplicate.AdditionalSources...), duplicate.SourceID)...)
	out := make([]string, 0, len(union))
	for _, v := range union {
		if v == canonical.SourceID {
			continue
		}
		out = append(out, v)
	}
	return out
}

// identityFields lists the populated identity fields backing a fingerprint
// match.
func identityFields(rec *model.CVRecord) []string {
	var fields []string
	if rec.NormalizedEmail != "" {
		fields = append(fields, "email")
	}
	if rec.NormalizedPhone != "" {
		fields = append(fields, "phone")
	}
	if rec.NormalizedName != "" {
		fields = append(fields, "name")
	}
	return fields
}

// fuzzyConfidence scales name similarity by the fuzzy class weight, capped
// strictly below the weight itself. Identical names within one company are
// still circumstantial evidence, so even a perfect similarity must not reach
// the confidence floor of the identity-key classes.
func fuzzyConfidence(sim float64) float64 {
	conf := sim * fuzzyWeight
	if conf >= fuzzyWeight {
		return math.Nextafter(fuzzyWeight, 0)
	}
	return conf
}

// nameSimilarity is 1 minus the Levenshtein distance normalized by the longer
// name's rune count.
func nameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > longest {
		longest = l
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
