package service

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// Completeness weights per scored field. The field names match the report
// fill-rate breakdown so a low weight here and a low fill rate there point at
// the same thing.
var completenessWeights = []struct {
	field   string
	weight  float64
	present func(*model.CVRecord) bool
}{
	{"full_name", 10, func(r *model.CVRecord) bool { return r.FullName != "" }},
	{"email", 15, func(r *model.CVRecord) bool { return r.Email != "" }},
	{"phone", 10, func(r *model.CVRecord) bool { return r.Phone != "" }},
	{"headline", 10, func(r *model.CVRecord) bool { return r.Headline != "" }},
	{"summary", 10, func(r *model.CVRecord) bool { return r.Summary != "" }},
	{"experience", 15, func(r *model.CVRecord) bool { return len(r.Experience) > 0 }},
	{"education", 10, func(r *model.CVRecord) bool { return len(r.Education) > 0 }},
	{"keywords", 10, func(r *model.CVRecord) bool { return len(r.Keywords) > 0 }},
	{"current_title", 5, func(r *model.CVRecord) bool { return r.CurrentTitle != "" }},
	{"current_company", 5, func(r *model.CVRecord) bool { return r.CurrentCompany != "" }},
}

// Phone numbers outside these digit counts fail validation. Seven covers
// local formats, fifteen is the E.164 ceiling.
const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// ScoreSet is one full scoring pass over a record: the quality scores, the
// validation failures behind the accuracy score, and the derived enrichment
// fields, ready to persist together.
type ScoreSet struct {
	Completeness     float64
	Freshness        float64
	Overall          float64
	Accuracy         float64
	ValidationErrors []model.FieldValidationError
	InferredLevel    model.ExperienceLevel
	EstimatedBand    model.CompBand
	Insights         []string
}

// QualityScorerOptions groups configuration for QualityScorer.
type QualityScorerOptions struct {
	// FreshnessDecayPerDay is how many points a record's freshness loses per
	// day since its last scrape. Zero falls back to the default.
	FreshnessDecayPerDay float64

	TimeProvider data.TimeProvider // Optional: defaults to real time
}

// QualityScorer computes the quality sub-state of a record: completeness,
// freshness, overall, accuracy with its validation failures, and the derived
// enrichment fields. Every method is a pure function over the record and the
// injected clock, so ingestion, batch rescoring, and manual revalidation all
// produce identical results for identical inputs.
type QualityScorer struct {
	decayPerDay  float64
	timeProvider data.TimeProvider
}

// NewQualityScorer constructs a new QualityScorer.
func NewQualityScorer(opts QualityScorerOptions) *QualityScorer {
	decay := opts.FreshnessDecayPerDay
	if decay <= 0 {
		decay = 2
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &QualityScorer{decayPerDay: decay, timeProvider: tp}
}

// Score runs the full scoring pass over a record.
//
// Overall is the arithmetic mean of completeness and freshness. Accuracy is
// computed and returned alongside but deliberately not folded in: a record
// with a malformed phone number is still findable, and folding accuracy into
// overall would bury complete-but-imperfect records below sparse ones.
func (s *QualityScorer) Score(rec *model.CVRecord) ScoreSet {
	completeness := s.Completeness(rec)
	freshness := s.Freshness(rec)
	errs, checks := s.validate(rec)
	level := InferLevel(rec)

	return ScoreSet{
		Completeness:     completeness,
		Freshness:        freshness,
		Overall:          (completeness + freshness) / 2,
		Accuracy:         accuracy(len(errs), checks),
		ValidationErrors: errs,
		InferredLevel:    level,
		EstimatedBand:    EstimateBand(level),
		Insights:         DeriveInsights(rec),
	}
}

// Completeness scores field presence 0-100 using the weighted field table.
func (s *QualityScorer) Completeness(rec *model.CVRecord) float64 {
	var got, total float64
	for _, w := range completenessWeights {
		total += w.weight
		if w.present(rec) {
			got += w.weight
		}
	}
	if total == 0 {
		return 0
	}
	return got / total * 100
}

// Freshness scores how recently the record was scraped: 100 at scrape time,
// minus the configured decay per day of age, floored at zero.
func (s *QualityScorer) Freshness(rec *model.CVRecord) float64 {
	days := s.timeProvider.Now().Sub(rec.ScrapedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	score := 100 - s.decayPerDay*days
	if score < 0 {
		return 0
	}
	return score
}

// Validate runs every validation rule over the record and returns the
// failures.
func (s *QualityScorer) Validate(rec *model.CVRecord) []model.FieldValidationError {
	errs, _ := s.validate(rec)
	return errs
}

// validate also reports how many rule applications ran, the accuracy
// denominator.
func (s *QualityScorer) validate(rec *model.CVRecord) ([]model.FieldValidationError, int) {
	now := s.timeProvider.Now()
	var errs []model.FieldValidationError
	checks := 0

	if rec.Email != "" {
		checks++
		if _, err := mail.ParseAddress(rec.Email); err != nil {
			errs = append(errs, model.FieldValidationError{
				Field:   "email",
				Rule:    "email_format",
				Message: "not a valid email address",
			})
		}
	}

	if rec.Phone != "" {
		checks++
		digits := len(model.NormalizePhone(rec.Phone))
		if digits < minPhoneDigits || digits > maxPhoneDigits {
			errs = append(errs, model.FieldValidationError{
				Field:   "phone",
				Rule:    "phone_length",
				Message: fmt.Sprintf("%d digits, want %d-%d", digits, minPhoneDigits, maxPhoneDigits),
			})
		}
	}

	checks++
	if rec.ScrapedAt.After(now) {
		errs = append(errs, model.FieldValidationError{
			Field:   "scraped_at",
			Rule:    "future_date",
			Message: "scrape timestamp is in the future",
		})
	}

	for i, exp := range rec.Experience {
		if exp.StartDate != nil || exp.EndDate != nil {
			checks++
			if dateInFuture(exp.StartDate, now) || dateInFuture(exp.EndDate, now) {
				errs = append(errs, model.FieldValidationError{
					Field:   "experience",
					Rule:    "future_date",
					Message: fmt.Sprintf("entry %d has a date in the future", i),
				})
			}
		}
		if exp.StartDate != nil && exp.EndDate != nil {
			checks++
			if exp.StartDate.After(*exp.EndDate) {
				errs = append(errs, model.FieldValidationError{
					Field:   "experience",
					Rule:    "date_order",
					Message: fmt.Sprintf("entry %d starts after it ends", i),
				})
			}
		}
	}

	return errs, checks
}

func dateInFuture(t *time.Time, now time.Time) bool {
	return t != nil && t.After(now)
}

// accuracy is the validation pass rate 0-100; a record with nothing to check
// passes clean.
func accuracy(failures, checks int) float64 {
	if checks == 0 {
		return 100
	}
	return float64(checks-failures) / float64(checks) * 100
}

// InferLevel buckets a candidate's seniority by years of experience. Records
// with no work history at all stay unknown.
func InferLevel(rec *model.CVRecord) model.ExperienceLevel {
	years := rec.YearsExperience
	switch {
	case years <= 0 && len(rec.Experience) == 0:
		return model.LevelUnknown
	case years < 2:
		return model.LevelJunior
	case years < 5:
		return model.LevelMid
	case years < 9:
		return model.LevelSenior
	case years < 13:
		return model.LevelLead
	default:
		return model.LevelPrincipal
	}
}

// EstimateBand maps an experience level onto a compensation band.
func EstimateBand(level model.ExperienceLevel) model.CompBand {
	switch level {
	case model.LevelMid:
		return model.CompBandMid
	case model.LevelSenior, model.LevelLead:
		return model.CompBandUpper
	case model.LevelPrincipal:
		return model.CompBandExecutive
	default:
		return model.CompBandEntry
	}
}

// DeriveInsights produces short human-readable observations from the work
// history for recruiter-facing views.
func DeriveInsights(rec *model.CVRecord) []string {
	var insights []string

	for _, exp := range rec.Experience {
		if exp.Current {
			insights = append(insights, "currently employed")
			break
		}
	}

	if avg, ok := averageTenureYears(rec.Experience); ok {
		switch {
		case len(rec.Experience) >= 3 && avg < 1.5:
			insights = append(insights, "frequent job changes")
		case avg >= 3:
			insights = append(insights, "long average tenure")
		}
	}

	if len(rec.Keywords) >= 10 {
		insights = append(insights, "broad skill set")
	}

	return insights
}

// averageTenureYears averages the span of dated positions; entries without
// both dates are skipped. ok is false when nothing was datable.
func averageTenureYears(entries []model.ExperienceEntry) (float64, bool) {
	var total float64
	counted := 0
	for _, exp := range entries {
		if exp.StartDate == nil || exp.EndDate == nil {
			continue
		}
		span := exp.EndDate.Sub(*exp.StartDate)
		if span <= 0 {
			continue
		}
		total += span.Hours() / (24 * 365.25)
		counted++
	}
	if counted == 0 {
		return 0, false
	}
	return total / float64(counted), true
}
