package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"
)

// RecordStatus is the processing state of a CV record.
type RecordStatus string

// Record statuses. A duplicate carries a DuplicateOf pointer to its
// canonical record; an archived record has had its raw payload offloaded.
const (
	RecordStatusNew       RecordStatus = "new"
	RecordStatusProcessed RecordStatus = "processed"
	RecordStatusValidated RecordStatus = "validated"
	RecordStatusEnriched  RecordStatus = "enriched"
	RecordStatusDuplicate RecordStatus = "duplicate"
	RecordStatusArchived  RecordStatus = "archived"
)

// Valid reports whether the record status is a known value.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordStatusNew, RecordStatusProcessed, RecordStatusValidated,
		RecordStatusEnriched, RecordStatusDuplicate, RecordStatusArchived:
		return true
	default:
		return false
	}
}

// ExperienceLevel is the inferred seniority of a candidate.
type ExperienceLevel string

// Inferred experience levels.
const (
	LevelUnknown   ExperienceLevel = "unknown"
	LevelJunior    ExperienceLevel = "junior"
	LevelMid       ExperienceLevel = "mid"
	LevelSenior    ExperienceLevel = "senior"
	LevelLead      ExperienceLevel = "lead"
	LevelPrincipal ExperienceLevel = "principal"
)

// Valid reports whether the experience level is a known value.
func (l ExperienceLevel) Valid() bool {
	switch l {
	case LevelUnknown, LevelJunior, LevelMid, LevelSenior, LevelLead, LevelPrincipal:
		return true
	default:
		return false
	}
}

// CompBand is the estimated compensation band of a candidate.
type CompBand string

// Compensation bands, lowest to highest.
const (
	CompBandEntry     CompBand = "entry"
	CompBandMid       CompBand = "mid"
	CompBandUpper     CompBand = "upper"
	CompBandExecutive CompBand = "executive"
)

// ExperienceEntry is one position in a candidate's work history.
type ExperienceEntry struct {
	Title       string     `json:"title"`
	Company     string     `json:"company"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Current     bool       `json:"current,omitempty"`
	Description string     `json:"description,omitempty"`
}

// EducationEntry is one item in a candidate's education history.
type EducationEntry struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	StartYear   int    `json:"start_year,omitempty"`
	EndYear     int    `json:"end_year,omitempty"`
}

// FieldValidationError records one failed validation rule on a record field.
type FieldValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// FieldCandidate is one extracted field value with the extractor's confidence.
type FieldCandidate struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// SelectorSet maps record field names to source-specific selector expressions
// understood by the extractor for that source type.
type SelectorSet map[string]string

// CVRecord is a candidate profile with provenance, dedup, quality, and
// enrichment sub-states.
type CVRecord struct {
	ID              string            `json:"id"                         db:"id"`
	FullName        string            `json:"full_name"                  db:"full_name"`
	NormalizedName  string            `json:"normalized_name"            db:"normalized_name"`
	Email           string            `json:"email"                      db:"email"`
	NormalizedEmail string            `json:"normalized_email"           db:"normalized_email"`
	Phone           string            `json:"phone"                      db:"phone"`
	NormalizedPhone string            `json:"normalized_phone"           db:"normalized_phone"`
	Headline        string            `json:"headline"                   db:"headline"`
	Summary         string            `json:"summary"                    db:"summary"`
	Location        string            `json:"location"                   db:"location"`
	CurrentTitle    string            `json:"current_title"              db:"current_title"`
	CurrentCompany  string            `json:"current_company"            db:"current_company"`
	Experience      []ExperienceEntry `json:"experience"                 db:"experience"`
	Education       []EducationEntry  `json:"education"                  db:"education"`
	Keywords        []string          `json:"keywords"                   db:"keywords"`
	YearsExperience float64           `json:"years_experience"           db:"years_experience"`

	// Provenance. PayloadKey points at the offloaded raw payload object once
	// the record is archived; RawPayload is cleared at that point.
	SourceID   string     `json:"source_id"             db:"source_id"`
	ExternalID string     `json:"external_id"           db:"external_id"`
	ScrapedAt  time.Time  `json:"scraped_at"            db:"scraped_at"`
	RawPayload []byte     `json:"raw_payload,omitempty" db:"raw_payload"`
	PayloadKey *string    `json:"payload_key,omitempty" db:"payload_key"`
	ArchivedAt *time.Time `json:"archived_at,omitempty" db:"archived_at"`

	// Dedup sub-state.
	Fingerprint       *string    `json:"fingerprint,omitempty"      db:"fingerprint"`
	DuplicateOf       *string    `json:"duplicate_of,omitempty"     db:"duplicate_of"`
	MatchConfidence   *float64   `json:"match_confidence,omitempty" db:"match_confidence"`
	MatchedFields     []string   `json:"matched_fields,omitempty"   db:"matched_fields"`
	DedupCheckedAt    *time.Time `json:"dedup_checked_at,omitempty" db:"dedup_checked_at"`
	AdditionalSources []string   `json:"additional_sources"         db:"additional_sources"`

	// Quality sub-state. Accuracy is tracked alongside the overall score but
	// not folded into it; see the scorer for the aggregation rules.
	Completeness     float64                `json:"completeness"       db:"completeness"`
	Freshness        float64                `json:"freshness"          db:"freshness"`
	Overall          float64                `json:"overall"            db:"overall"`
	Accuracy         float64                `json:"accuracy"           db:"accuracy"`
	ValidationErrors []FieldValidationError `json:"validation_errors"  db:"validation_errors"`

	// Enrichment sub-state.
	InferredLevel ExperienceLevel `json:"inferred_level" db:"inferred_level"`
	EstimatedBand CompBand        `json:"estimated_band" db:"estimated_band"`
	Insights      []string        `json:"insights"       db:"insights"`

	Status    RecordStatus `json:"status"     db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// IsCanonical reports whether the record is not a marked duplicate.
func (r *CVRecord) IsCanonical() bool {
	return r.DuplicateOf == nil
}

// DataAge returns how long ago the record was scraped.
func (r *CVRecord) DataAge(now time.Time) time.Duration {
	return now.Sub(r.ScrapedAt)
}

// IsFresh reports whether the record was scraped within the given window.
func (r *CVRecord) IsFresh(now time.Time, window time.Duration) bool {
	return r.DataAge(now) <= window
}

// HasCompleteData reports whether the identity and section fields needed for
// downstream matching are all populated.
func (r *CVRecord) HasCompleteData() bool {
	return r.FullName != "" && r.Email != "" && len(r.Experience) > 0 && len(r.Keywords) > 0
}

// HasIdentity reports whether at least one dedup identity field is populated.
func (r *CVRecord) HasIdentity() bool {
	return r.NormalizedEmail != "" || r.NormalizedPhone != "" || r.NormalizedName != ""
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone strips everything but digits from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName lowercases a name, strips punctuation, and collapses runs of
// whitespace to single spaces.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ComputeFingerprint hashes the normalized identity triple for O(1) duplicate
// candidate lookup. Returns empty when no identity field is populated, so
// identity-less records never collide on a shared fingerprint.
func ComputeFingerprint(email, phone, name string) string {
	e := NormalizeEmail(email)
	p := NormalizePhone(phone)
	n := NormalizeName(name)
	if e == "" && p == "" && n == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(e + "|" + p + "|" + n))
	return hex.EncodeToString(sum[:])
}

// Normalize fills the record's normalized identity fields and fingerprint
// from its raw identity fields.
func (r *CVRecord) Normalize() {
	r.NormalizedEmail = NormalizeEmail(r.Email)
	r.NormalizedPhone = NormalizePhone(r.Phone)
	r.NormalizedName = NormalizeName(r.FullName)
	if fp := ComputeFingerprint(r.Email, r.Phone, r.FullName); fp != "" {
		r.Fingerprint = &fp
	} else {
		r.Fingerprint = nil
	}
}

// RecordQuery filters and paginates record listings.
type RecordQuery struct {
	Status          *RecordStatus    `json:"status,omitempty"`
	ExperienceLevel *ExperienceLevel `json:"experience_level,omitempty"`
	Skills          []string         `json:"skills,omitempty"`
	MinQuality      *float64         `json:"min_quality,omitempty"`
	SourceID        *string          `json:"source_id,omitempty"`
	ScrapedFrom     *time.Time       `json:"scraped_from,omitempty"`
	ScrapedTo       *time.Time       `json:"scraped_to,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Offset          int              `json:"offset,omitempty"`
}

const (
	defaultRecordQueryLimit = 50
	maxRecordQueryLimit     = 500
)

// Sanitize clamps pagination bounds to safe values.
func (q *RecordQuery) Sanitize() {
	if q.Limit <= 0 {
		q.Limit = defaultRecordQueryLimit
	}
	if q.Limit > maxRecordQueryLimit {
		q.Limit = maxRecordQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// Validate validates the RecordQuery fields.
func (q *RecordQuery) Validate() error {
	if q.Status != nil && !q.Status.Valid() {
		return errors.New("invalid record status filter")
	}
	if q.ExperienceLevel != nil && !q.ExperienceLevel.Valid() {
		return errors.New("invalid experience level filter")
	}
	if q.MinQuality != nil && (*q.MinQuality < 0 || *q.MinQuality > 100) {
		return errors.New("min quality must be between 0 and 100")
	}
	if q.ScrapedFrom != nil && q.ScrapedTo != nil && q.ScrapedTo.Before(*q.ScrapedFrom) {
		return errors.New("scraped_to must not precede scraped_from")
	}
	return nil
}

// RecordPage is one page of a record listing with the total match count.
type RecordPage struct {
	Records []CVRecord `json:"records"`
	Total   int64      `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
}

// RecordStats are aggregate record counts and the mean overall quality score.
type RecordStats struct {
	Total      int64   `json:"total"`
	New        int64   `json:"new"`
	Processed  int64   `json:"processed"`
	Validated  int64   `json:"validated"`
	Enriched   int64   `json:"enriched"`
	Duplicates int64   `json:"duplicates"`
	Archived   int64   `json:"archived"`
	AvgOverall float64 `json:"avg_overall"`
}

// PayloadArchiveCandidate is one record whose raw payload is due for cold storage.
type PayloadArchiveCandidate struct {
	ID         string    `db:"id"`
	SourceID   string    `db:"source_id"`
	ExternalID string    `db:"external_id"`
	ScrapedAt  time.Time `db:"scraped_at"`
	RawPayload []byte    `db:"raw_payload"`
}
