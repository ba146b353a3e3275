package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Record repository sentinels.
	ErrRecordNotFound      = errors.New("record not found")
	ErrRecordAlreadyExists = errors.New("record already exists")
	ErrFingerprintRequired = errors.New("fingerprint is required")
	// ErrFingerprintTaken is returned when an insert or identity update collides
	// with the canonical record holding the same fingerprint. Callers reconcile
	// by merging into that canonical record.
	ErrFingerprintTaken = errors.New("another canonical record holds this fingerprint")

	// Report repository sentinels.
	ErrReportNotFound = errors.New("report not found")

	// Job source sentinels.
	ErrJobIDRequired     = errors.New("job_id is required")
	ErrJobSourceNotFound = errors.New("job source not found")
)
