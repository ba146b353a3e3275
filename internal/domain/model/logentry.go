package model

import (
	"encoding/json"
	"errors"
	"time"
)

// Operation tags a log entry with the pipeline step that produced it.
type Operation string

// Pipeline operations.
const (
	OpFetch       Operation = "fetch"
	OpParse       Operation = "parse"
	OpExtract     Operation = "extract"
	OpValidate    Operation = "validate"
	OpSave        Operation = "save"
	OpRetry       Operation = "retry"
	OpRateLimit   Operation = "rate_limit"
	OpProxySwitch Operation = "proxy_switch"
	OpDedup       Operation = "dedup"
	OpHealthCheck Operation = "health_check"
	OpReport      Operation = "report"
)

// Valid reports whether the operation is a known value.
func (o Operation) Valid() bool {
	switch o {
	case OpFetch, OpParse, OpExtract, OpValidate, OpSave, OpRetry,
		OpRateLimit, OpProxySwitch, OpDedup, OpHealthCheck, OpReport:
		return true
	default:
		return false
	}
}

// LogLevel is the severity of a log entry. Debug and info entries expire
// sooner than warn, error, and fatal entries.
type LogLevel string

// Log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogFatal LogLevel = "fatal"
)

// Valid reports whether the log level is a known value.
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, LogFatal:
		return true
	default:
		return false
	}
}

// ShortRetention reports whether entries at this level belong to the
// short-retention class.
func (l LogLevel) ShortRetention() bool {
	return l == LogDebug || l == LogInfo
}

// LogEntry is one append-only structured record of a pipeline operation.
// Entries are never updated and expire per the level's retention class.
type LogEntry struct {
	ID         int64           `json:"id"                    db:"id"`
	JobID      *string         `json:"job_id,omitempty"      db:"job_id"`
	SourceID   *string         `json:"source_id,omitempty"   db:"source_id"`
	Operation  Operation       `json:"operation"             db:"operation"`
	Level      LogLevel        `json:"level"                 db:"level"`
	Target     string          `json:"target,omitempty"      db:"target"`
	Error      *string         `json:"error,omitempty"       db:"error"`
	DurationMS *float64        `json:"duration_ms,omitempty" db:"duration_ms"`
	RetryCount int             `json:"retry_count"           db:"retry_count"`
	Meta       json.RawMessage `json:"meta,omitempty"        db:"meta"`
	CreatedAt  time.Time       `json:"created_at"            db:"created_at"`
}

// Validate validates the LogEntry fields before append.
func (e *LogEntry) Validate() error {
	if !e.Operation.Valid() {
		return errors.New("invalid log operation")
	}
	if !e.Level.Valid() {
		return errors.New("invalid log level")
	}
	return nil
}

// LogQuery filters log entry listings for the ops surface.
type LogQuery struct {
	JobID     *string    `json:"job_id,omitempty"`
	SourceID  *string    `json:"source_id,omitempty"`
	Operation *Operation `json:"operation,omitempty"`
	Level     *LogLevel  `json:"level,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

const (
	defaultLogQueryLimit = 100
	maxLogQueryLimit     = 1000
)

// Sanitize clamps the query limit to safe values.
func (q *LogQuery) Sanitize() {
	if q.Limit <= 0 {
		q.Limit = defaultLogQueryLimit
	}
	if q.Limit > maxLogQueryLimit {
		q.Limit = maxLogQueryLimit
	}
}
