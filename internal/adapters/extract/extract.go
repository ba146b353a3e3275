// Package extract implements the extraction port with JMESPath selectors
// over JSON payloads.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// Confidence levels by how directly a selector result maps to a field value.
// A string is taken verbatim; scalars are formatted; lists are joined; any
// other shape is re-serialized and flagged low so scoring can discount it.
const (
	confidenceString = 1.0
	confidenceScalar = 0.9
	confidenceList   = 0.7
	confidenceOther  = 0.5
)

// Extractor evaluates a source's JMESPath selectors against item payloads.
// Compiled expressions are cached; the same selectors run against every item
// of every page of a source.
type Extractor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	compiled map[string]jmespath.JMESPath
}

var _ core.Extractor = (*Extractor)(nil)

// NewExtractor constructs a JMESPath extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger != nil {
		logger = logger.With("component", "extract")
	}
	return &Extractor{
		logger:   logger,
		compiled: make(map[string]jmespath.JMESPath),
	}
}

// Extract evaluates each field selector against the payload and returns one
// candidate per field that matched. A selector that fails to compile is a
// source configuration error and fails the whole call; a selector that
// evaluates to nothing simply yields no candidate for its field.
func (e *Extractor) Extract(
	ctx context.Context,
	payload []byte,
	selectors model.SelectorSet,
) ([]model.FieldCandidate, error) {
	if len(selectors) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode item payload: %w", err)
	}

	candidates := make([]model.FieldCandidate, 0, len(selectors))
	for field, expr := range selectors {
		jp, err := e.compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile selector for field %q: %w", field, err)
		}

		result, err := jp.Search(doc)
		if err != nil {
			// Evaluation errors are shape mismatches on this item; the field
			// is absent here, not broken for the source.
			if e.logger != nil {
				e.logger.DebugContext(ctx, "selector evaluation failed",
					"field", field,
					"error", err,
				)
			}
			continue
		}
		if result == nil {
			continue
		}

		value, confidence := renderValue(result)
		if value == "" {
			continue
		}
		candidates = append(candidates, model.FieldCandidate{
			Field:      field,
			Value:      value,
			Confidence: confidence,
		})
	}
	return candidates, nil
}

func (e *Extractor) compile(expr string) (jmespath.JMESPath, error) {
	e.mu.RLock()
	jp, ok := e.compiled[expr]
	e.mu.RUnlock()
	if ok {
		return jp, nil
	}

	jp, err := jmespath.Compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.compiled[expr] = jp
	e.mu.Unlock()
	return jp, nil
}

// renderValue turns a JMESPath result into a field value string. Lists join
// their scalar elements with a comma so multi-valued fields (skills,
// languages) land in the record's list-field format.
func renderValue(result any) (string, float64) {
	switch v := result.(type) {
	case string:
		return strings.TrimSpace(v), confidenceString
	case float64:
		return formatNumber(v), confidenceScalar
	case bool:
		return strconv.FormatBool(v), confidenceScalar
	case []any:
		parts := make([]string, 0, len(v))
		for _, el := range v {
			s, _ := renderValue(el)
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", "), confidenceList
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", confidenceOther
		}
		return string(b), confidenceOther
	}
}

// formatNumber renders integers without a decimal point.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
