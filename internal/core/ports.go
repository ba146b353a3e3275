package core

import (
	"context"
	"time"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// FetchRequest describes one outbound page or API request to a source.
type FetchRequest struct {
	URL string
	// Headers are sent as-is; credential placeholders must already be
	// resolved.
	Headers model.HeaderSet
	// ProxyURL routes the request through a proxy, empty for a direct
	// connection.
	ProxyURL string
	Timeout  time.Duration
}

// FetchResult is the raw outcome of one fetch.
type FetchResult struct {
	Payload    []byte
	StatusCode int
	// Timing is the wall-clock duration of the round trip.
	Timing time.Duration
}

// Fetcher retrieves raw payloads from source endpoints. Implementations map
// transport failures to errors; a non-2xx status is returned in the result,
// not as an error, so callers can tell throttling from outages.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// Extractor pulls candidate field values out of a raw payload using a
// source's selector set.
type Extractor interface {
	Extract(ctx context.Context, payload []byte, selectors model.SelectorSet) ([]model.FieldCandidate, error)
}

// PayloadStore is cold storage for raw payloads evicted from the hot
// database.
type PayloadStore interface {
	// Put stores a payload under the given key, overwriting any previous
	// object.
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}
