package ruleset

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/migadu/sift/rules"
	"lukechampine.com/blake3"
)

// DocumentFormatVersion is bumped when the persisted document layout
// changes incompatibly. Loaders reject versions they do not understand.
const DocumentFormatVersion = 1

// Document kinds, used as the persistence key alongside the account ID.
const (
	KindFilters    = "filters"
	KindForwarding = "forwarding"
)

// Stats is the derived aggregate over a filter collection. TotalRules and
// EnabledRules are always a pure function of the collection; the manager
// patches them inside the same critical section as every mutation so no
// reader ever observes them out of sync.
type Stats struct {
	TotalRules        int    `json:"total_rules"`
	EnabledRules      int    `json:"enabled_rules"`
	LastApplied       int64  `json:"last_applied,omitempty"` // wall clock, milliseconds
	AppliedCount      int64  `json:"applied_count"`
	FailureCount      int64  `json:"failure_count"`
	LastFailureReason string `json:"last_failure_reason,omitempty"`
}

// Document is the single versioned snapshot of a manager's entire state.
// Load restores it verbatim; save writes it verbatim. There is no partial
// or streaming persistence.
type Document struct {
	Version int             `json:"version"`
	Filters []*rules.Filter `json:"filters"`
	Stats   Stats           `json:"stats"`
}

// ForwardingDocument is the forwarding variant's snapshot. It lives in an
// independent document so the two rule spaces never share priorities or
// versions.
type ForwardingDocument struct {
	Version int                     `json:"version"`
	Rules   []*rules.ForwardingRule `json:"rules"`
}

// Encode serializes the document for the persistence boundary.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding filter document: %w", err)
	}
	return data, nil
}

// DecodeDocument parses and validates a persisted filter document.
func DecodeDocument(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding filter document: %w", err)
	}
	if d.Version > DocumentFormatVersion {
		return nil, fmt.Errorf("unsupported filter document version %d", d.Version)
	}
	return &d, nil
}

// Encode serializes the forwarding document.
func (d *ForwardingDocument) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding forwarding document: %w", err)
	}
	return data, nil
}

// DecodeForwardingDocument parses and validates a persisted forwarding
// document.
func DecodeForwardingDocument(data []byte) (*ForwardingDocument, error) {
	var d ForwardingDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding forwarding document: %w", err)
	}
	if d.Version > DocumentFormatVersion {
		return nil, fmt.Errorf("unsupported forwarding document version %d", d.Version)
	}
	return &d, nil
}

// ContentHash returns a stable hash of encoded document bytes. The manager
// uses it to skip writes when a debounced snapshot would be identical to
// the last one saved, and the HTTP API surfaces it as an ETag.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
