package queue

import (
	"fmt"
	"regexp"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

// Schema binds a Queue to its table. Every queue table shares the base
// columns (id, payload, status, retry_count, attempts, error_message,
// created_at, updated_at, last_attempt_at) plus a completion timestamp and
// a set of TEXT extra columns described here.
type Schema[E any] struct {
	Table           string
	Vocabulary      Vocabulary
	CompletedColumn string

	// Columns are the extra TEXT columns in the order used by Values and Scan.
	// Nullable columns read back as "" and Values may pass nil for them.
	Columns []Column
	Values  func(e *E) []any
	Scan    func(e *E) []any
}

type Column struct {
	Name     string
	Nullable bool
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (s Schema[E]) validate() error {
	if !identRe.MatchString(s.Table) || !identRe.MatchString(s.CompletedColumn) {
		return fmt.Errorf("%w: bad table or completion column", common.ErrInvalidArgument)
	}
	for _, c := range s.Columns {
		if !identRe.MatchString(c.Name) {
			return fmt.Errorf("%w: bad column name %q", common.ErrInvalidArgument, c.Name)
		}
	}
	if s.Values == nil || s.Scan == nil {
		return fmt.Errorf("%w: schema %s needs Values and Scan", common.ErrInvalidArgument, s.Table)
	}
	return s.Vocabulary.validate()
}

func (s Schema[E]) hasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// NullIfEmpty is a helper for Values: it stores "" as NULL.
func NullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
