package queue

import (
	"fmt"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

// State is the abstract lifecycle position of a queued job. Rows move
// Pending → InFlight → Succeeded|Failed; Pending may jump straight to a
// terminal state and Failed returns to Pending only through Retry.
type State int

const (
	Pending State = iota
	InFlight
	Succeeded
	Failed
)

var states = [...]State{Pending, InFlight, Succeeded, Failed}

// Vocabulary gives each State the name stored in the status column, e.g.
// pending/syncing/synced/failed for orders.
type Vocabulary struct {
	Pending   string
	InFlight  string
	Succeeded string
	Failed    string
}

// Name returns the stored name of s.
func (v Vocabulary) Name(s State) string {
	switch s {
	case Pending:
		return v.Pending
	case InFlight:
		return v.InFlight
	case Succeeded:
		return v.Succeeded
	case Failed:
		return v.Failed
	}
	return ""
}

// Parse maps a stored name back to its State.
func (v Vocabulary) Parse(name string) (State, error) {
	for _, s := range states {
		if v.Name(s) == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", common.ErrInvalidArgument, name)
}

// Names lists the four names in lifecycle order.
func (v Vocabulary) Names() []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, v.Name(s))
	}
	return out
}

func (v Vocabulary) validate() error {
	seen := make(map[string]struct{}, len(states))
	for _, name := range v.Names() {
		if name == "" {
			return fmt.Errorf("%w: empty status name", common.ErrInvalidArgument)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate status name %q", common.ErrInvalidArgument, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
