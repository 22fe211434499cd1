package stream

import "strings"

// WatchFilter defines criteria for filtering events.
type WatchFilter struct {
	// Aggregate matches events by aggregate ID. Empty matches all.
	Aggregate string
	// Prefix treats Aggregate as a prefix instead of an exact match,
	// so "locks/" watches every lock resource.
	Prefix bool
	// Kinds filters by command kind. Empty matches all kinds.
	Kinds []uint8
}

// Matches returns true if the event matches the filter criteria.
func (f *WatchFilter) Matches(event *Event) bool {
	if event == nil {
		return false
	}

	if len(f.Kinds) > 0 {
		matched := false
		for _, k := range f.Kinds {
			if event.Kind == k {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.Aggregate == "" {
		return true
	}
	if f.Prefix {
		return strings.HasPrefix(event.AggregateID, f.Aggregate)
	}
	return event.AggregateID == f.Aggregate
}

// MatchAll returns a filter that matches all events.
func MatchAll() WatchFilter {
	return WatchFilter{}
}

// MatchAggregate returns a filter that matches one aggregate exactly.
func MatchAggregate(id string) WatchFilter {
	return WatchFilter{Aggregate: id}
}

// MatchPrefix returns a filter that matches aggregates by prefix.
func MatchPrefix(prefix string) WatchFilter {
	return WatchFilter{Aggregate: prefix, Prefix: true}
}
