package record

import (
	"github.com/probelab/netdash/internal/logging"
)

// EventKind discriminates reducer events.
type EventKind string

const (
	// EventFound carries a single record discovered by the live stream.
	EventFound EventKind = "found"
	// EventBatchReplace carries the authoritative final record list and
	// discards everything accumulated so far.
	EventBatchReplace EventKind = "batch-replace"
)

// Event is one input to Fold.
type Event struct {
	Kind    EventKind
	Record  Record
	Records []Record
}

// Found wraps a record in a found event.
func Found(r Record) Event {
	return Event{Kind: EventFound, Record: r}
}

// BatchReplace wraps an authoritative record list in a batch-replace event.
func BatchReplace(records []Record) Event {
	return Event{Kind: EventBatchReplace, Records: records}
}

// Fold applies one event to the current record list and returns the new
// list. The input slice is never mutated.
//
// A found event upserts by key: a record whose key is already present
// replaces the existing one in place, keeping its first-insertion rank.
// Events may carry refined data (a resolved hostname arriving after an
// initial bare-IP record), so replacement is an update, not a skip.
//
// A batch-replace event discards the accumulated list and adopts the
// authoritative payload in its own order, deduplicated through the same key
// resolver. The live stream may have dropped, duplicated, or reordered
// events relative to the final tally; the batch result is the source of
// truth for the final render.
//
// Malformed events (missing record, unknown kind) are dropped with a
// diagnostic and never abort the fold: one bad push event must not sink an
// otherwise-healthy session.
func Fold(current []Record, ev Event) []Record {
	switch ev.Kind {
	case EventFound:
		if ev.Record == nil {
			logging.Debug("dropping found event without record")
			return current
		}
		return upsert(current, ev.Record)
	case EventBatchReplace:
		return dedupe(ev.Records)
	default:
		logging.Debug("dropping event with unrecognized kind", "kind", string(ev.Kind))
		return current
	}
}

// upsert returns a copy of current with r replacing the record sharing its
// key, or appended when the key is new.
func upsert(current []Record, r Record) []Record {
	key := r.Key()
	out := make([]Record, len(current))
	copy(out, current)
	for i, existing := range out {
		if existing.Key() == key {
			out[i] = r
			return out
		}
	}
	return append(out, r)
}

// dedupe keeps the first-seen rank per key while letting later duplicates
// replace the record content, matching the upsert semantics of found events.
func dedupe(records []Record) []Record {
	out := make([]Record, 0, len(records))
	index := make(map[string]int, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		key := r.Key()
		if at, seen := index[key]; seen {
			out[at] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}
