// Package filter implements subscription filters and the rule deciding
// whether an event satisfies one.
//
// Matching is conjunctive across the constraint fields that are present and
// non-empty, and disjunctive within one field's value set. A field holding an
// empty list is treated as absent. Both timestamp bounds are inclusive: an
// event matches when since <= created_at <= until.
package filter

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *nostr.Timestamp
	Until   *nostr.Timestamp
	// Limit caps the number of stored events replayed for this filter.
	// nil means the relay default applies.
	Limit *int
}

// Filters is the OR of its members.
type Filters []Filter

func (f Filter) Matches(evt *nostr.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTag(evt.Tags, name, values) {
			return false
		}
	}
	return true
}

func hasTag(tags nostr.Tags, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && slices.Contains(values, tag[1]) {
			return true
		}
	}
	return false
}

// Matches reports whether any filter matches. An empty set matches nothing.
func (fs Filters) Matches(evt *nostr.Event) bool {
	for _, f := range fs {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// Complexity is the number of constraint values the filter carries.
func (f Filter) Complexity() int {
	n := len(f.IDs) + len(f.Authors) + len(f.Kinds)
	for _, values := range f.Tags {
		n += len(values)
	}
	return n
}

// LimitOr returns the requested limit, or def when none was given.
func (f Filter) LimitOr(def int) int {
	if f.Limit == nil {
		return def
	}
	if *f.Limit < 0 {
		return 0
	}
	return *f.Limit
}

// WithUntil returns a copy of f whose upper bound is ts.
func (f Filter) WithUntil(ts nostr.Timestamp) Filter {
	out := f
	out.Until = &ts
	return out
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			out["#"+name] = values
		}
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	return json.Marshal(out)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("filter must be an object: %w", err)
	}
	var out Filter
	for key, raw := range fields {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(raw, &out.IDs)
		case key == "authors":
			err = json.Unmarshal(raw, &out.Authors)
		case key == "kinds":
			err = json.Unmarshal(raw, &out.Kinds)
		case key == "since":
			out.Since, err = decodeTimestamp(raw)
		case key == "until":
			out.Until, err = decodeTimestamp(raw)
		case key == "limit":
			var limit int
			if err = json.Unmarshal(raw, &limit); err == nil {
				out.Limit = &limit
			}
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			if err = json.Unmarshal(raw, &values); err == nil {
				if out.Tags == nil {
					out.Tags = map[string][]string{}
				}
				out.Tags[key[1:]] = values
			}
		default:
			// Unsupported extensions such as "search" are ignored.
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	*f = out
	return nil
}

func decodeTimestamp(raw json.RawMessage) (*nostr.Timestamp, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var ts int64
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, err
	}
	out := nostr.Timestamp(ts)
	return &out, nil
}
