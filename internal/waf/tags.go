package waf

import "sort"

// Tags is a set of qualified strings ("key" or "key:value"), each associated
// with the set of Locations it was observed at. Insertion is idempotent;
// locations union on re-insertion (spec §3/§4.2).
type Tags struct {
	byTag map[string]map[Location]struct{}
}

// NewTags constructs an empty tag set.
func NewTags() *Tags {
	return &Tags{byTag: make(map[string]map[Location]struct{})}
}

// Insert adds tag at loc, unioning locations if the tag already exists.
func (t *Tags) Insert(tag string, loc Location) {
	if t == nil || tag == "" {
		return
	}
	locs, ok := t.byTag[tag]
	if !ok {
		locs = make(map[Location]struct{}, 1)
		t.byTag[tag] = locs
	}
	locs[loc] = struct{}{}
}

// InsertQualified inserts "key" when value is empty, else "key:value".
func (t *Tags) InsertQualified(key, value string, loc Location) {
	if value == "" {
		t.Insert(key, loc)
		return
	}
	t.Insert(key+":"+value, loc)
}

// InsertLocs inserts tag at every location in locs.
func (t *Tags) InsertLocs(tag string, locs map[Location]struct{}) {
	for loc := range locs {
		t.Insert(tag, loc)
	}
}

// Has reports whether tag is present, regardless of location.
func (t *Tags) Has(tag string) bool {
	if t == nil {
		return false
	}
	_, ok := t.byTag[tag]
	return ok
}

// Locations returns the set of locations tag was observed at, or nil.
func (t *Tags) Locations(tag string) []Location {
	if t == nil {
		return nil
	}
	locs, ok := t.byTag[tag]
	if !ok {
		return nil
	}
	out := make([]Location, 0, len(locs))
	for l := range locs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union merges other into t in place, preserving both sets' locations.
func (t *Tags) Union(other *Tags) {
	if t == nil || other == nil {
		return
	}
	for tag, locs := range other.byTag {
		t.InsertLocs(tag, locs)
	}
}

// Clone returns a deep copy.
func (t *Tags) Clone() *Tags {
	out := NewTags()
	if t == nil {
		return out
	}
	out.Union(t)
	return out
}

// IsSupersetOf reports whether t contains every tag in sub (ignoring
// locations) — the invariant checked by the "tags returned is a superset of
// itags" testable property in spec §8.
func (t *Tags) IsSupersetOf(sub *Tags) bool {
	if sub == nil {
		return true
	}
	if t == nil {
		return len(sub.byTag) == 0
	}
	for tag := range sub.byTag {
		if !t.Has(tag) {
			return false
		}
	}
	return true
}

// Len reports the number of distinct tags.
func (t *Tags) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byTag)
}

// Each calls fn for every tag with its sorted locations. Iteration order
// over tags is unspecified (the set is insertion-order-irrelevant by
// design); fn is called once per tag.
func (t *Tags) Each(fn func(tag string, locs []Location)) {
	if t == nil {
		return
	}
	for tag := range t.byTag {
		fn(tag, t.Locations(tag))
	}
}

// Names returns every distinct tag name, sorted, for logging/snapshotting.
func (t *Tags) Names() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.byTag))
	for tag := range t.byTag {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// LocationsFromReasons flat-maps over reasons' locations, deduplicated. Used
// to union a profile's tags at "the set of locations taken from the current
// decision's reasons" (spec §4.6 step 3, §12 ACL tag/location unioning rule).
func LocationsFromReasons(reasons []BlockReason) map[Location]struct{} {
	out := make(map[Location]struct{})
	for _, r := range reasons {
		for _, l := range r.Locations {
			out[l] = struct{}{}
		}
	}
	if len(out) == 0 {
		out[LocationRequest] = struct{}{}
	}
	return out
}
