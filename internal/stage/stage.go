// Package stage defines the pipeline's closed set of stages and the
// hierarchical object key format `{userId}/{stage}/{relativePath}`.
package stage

import "strings"

// Stage is one ordered step in the pipeline. The set is closed: keys whose
// second path segment is not one of these values belong to objects outside
// the pipeline's namespace and must not trigger processing.
type Stage string

const (
	Raw          Stage = "raw"
	Preprocessed Stage = "preprocessed"
	Categorized  Stage = "categorized"
	Profile      Stage = "profile"
	Insights     Stage = "insights"
)

// Parse maps a path segment onto the closed stage set.
func Parse(s string) (Stage, bool) {
	switch Stage(s) {
	case Raw, Preprocessed, Categorized, Profile, Insights:
		return Stage(s), true
	default:
		return "", false
	}
}

// Key identifies one object in the store. Objects are immutable once
// written; reprocessing overwrites the same key rather than creating a
// sibling.
type Key struct {
	UserID string
	Stage  Stage
	Rel    string
}

// ParseKey splits `{userId}/{stage}/{relativePath}`. The relative path may
// itself contain slashes. A false return means the key is outside the
// pipeline namespace, which is not an error.
func ParseKey(raw string) (Key, bool) {
	parts := strings.SplitN(raw, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Key{}, false
	}
	st, ok := Parse(parts[1])
	if !ok {
		return Key{}, false
	}
	return Key{UserID: parts[0], Stage: st, Rel: parts[2]}, true
}

func (k Key) String() string {
	return k.UserID + "/" + string(k.Stage) + "/" + k.Rel
}

// Sibling returns the key for the same user at a different stage.
func (k Key) Sibling(st Stage, rel string) Key {
	return Key{UserID: k.UserID, Stage: st, Rel: rel}
}

// JSONRel swaps the extension of the relative path for .json, the
// convention every stage output follows. `export.csv` → `export.json`.
func (k Key) JSONRel() string {
	rel := k.Rel
	if i := strings.LastIndex(rel, "."); i > strings.LastIndex(rel, "/") {
		rel = rel[:i]
	}
	return rel + ".json"
}
