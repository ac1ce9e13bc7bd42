// Package label implements the classification lattice used for admission
// control: a five-level total order plus an unordered set of compartment tags.
package label

import (
	"fmt"
	"sort"
	"strings"
)

// Level is one step in the classification total order.
type Level string

const (
	LevelPublic       Level = "PUBLIC"
	LevelInternal     Level = "INTERNAL"
	LevelConfidential Level = "CONFIDENTIAL"
	LevelSecret       Level = "SECRET"
	LevelTopSecret    Level = "TOP_SECRET"
)

// levelRanks orders levels for dominance checks. Higher rank dominates lower.
var levelRanks = map[Level]int{
	LevelPublic:       0,
	LevelInternal:     1,
	LevelConfidential: 2,
	LevelSecret:       3,
	LevelTopSecret:    4,
}

// Rank returns the numeric position of the level in the total order.
// Unknown levels rank as PUBLIC.
func (l Level) Rank() int {
	return levelRanks[l]
}

// Valid reports whether the level is one of the five known levels.
func (l Level) Valid() bool {
	_, ok := levelRanks[l]
	return ok
}

// ParseLevel converts a string to a Level. The empty string parses to PUBLIC.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return LevelPublic, nil
	}
	l := Level(strings.ToUpper(s))
	if !l.Valid() {
		return "", fmt.Errorf("label: unknown level %q", s)
	}
	return l, nil
}

// Label classifies a collection or entry: a level plus compartment tags.
// The zero value is PUBLIC with no compartments.
type Label struct {
	Level        Level    `json:"level"`
	Compartments []string `json:"compartments,omitempty"`
}

// Normalize returns a copy with the level defaulted to PUBLIC and
// compartments sorted and deduplicated.
func (l Label) Normalize() Label {
	out := Label{Level: l.Level}
	if out.Level == "" {
		out.Level = LevelPublic
	}
	seen := make(map[string]bool, len(l.Compartments))
	for _, c := range l.Compartments {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out.Compartments = append(out.Compartments, c)
	}
	sort.Strings(out.Compartments)
	return out
}

func (l Label) String() string {
	if len(l.Compartments) == 0 {
		return string(l.Level)
	}
	return string(l.Level) + "//" + strings.Join(l.Compartments, ",")
}

// Clearance is the grant side of the lattice: the highest level and the
// compartment set a worker is allowed to see.
type Clearance struct {
	Level        Level    `json:"level"`
	Compartments []string `json:"compartments,omitempty"`
}

// Normalize returns a copy with the level defaulted to PUBLIC and
// compartments sorted and deduplicated.
func (c Clearance) Normalize() Clearance {
	l := Label{Level: c.Level, Compartments: c.Compartments}.Normalize()
	return Clearance{Level: l.Level, Compartments: l.Compartments}
}

// Dominates reports whether the clearance may see material under l: its
// level must be at least l's and its compartments a superset of l's.
func (c Clearance) Dominates(l Label) bool {
	if c.Level.Rank() < l.Level.Rank() {
		return false
	}
	if len(l.Compartments) == 0 {
		return true
	}
	held := make(map[string]bool, len(c.Compartments))
	for _, tag := range c.Compartments {
		held[tag] = true
	}
	for _, tag := range l.Compartments {
		if !held[tag] {
			return false
		}
	}
	return true
}

// Default returns the lowest clearance: PUBLIC, no compartments. Used when
// no grant exists for an (author, organization) pair.
func Default() Clearance {
	return Clearance{Level: LevelPublic}
}
