package job

import (
	"fmt"
	"slices"
	"strings"

	"github.com/r3labs/diff/v3"
)

// Op is the kind of a field-level change.
type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpRemove Op = "remove"
)

// Change is one field-level difference between two records. Path is the
// dot-separated field path using the records' JSON names (e.g. "runs.0.state").
type Change struct {
	Op   Op     `json:"op"`
	Path string `json:"path"`
	From any    `json:"from,omitempty"`
	To   any    `json:"to,omitempty"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s: %v -> %v", c.Op, c.Path, c.From, c.To)
}

// Diff is the ordered list of changes between two successive records.
type Diff []Change

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d) == 0
}

// Touches reports whether any change is on field or below it.
func (d Diff) Touches(field string) bool {
	return slices.ContainsFunc(d, func(c Change) bool {
		return c.Path == field || strings.HasPrefix(c.Path, field+".")
	})
}

// Paths returns the changed paths in order.
func (d Diff) Paths() []string {
	out := make([]string, len(d))
	for i, c := range d {
		out[i] = c.Path
	}
	return out
}

// Compare returns the changes turning prev into next, ordered by path.
func Compare(prev, next Record) (Diff, error) {
	changelog, err := diff.Diff(prev, next, diff.SliceOrdering(true))
	if err != nil {
		return nil, fmt.Errorf("diff records: %w", err)
	}

	out := make(Diff, 0, len(changelog))
	for _, c := range changelog {
		path := c.Path
		if len(path) > 0 && path[0] == "spec" {
			path = path[1:]
		}
		out = append(out, Change{
			Op:   opFromChangeType(c.Type),
			Path: strings.Join(path, "."),
			From: c.From,
			To:   c.To,
		})
	}
	slices.SortStableFunc(out, func(a, b Change) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out, nil
}

func opFromChangeType(t string) Op {
	switch t {
	case diff.CREATE:
		return OpAdd
	case diff.DELETE:
		return OpRemove
	default:
		return OpChange
	}
}
