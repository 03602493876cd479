// Package fsm validates lifecycle transitions against a per-entity table.
//
// Every escrow entity declares its statuses as a string enum and registers
// the allowed edges once. Services ask the table before writing a new status;
// stores still compare-and-swap on the previous status.
package fsm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/custodia/internal/apperr"
)

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "custodia",
	Subsystem: "fsm",
	Name:      "transitions_total",
	Help:      "Checked lifecycle transitions by entity, from, to and outcome.",
}, []string{"entity", "from", "to", "outcome"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// TransitionError reports an edge missing from the table.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return apperr.ErrStateConflict }

// Table holds the allowed edges for one entity.
type Table[S ~string] struct {
	entity   string
	edges    map[S]map[S]struct{}
	terminal map[S]struct{}
}

// New builds a table. States listed in terminal may not have outgoing edges.
func New[S ~string](entity string, edges map[S][]S, terminal ...S) *Table[S] {
	t := &Table[S]{
		entity:   entity,
		edges:    make(map[S]map[S]struct{}, len(edges)),
		terminal: make(map[S]struct{}, len(terminal)),
	}
	for _, s := range terminal {
		t.terminal[s] = struct{}{}
	}
	for from, tos := range edges {
		if _, ok := t.terminal[from]; ok {
			panic(fmt.Sprintf("fsm: %s: terminal state %s has outgoing edges", entity, from))
		}
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		t.edges[from] = set
	}
	return t
}

// Can reports whether from → to is in the table.
func (t *Table[S]) Can(from, to S) bool {
	_, ok := t.edges[from][to]
	return ok
}

// Check returns a *TransitionError (a state conflict) when from → to is not allowed.
func (t *Table[S]) Check(from, to S) error {
	if t.Can(from, to) {
		transitionsTotal.WithLabelValues(t.entity, string(from), string(to), "allowed").Inc()
		return nil
	}
	transitionsTotal.WithLabelValues(t.entity, string(from), string(to), "rejected").Inc()
	return &TransitionError{Entity: t.entity, From: string(from), To: string(to)}
}

// IsTerminal reports whether s ends the lifecycle.
func (t *Table[S]) IsTerminal(s S) bool {
	_, ok := t.terminal[s]
	return ok
}

// Next lists the states reachable from s, sorted.
func (t *Table[S]) Next(s S) []S {
	out := make([]S, 0, len(t.edges[s]))
	for to := range t.edges[s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the table, one edge list per line. Used by the admin CLI.
func (t *Table[S]) String() string {
	froms := make([]S, 0, len(t.edges))
	for from := range t.edges {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(i, j int) bool { return froms[i] < froms[j] })

	var b strings.Builder
	for _, from := range froms {
		next := t.Next(from)
		parts := make([]string, len(next))
		for i, n := range next {
			parts[i] = string(n)
		}
		fmt.Fprintf(&b, "%s -> %s\n", from, strings.Join(parts, ", "))
	}
	return b.String()
}
