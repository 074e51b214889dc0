package couchmodel

import (
	"fmt"
	"strings"
	"time"

	"github.com/couchmodel/couchmodel.go/pkg/migrate"
)

// Report lists the outcome of every unit of one run, in discovery order.
type Report struct {
	RunID    string
	Op       string
	Outcomes []migrate.Outcome
	Elapsed  time.Duration
	// Err is set when the run stopped before all targets were planned.
	Err error
}

// Count returns the number of outcomes with status s.
func (r *Report) Count(s migrate.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

func (r *Report) Failed() []migrate.Outcome {
	var out []migrate.Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// OK reports whether the run completed without failed units.
func (r *Report) OK() bool {
	return r.Err == nil && len(r.Failed()) == 0
}

// String renders one "<database>/<design> <outcome>" line per unit followed
// by a summary line.
func (r *Report) String() string {
	var b strings.Builder
	for _, o := range r.Outcomes {
		fmt.Fprintf(&b, "%s %s", o.Target, o)
		if o.Err != nil {
			fmt.Fprintf(&b, " (%v)", o.Err)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "run %s %s: %d units, %d failed", r.RunID, r.Op, len(r.Outcomes), len(r.Failed()))
	if r.Err != nil {
		fmt.Fprintf(&b, ", stopped: %v", r.Err)
	}
	b.WriteByte('\n')
	return b.String()
}
