package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/messaging"
	"github.com/THPTUHA/careflow/server/storage/models"
)

// nodeResult is what a node executor reports back to the walker.
type nodeResult struct {
	Status     models.NodeStatus
	Output     map[string]string
	Err        error
	Next       []workflow.Edge
	DeferUntil time.Time
	// Offset is the delay accumulated once this node is passed.
	Offset time.Duration
}

// step is a node reached after offset of delay along the path that led there.
type step struct {
	id     string
	offset time.Duration
}

// policy decides what an error on a node does to the rest of the run.
type policy int

const (
	skipBranch policy = iota
	haltRun
)

func policyFor(n *workflow.Node) policy {
	switch d := n.Data.(type) {
	case *workflow.ActionNode:
		if d.HaltOnError {
			return haltRun
		}
	}
	return skipBranch
}

type walker struct {
	e      *Engine
	g      *workflow.Graph
	run    Run
	dry    bool
	sender messaging.Sender
	now    time.Time
	vars   map[string]string

	executionID string

	anchor  time.Time
	elapsed time.Duration

	log     []string
	results []models.NodeExecutionInfo
	visited map[step]bool
	reached map[string]bool

	deferred     []step
	nextEligible time.Time

	actionsOK     int
	actionsFailed int
	halted        error
	haltedBy      string
}

func newWalker(e *Engine, g *workflow.Graph, run Run, opts Options, now time.Time) *walker {
	w := &walker{
		e:       e,
		g:       g,
		run:     run,
		dry:     opts.DryRun,
		sender:  e.sender,
		now:     now,
		visited: make(map[step]bool),
		reached: make(map[string]bool),
	}
	if at := run.Context.TriggeredAt; at != nil {
		w.anchor = *at
	} else {
		w.anchor = now.AddDate(0, 0, -run.Context.DaysPassed)
	}
	w.elapsed = now.Sub(w.anchor)
	if w.dry {
		w.sender = &messaging.NoopSender{}
	}
	w.vars = variables(run, now)
	return w
}

func (w *walker) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if w.dry {
		line = "[dry-run] " + line
	}
	w.log = append(w.log, line)
}

func (w *walker) entryNodes() ([]step, error) {
	if len(w.run.Context.ResumeFrom) > 0 {
		out := make([]step, 0, len(w.run.Context.ResumeFrom))
		for _, id := range w.run.Context.ResumeFrom {
			if _, ok := w.g.Node(id); !ok {
				return nil, errs.NewValidation("context.resumeFrom", "unknown node %q", id)
			}
			out = append(out, step{id: id, offset: w.run.Context.ResumeOffsets[id]})
		}
		w.logf("Resuming at %v", w.run.Context.ResumeFrom)
		return out, nil
	}

	triggers := w.g.Triggers(w.run.Context.Trigger())
	out := make([]step, 0, len(triggers))
	for _, n := range triggers {
		out = append(out, step{id: n.ID})
	}
	return out, nil
}

// walk visits nodes breadth first. A node reached along paths with different
// accumulated delays is visited once per delay.
func (w *walker) walk(ctx context.Context, starts []step) {
	queue := make([]step, 0, len(starts))
	push := func(s step) {
		if !w.visited[s] {
			w.visited[s] = true
			w.reached[s.id] = true
			queue = append(queue, s)
		}
	}
	for _, s := range starts {
		push(s)
	}

	for len(queue) > 0 && w.halted == nil {
		cur := queue[0]
		queue = queue[1:]
		n, _ := w.g.Node(cur.id)

		started := w.e.now()
		res := w.execute(ctx, n, cur.offset)
		w.record(n, res, started)

		switch res.Status {
		case models.NodeSuccess, models.NodeSkipped:
			for _, edge := range res.Next {
				push(step{id: edge.Target, offset: res.Offset})
			}
		case models.NodePending:
			w.deferred = append(w.deferred, cur)
			if w.nextEligible.IsZero() || res.DeferUntil.Before(w.nextEligible) {
				w.nextEligible = res.DeferUntil
			}
		case models.NodeError:
			if policyFor(n) == haltRun {
				w.halted = &errs.NodeExecutionError{NodeID: n.ID, Kind: string(n.Kind), Err: res.Err}
				w.haltedBy = n.ID
				w.logf("Run halted by %s", n.ID)
			}
		}
	}

	w.markSkipped(starts)
}

// markSkipped records nodes reachable from the entry nodes that the walk
// never reached, unless they still wait behind a deferred node.
func (w *walker) markSkipped(starts []step) {
	waiting := make(map[string]bool)
	for _, id := range w.g.Descendants(stepIDs(w.deferred)...) {
		waiting[id] = true
	}
	reachable := make(map[string]bool)
	for _, id := range w.g.Descendants(stepIDs(starts)...) {
		reachable[id] = true
	}

	for _, n := range w.g.Definition().Nodes {
		if !reachable[n.ID] || w.reached[n.ID] || waiting[n.ID] {
			continue
		}
		w.results = append(w.results, models.NodeExecutionInfo{
			NodeID: n.ID,
			Kind:   n.Kind,
			Status: models.NodeSkipped,
		})
	}
}

func stepIDs(steps []step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.id)
	}
	return out
}

func (w *walker) record(n *workflow.Node, res nodeResult, started time.Time) {
	at := w.now
	info := models.NodeExecutionInfo{
		NodeID:          n.ID,
		Kind:            n.Kind,
		Status:          res.Status,
		ExecutionTimeMs: w.e.now().Sub(started).Milliseconds(),
		LastExecuted:    &at,
		Output:          res.Output,
	}
	if res.Err != nil {
		info.ErrorMessage = res.Err.Error()
	}
	w.results = append(w.results, info)
}

func (w *walker) result() *Result {
	res := &Result{TriggeredAt: w.anchor, Log: w.log, Results: w.results}
	switch {
	case w.halted != nil:
		res.Outcome = OutcomeFailed
	case len(w.deferred) > 0:
		res.Outcome = OutcomeDeferred
		res.NextEligibleAt = w.nextEligible
		res.ResumeOffsets = make(map[string]time.Duration, len(w.deferred))
		for _, s := range w.deferred {
			// A node deferred along several paths resumes on the shortest.
			if off, ok := res.ResumeOffsets[s.id]; ok && off <= s.offset {
				continue
			}
			if _, ok := res.ResumeOffsets[s.id]; !ok {
				res.ResumeFrom = append(res.ResumeFrom, s.id)
			}
			res.ResumeOffsets[s.id] = s.offset
		}
		sort.Strings(res.ResumeFrom)
	case w.actionsFailed > 0 && w.actionsOK == 0:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomeCompleted
	}
	res.Executed = res.Outcome == OutcomeCompleted
	return res
}

func (w *walker) failReason() string {
	if w.halted != nil {
		return fmt.Sprintf("node %s halted the run", w.haltedBy)
	}
	return fmt.Sprintf("all %d actions failed", w.actionsFailed)
}
