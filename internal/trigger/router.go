// Package trigger decides which job families a firing activates.
package trigger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourceplane/marketsync/internal/model"
)

var ErrUnknownFamily = errors.New("unknown job family")

// cronParser accepts the five-field expressions the workflow uses
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type route struct {
	family   model.Family
	cron     string
	schedule cron.Schedule
	needs    []model.Family
}

// Router maps firing events onto job families.
// Matching is exact string equality on the cron expression; parsing is only
// used to reject malformed schedules and to compute next firings.
type Router struct {
	routes map[model.Family]*route
	order  []model.Family
}

// NewRouter builds a router from a workflow, rejecting malformed cron
// strings and cron strings shared by two families
func NewRouter(workflow *model.Workflow) (*Router, error) {
	r := &Router{routes: make(map[model.Family]*route, len(workflow.Jobs))}
	owners := make(map[string]model.Family)

	for _, job := range workflow.Jobs {
		rt := &route{family: job.Family, cron: job.Schedule, needs: job.Needs}
		if job.Schedule != "" {
			schedule, err := cronParser.Parse(job.Schedule)
			if err != nil {
				return nil, fmt.Errorf("job %s: invalid schedule %q: %w", job.Family, job.Schedule, err)
			}
			if owner, taken := owners[job.Schedule]; taken {
				return nil, fmt.Errorf("schedule %q is bound to both %s and %s", job.Schedule, owner, job.Family)
			}
			owners[job.Schedule] = job.Family
			rt.schedule = schedule
		}
		r.routes[job.Family] = rt
		r.order = append(r.order, job.Family)
	}

	return r, nil
}

// Families returns every known family in declaration order
func (r *Router) Families() []model.Family {
	return append([]model.Family(nil), r.order...)
}

// Rules returns the schedule rules in declaration order
func (r *Router) Rules() []model.ScheduleRule {
	rules := make([]model.ScheduleRule, 0, len(r.order))
	for _, family := range r.order {
		if rt := r.routes[family]; rt.cron != "" {
			rules = append(rules, model.ScheduleRule{Cron: rt.cron, Family: family})
		}
	}
	return rules
}

// Activate decides for each family whether the event selects it.
// Gated families are reported active on a manual event; on a scheduled event
// they are only active when their own schedule matches, and their dependency
// gate is evaluated separately by GateOpen.
func (r *Router) Activate(event model.Event) map[model.Family]bool {
	active := make(map[model.Family]bool, len(r.routes))
	for family, rt := range r.routes {
		switch event.Kind {
		case model.EventManual:
			active[family] = true
		case model.EventScheduled:
			active[family] = rt.cron != "" && rt.cron == event.Cron
		default:
			active[family] = false
		}
	}
	return active
}

// Candidates returns the families the event may run: those it activates plus
// every gated family downstream of them. Sorted for deterministic output.
func (r *Router) Candidates(event model.Event) []model.Family {
	active := r.Activate(event)
	selected := make(map[model.Family]bool)
	for family, on := range active {
		if on {
			selected[family] = true
		}
	}

	// pull in gated families whose needs intersect the selection, to a fixed point
	for changed := true; changed; {
		changed = false
		for family, rt := range r.routes {
			if selected[family] || len(rt.needs) == 0 {
				continue
			}
			for _, need := range rt.needs {
				if selected[need] {
					selected[family] = true
					changed = true
					break
				}
			}
		}
	}

	families := make([]model.Family, 0, len(selected))
	for family := range selected {
		families = append(families, family)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })
	return families
}

// GateOpen reports whether a gated family may run given the statuses its
// upstream families reached during the same firing. Manual events bypass the
// gate. Families without needs are always open.
func (r *Router) GateOpen(family model.Family, event model.Event, upstream map[model.Family]model.RunStatus) (bool, error) {
	rt, ok := r.routes[family]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if len(rt.needs) == 0 || event.Kind == model.EventManual {
		return true, nil
	}
	for _, need := range rt.needs {
		if upstream[need] != model.RunStatusSucceeded {
			return false, nil
		}
	}
	return true, nil
}

// ShouldRun combines activation and the dependency gate for one family
func (r *Router) ShouldRun(family model.Family, event model.Event, upstream map[model.Family]model.RunStatus) (bool, error) {
	rt, ok := r.routes[family]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if len(rt.needs) == 0 {
		return r.Activate(event)[family], nil
	}
	if event.Kind != model.EventManual && rt.cron != "" && rt.cron != event.Cron {
		return false, nil
	}
	return r.GateOpen(family, event, upstream)
}

// Next returns the next firing time of a family's schedule after t, or the
// zero time for families without a schedule
func (r *Router) Next(family model.Family, t time.Time) (time.Time, error) {
	rt, ok := r.routes[family]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if rt.schedule == nil {
		return time.Time{}, nil
	}
	return rt.schedule.Next(t), nil
}
