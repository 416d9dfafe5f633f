package planner

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/sourceplane/marketsync/internal/model"
)

// StepRenderer resolves template variables in step commands
type StepRenderer struct {
	mu            sync.Mutex
	templateCache map[string]*template.Template
}

// RenderContext holds the values available to step templates
type RenderContext struct {
	Family    model.Family
	Event     model.EventKind
	Date      string // YYYY-MM-DD of the firing
	Timestamp string // YYYYMMDDHHMM of the firing, the collectors' file suffix
}

// NewRenderContext derives template values from a job and the firing that started it
func NewRenderContext(family model.Family, event model.Event) RenderContext {
	at := event.FiredAt
	if at.IsZero() {
		at = time.Now()
	}
	return RenderContext{
		Family:    family,
		Event:     event.Kind,
		Date:      at.Format("2006-01-02"),
		Timestamp: at.Format("200601021504"),
	}
}

// NewStepRenderer creates a renderer with an empty template cache
func NewStepRenderer() *StepRenderer {
	return &StepRenderer{
		templateCache: make(map[string]*template.Template),
	}
}

// RenderSteps returns copies of the steps with Run and Args templates executed.
// Templates are cached by source text so repeated firings skip re-parsing.
func (r *StepRenderer) RenderSteps(steps []model.Step, ctx RenderContext) ([]model.Step, error) {
	rendered := make([]model.Step, 0, len(steps))

	for _, step := range steps {
		run, err := r.render(fmt.Sprintf("%s:%s:run", ctx.Family, step.Name), step.Run, ctx)
		if err != nil {
			return nil, fmt.Errorf("invalid template in step %s: %w", step.Name, err)
		}

		var args []string
		for i, arg := range step.Args {
			value, err := r.render(fmt.Sprintf("%s:%s:arg%d", ctx.Family, step.Name, i), arg, ctx)
			if err != nil {
				return nil, fmt.Errorf("invalid template in step %s argument %d: %w", step.Name, i, err)
			}
			args = append(args, value)
		}

		out := step
		out.Run = run
		out.Args = args
		rendered = append(rendered, out)
	}

	return rendered, nil
}

func (r *StepRenderer) render(name, text string, ctx RenderContext) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	r.mu.Lock()
	tmpl, exists := r.templateCache[text]
	if !exists {
		var err error
		tmpl, err = template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		r.templateCache[text] = tmpl
	}
	r.mu.Unlock()

	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", err
	}
	return buf.String(), nil
}
