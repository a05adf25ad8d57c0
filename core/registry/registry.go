package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cordum/tradeflow/core/workflow"
)

// Params are the named values a worker pattern captured from a query.
type Params map[string]string

// ParamUserID is added to worker params by the caller so account-scoped
// workers know whose data to read. Patterns never capture it.
const ParamUserID = "user_id"

// Result is what a fast-path worker returns to the caller.
type Result struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// WorkerFunc answers a fully parameterized lookup.
type WorkerFunc func(ctx context.Context, params Params) (*Result, error)

// AnswerFunc produces a direct answer for queries that need no data or action.
// ok is false when the answerer has nothing to say.
type AnswerFunc func(ctx context.Context, query string) (text string, ok bool)

// Worker is a fast-path capability. Patterns are matched case-insensitively;
// named groups become params and every Required param must be captured.
type Worker struct {
	Name        string
	Description string
	Patterns    []*regexp.Regexp
	Required    []string
	Run         WorkerFunc
}

type answerer struct {
	name string
	fn   AnswerFunc
}

// Builder collects capabilities before the registry is frozen.
type Builder struct {
	workers   []Worker
	answerers []answerer
	workflows map[string]*workflow.Definition
	errs      []string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{workflows: map[string]*workflow.Definition{}}
}

// Worker registers a fast-path worker.
func (b *Builder) Worker(w Worker) *Builder {
	b.workers = append(b.workers, w)
	return b
}

// Answerer registers a direct-answer generator. Answerers are consulted in
// registration order.
func (b *Builder) Answerer(name string, fn AnswerFunc) *Builder {
	b.answerers = append(b.answerers, answerer{name: name, fn: fn})
	return b
}

// Workflow registers a workflow definition.
func (b *Builder) Workflow(def *workflow.Definition) *Builder {
	if def == nil {
		b.errs = append(b.errs, "nil workflow definition")
		return b
	}
	if _, dup := b.workflows[def.Name]; dup {
		b.errs = append(b.errs, "duplicate workflow "+def.Name)
		return b
	}
	b.workflows[def.Name] = def
	return b
}

// Build validates everything and returns an immutable registry.
func (b *Builder) Build() (*Registry, error) {
	errs := append([]string(nil), b.errs...)
	seen := map[string]bool{}
	for _, w := range b.workers {
		if w.Name == "" || w.Run == nil || len(w.Patterns) == 0 {
			errs = append(errs, fmt.Sprintf("worker %q needs a name, patterns and a body", w.Name))
			continue
		}
		if seen[w.Name] {
			errs = append(errs, "duplicate worker "+w.Name)
		}
		seen[w.Name] = true
		for _, re := range w.Patterns {
			groups := map[string]bool{}
			for _, name := range re.SubexpNames() {
				groups[name] = true
			}
			for _, req := range w.Required {
				if !groups[req] {
					errs = append(errs, fmt.Sprintf("worker %s pattern %q lacks group %s", w.Name, re.String(), req))
				}
			}
		}
	}
	for _, a := range b.answerers {
		if a.name == "" || a.fn == nil {
			errs = append(errs, "answerer needs a name and a body")
		}
	}
	for _, def := range b.workflows {
		if err := def.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("registry: %s", strings.Join(errs, "; "))
	}
	workflows := make(map[string]*workflow.Definition, len(b.workflows))
	for name, def := range b.workflows {
		workflows[name] = def
	}
	return &Registry{
		workers:   append([]Worker(nil), b.workers...),
		answerers: append([]answerer(nil), b.answerers...),
		workflows: workflows,
	}, nil
}

// Registry is the immutable capability set shared by router and engine.
type Registry struct {
	workers   []Worker
	answerers []answerer
	workflows map[string]*workflow.Definition
}

// WorkerMatch is a worker whose required params all resolved from a query.
type WorkerMatch struct {
	Worker *Worker
	Params Params
}

// MatchWorker returns the first worker, in registration order, whose pattern
// matches query with every required param captured.
func (r *Registry) MatchWorker(query string) (WorkerMatch, bool) {
	q := strings.TrimSpace(query)
	for i := range r.workers {
		w := &r.workers[i]
		for _, re := range w.Patterns {
			m := re.FindStringSubmatch(q)
			if m == nil {
				continue
			}
			params := Params{}
			for idx, name := range re.SubexpNames() {
				if name != "" && idx < len(m) && m[idx] != "" {
					params[name] = strings.TrimSpace(m[idx])
				}
			}
			if complete(params, w.Required) {
				return WorkerMatch{Worker: w, Params: params}, true
			}
		}
	}
	return WorkerMatch{}, false
}

// Worker returns a registered worker by name.
func (r *Registry) Worker(name string) (*Worker, bool) {
	for i := range r.workers {
		if r.workers[i].Name == name {
			return &r.workers[i], true
		}
	}
	return nil, false
}

// Answer asks each answerer in turn.
func (r *Registry) Answer(ctx context.Context, query string) (string, bool) {
	for _, a := range r.answerers {
		if text, ok := a.fn(ctx, query); ok && strings.TrimSpace(text) != "" {
			return text, true
		}
	}
	return "", false
}

// Workflow implements workflow.Catalog.
func (r *Registry) Workflow(name string) (*workflow.Definition, bool) {
	def, ok := r.workflows[name]
	return def, ok
}

// WorkflowNames lists registered workflows alphabetically.
func (r *Registry) WorkflowNames() []string {
	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func complete(params Params, required []string) bool {
	for _, name := range required {
		if params[name] == "" {
			return false
		}
	}
	return true
}
