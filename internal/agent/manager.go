package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sevir/cadence/internal/engine"
	"github.com/sevir/cadence/pkg/models"
)

// Engine names known to every registry.
const (
	EngineScript  = "script"
	EngineProcess = "process"
)

// Factory builds the engine that runs one task. It may fill task fields
// such as LogFile.
type Factory func(task *models.Task, req models.SpawnRequest) (engine.Engine, error)

// Registry maps engine names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	def       string
}

// NewRegistry creates a registry with the script engine registered.
// def names the engine used when a request names none.
func NewRegistry(def string) *Registry {
	if def == "" {
		def = EngineScript
	}
	r := &Registry{factories: make(map[string]Factory), def: def}
	r.Register(EngineScript, ScriptFactory())
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Default returns the engine name used for requests that name none.
func (r *Registry) Default() string {
	return r.def
}

// Names lists the registered engines.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that name is empty or registered.
func (r *Registry) Validate(name string) error {
	if name == "" {
		return nil
	}
	r.mu.RLock()
	_, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("invalid engine: %s (valid: %s)", name, strings.Join(r.Names(), ", "))
	}
	return nil
}

// Build creates the engine for task. task.Engine is set to the resolved
// engine name.
func (r *Registry) Build(task *models.Task, req models.SpawnRequest) (engine.Engine, error) {
	name := req.Engine
	if name == "" {
		name = r.def
	}
	if err := r.Validate(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f := r.factories[name]
	r.mu.RUnlock()

	task.Engine = name
	return f(task, req)
}

// ScriptFactory builds scripted engines from the inline YAML in
// req.Script. Requests never name files; callers that start from a file
// read it themselves.
func ScriptFactory() Factory {
	return func(_ *models.Task, req models.SpawnRequest) (engine.Engine, error) {
		if strings.TrimSpace(req.Script) == "" {
			return nil, fmt.Errorf("script engine needs a script")
		}
		s, err := engine.ParseScript([]byte(req.Script))
		if err != nil {
			return nil, err
		}
		return s.Engine(), nil
	}
}

// ProcessFactory builds process engines from base. Request args are
// appended to base.Args and the task's work dir replaces base.WorkDir.
func ProcessFactory(base ProcessConfig) Factory {
	return func(task *models.Task, req models.SpawnRequest) (engine.Engine, error) {
		if base.Command == "" {
			return nil, fmt.Errorf("process engine needs a command")
		}
		cfg := base
		cfg.Args = append(append([]string(nil), base.Args...), req.Args...)
		if task.WorkDir != "" {
			cfg.WorkDir = task.WorkDir
		}
		p := NewProcessEngine(task.ID, task.Prompt, cfg)
		task.LogFile = p.LogFile()
		return p, nil
	}
}
