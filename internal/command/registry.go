package command

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jtstockton/meshcore-bot/internal/config"
)

// Registry holds the installed command set and the factories to rebuild it.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[string]Factory
	commands  map[string]Command
}

func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:      deps,
		factories: map[string]Factory{},
		commands:  map[string]Command{},
	}
	r.RegisterFactory("ping", NewPing)
	r.RegisterFactory("test", NewTest)
	r.RegisterFactory("mesh", NewMesh)
	r.RegisterFactory("greeter", NewGreeter)
	r.RegisterFactory("wx", NewWx)
	r.RegisterFactory("wx_international", NewWxInternational)
	return r
}

// RegisterFactory installs a factory under a plugin name. Registering after
// BuildAll requires a Reload to take effect.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// BuildAll constructs every enabled command. [Plugin_Overrides] can disable
// plugins or swap wx for wx_international; both being live at once would
// fight over the wx keywords, so the international variant replaces the
// domestic one.
func (r *Registry) BuildAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := map[string]bool{}
	for name := range r.factories {
		enabled[name] = name != "wx_international"
	}
	for name, v := range r.deps.Cfg.PluginOverrides {
		on := isTruthy(v)
		if _, known := enabled[strings.ToLower(name)]; !known {
			r.deps.Log.Warn("plugin override for unknown plugin", "plugin", name)
			continue
		}
		enabled[strings.ToLower(name)] = on
	}
	if enabled["wx_international"] {
		enabled["wx"] = false
	}

	r.commands = map[string]Command{}
	for name, factory := range r.factories {
		if !enabled[name] {
			continue
		}
		cmd := factory(r.deps, r.deps.Cfg.CommandSections[sectionName(name)])
		if !cmd.Meta().Enabled {
			continue
		}
		r.commands[name] = cmd
	}
	r.warnKeywordConflictsLocked()
}

// Reload rebuilds a single command from its factory and the current config.
func (r *Registry) Reload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("no such plugin: %s", name)
	}
	r.commands[name] = factory(r.deps, r.deps.Cfg.CommandSections[sectionName(name)])
	return nil
}

// ApplyConfig swaps in a reloaded config and rebuilds the command set.
func (r *Registry) ApplyConfig(cfg *config.Config) {
	r.mu.Lock()
	r.deps.Cfg = cfg
	r.mu.Unlock()
	r.BuildAll()
}

// Commands returns the installed set in stable name order.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Command, 0, len(names))
	for _, name := range names {
		out = append(out, r.commands[name])
	}
	return out
}

func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

func (r *Registry) warnKeywordConflictsLocked() {
	seen := map[string]string{}
	for name, cmd := range r.commands {
		for _, k := range cmd.Keywords() {
			key := strings.ToLower(k)
			if other, dup := seen[key]; dup {
				r.deps.Log.Warn("keyword claimed by two plugins, first match wins",
					"keyword", key, "plugins", other+","+name)
				continue
			}
			seen[key] = name
		}
	}
}

// sectionName maps a plugin name onto its config section key, e.g. the ping
// plugin reads [Ping_Command] and wx_international [Wx_International_Command].
func sectionName(plugin string) string {
	parts := strings.Split(plugin, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "_")
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1", "enabled":
		return true
	default:
		return false
	}
}
