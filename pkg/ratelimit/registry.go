package ratelimit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// policyFile is the on-disk policy format:
//
//	policies:
//	  - name: api
//	    window: 1m
//	    max_requests: 100
//	    key_by: ip
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// Registry holds the named policies. File-loaded policies override the
// defaults by name; defaults not named in the file stay in force.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string]Policy
	policies map[string]Policy
}

// NewRegistry creates a registry seeded with defaults.
func NewRegistry(defaults ...Policy) *Registry {
	if len(defaults) == 0 {
		defaults = DefaultPolicies()
	}
	r := &Registry{defaults: make(map[string]Policy, len(defaults))}
	for _, p := range defaults {
		r.defaults[p.Name] = p
	}
	r.policies = r.merged(nil)
	return r
}

func (r *Registry) merged(overrides []Policy) map[string]Policy {
	out := make(map[string]Policy, len(r.defaults)+len(overrides))
	for name, p := range r.defaults {
		out[name] = p
	}
	for _, p := range overrides {
		out[p.Name] = p
	}
	return out
}

// Get returns the policy called name.
func (r *Registry) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// Names lists the registered policy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParsePolicies decodes and validates a policy document.
func ParsePolicies(data []byte) ([]Policy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	seen := make(map[string]bool, len(doc.Policies))
	for _, p := range doc.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("policy %s defined twice", p.Name)
		}
		seen[p.Name] = true
	}
	return doc.Policies, nil
}

// LoadFile replaces the file-defined policies. On error the previous set
// stays in force.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	policies, err := ParsePolicies(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	merged := r.merged(policies)
	r.mu.Lock()
	r.policies = merged
	r.mu.Unlock()
	return nil
}

// Watch reloads path whenever it is written or replaced, until ctx is done.
// The parent directory is watched so editors that rename over the file are
// picked up. Reload failures are logged and the old policies kept.
func (r *Registry) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "policy watcher")
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(abs); err != nil {
					logger.WithError(err).Warn("Rate limit policy reload failed; keeping previous policies")
					continue
				}
				logger.WithField("policies", r.Names()).Info("Reloaded rate limit policies")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Policy watcher error")
			}
		}
	}()
	return nil
}
