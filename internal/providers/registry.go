package providers

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/common"
)

// Registry holds the configured providers and tracks which one is active.
// The active choice persists in the config file across restarts.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	config    *Config
}

// NewRegistry creates a registry persisting its state through cfg.
func NewRegistry(cfg *Config) *Registry {
	return &Registry{
		providers: map[string]Provider{},
		config:    cfg,
	}
}

// Register adds a provider under its name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	klog.V(1).Infof("providers: registered %s", p.Name())
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.Errorf("unknown provider %q, have %v", name, common.SortedKeys(r.providers))
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return common.SortedKeys(r.providers)
}

// SetActive makes name the active provider and persists the choice.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return errors.Errorf("unknown provider %q, have %v", name, common.SortedKeys(r.providers))
	}
	r.config.ActiveProvider = name
	return r.config.Save()
}

// Active returns the active provider, or nil when none is set.
func (r *Registry) Active() Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config.ActiveProvider == "" {
		return nil
	}
	return r.providers[r.config.ActiveProvider]
}

// Config returns the backing config.
func (r *Registry) Config() *Config {
	return r.config
}

// RememberPod persists the launched pod so a later run can reattach.
func (r *Registry) RememberPod(provider, podID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.LastPod = &PodRef{Provider: provider, PodID: podID}
	return r.config.Save()
}

// ForgetPod clears the remembered pod.
func (r *Registry) ForgetPod() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.LastPod = nil
	return r.config.Save()
}

// LastPod returns the remembered pod, or nil.
func (r *Registry) LastPod() *PodRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.LastPod
}
