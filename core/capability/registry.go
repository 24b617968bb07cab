// Package capability is the capability registry (C3): the per-feature
// configuration layer that decides whether a feature may run at all and,
// if it needs an LLM, which routing preference applies. It sits above
// core/gate — the registry decides intent ("is this feature allowed to use
// an LLM"), the gate decides mechanism ("is the specific provider grant
// live right now").
package capability

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/scrubline/scrubline/core/apperr"
)

// RoutingOverride narrows or widens a feature's default LLM routing
// preference. Disabled always wins over the master switch being on.
type RoutingOverride string

const (
	RoutingDefault       RoutingOverride = ""
	RoutingDisabled      RoutingOverride = "disabled"
	RoutingLocal         RoutingOverride = "local_only"
	RoutingPreferLocal   RoutingOverride = "prefer_local"
	RoutingBestAvailable RoutingOverride = "best_available"
)

// FeatureConfig is one feature's entry in the registry.
type FeatureConfig struct {
	Enabled         bool            `yaml:"enabled"`
	RequiresLLM     bool            `yaml:"requires_llm"`
	RoutingOverride RoutingOverride `yaml:"routing_override"`
	Permissions     []string        `yaml:"permissions"` // subject identifiers this feature may request grants as
	ForceLocal      bool            `yaml:"force_local"` // file-system and email PII scans force local routing when enabled
}

// fileFormat is the on-disk shape of the capability YAML file.
type fileFormat struct {
	LLMEnabled bool                     `yaml:"llm_enabled"`
	Features   map[string]FeatureConfig `yaml:"features"`
}

// Known feature identifiers. Declared so callers don't stringly-type them.
const (
	FeatureFileSystemScan = "file_system_scan"
	FeatureEmailPIIScan   = "email_pii_scan"
	FeatureBrokerScan     = "broker_scan"
	FeatureRemoval        = "removal"
	FeatureMailDraft      = "mail_draft"
	FeatureVerification   = "verification"
	FeatureChatStatus     = "chat_status"
)

func defaultFeatures() map[string]FeatureConfig {
	return map[string]FeatureConfig{
		FeatureFileSystemScan: {Enabled: false, RequiresLLM: true, ForceLocal: true},
		FeatureEmailPIIScan:   {Enabled: false, RequiresLLM: true, ForceLocal: true},
		FeatureBrokerScan:     {Enabled: true, RequiresLLM: false},
		FeatureRemoval:        {Enabled: true, RequiresLLM: false},
		FeatureMailDraft:      {Enabled: true, RequiresLLM: true},
		FeatureVerification:   {Enabled: true, RequiresLLM: false},
		FeatureChatStatus:     {Enabled: true, RequiresLLM: true},
	}
}

// ProviderGrantChecker is the narrow interface the registry consults to
// decide whether a feature's provider grant is currently Allowed. core/gate
// implements it; capability never imports core/gate directly.
type ProviderGrantChecker interface {
	LLMGrantAllowed(ctx context.Context, feature string) (bool, error)
}

// Registry holds the live capability configuration and watches its backing
// file for changes so a shell-driven permission edit takes effect without a
// process restart, per the gate's "revocation takes effect before the next
// check" guarantee.
type Registry struct {
	mu       sync.RWMutex
	llmOn    bool
	features map[string]FeatureConfig

	path    string
	watcher *fsnotify.Watcher
	checker ProviderGrantChecker
}

// Option configures a Registry.
type Option func(*Registry)

// WithProviderGrantChecker wires the permission-gate lookup used by
// LLMForFeature's final clause.
func WithProviderGrantChecker(c ProviderGrantChecker) Option {
	return func(r *Registry) { r.checker = c }
}

// NewDefault returns a Registry seeded with the built-in defaults: the LLM
// master switch is off, file-system and email PII scans are disabled (and
// force local routing if ever enabled), everything else is on.
func NewDefault(opts ...Option) *Registry {
	r := &Registry{llmOn: false, features: defaultFeatures()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load reads path, merging its contents over the built-in defaults, and
// begins watching it for subsequent edits. Call Close when done.
func Load(path string, opts ...Option) (*Registry, error) {
	r := NewDefault(opts...)
	r.path = path

	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "creating capability file watcher", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, apperr.Wrap(apperr.KindIO, "watching capability file", err)
	}
	r.watcher = watcher

	go r.watchLoop()
	return r, nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = r.reload() // a malformed edit leaves the prior config in force
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "reading capability file", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return apperr.Wrap(apperr.KindValidation, "parsing capability file", err)
	}

	merged := defaultFeatures()
	for name, cfg := range ff.Features {
		merged[name] = cfg
	}

	r.mu.Lock()
	r.llmOn = ff.LLMEnabled
	r.features = merged
	r.mu.Unlock()
	return nil
}

// Close stops watching the backing file, if any.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

// Feature returns the current config for name, or the zero value and false
// if it isn't registered.
func (r *Registry) Feature(name string) (FeatureConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.features[name]
	return cfg, ok
}

// LLMMasterEnabled reports the global kill switch state.
func (r *Registry) LLMMasterEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llmOn
}

// LLMForFeature returns the routing preference to use for name, or an error
// if the feature may not use an LLM right now. It returns
// (RoutingDisabled, err) rather than panicking so callers always get an
// explicit, typed refusal to propagate.
//
// An LLM call for feature is permitted iff: the master switch is on, the
// feature is enabled, its routing override is not Disabled, and (when a
// checker is wired) the feature's provider grant is Allowed.
func (r *Registry) LLMForFeature(ctx context.Context, feature string) (RoutingOverride, error) {
	r.mu.RLock()
	llmOn := r.llmOn
	cfg, ok := r.features[feature]
	r.mu.RUnlock()

	if !ok {
		return RoutingDisabled, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown feature %q", feature))
	}
	if !llmOn {
		return RoutingDisabled, apperr.New(apperr.KindPolicyViolation, "LLM master switch is off")
	}
	if !cfg.Enabled {
		return RoutingDisabled, apperr.New(apperr.KindPolicyViolation, fmt.Sprintf("feature %q is disabled", feature))
	}
	if !cfg.RequiresLLM {
		return RoutingDisabled, apperr.New(apperr.KindValidation, fmt.Sprintf("feature %q does not use an LLM", feature))
	}
	if cfg.RoutingOverride == RoutingDisabled {
		return RoutingDisabled, apperr.New(apperr.KindPolicyViolation, fmt.Sprintf("feature %q has LLM routing disabled", feature))
	}

	if r.checker != nil {
		allowed, err := r.checker.LLMGrantAllowed(ctx, feature)
		if err != nil {
			return RoutingDisabled, err
		}
		if !allowed {
			return RoutingDisabled, apperr.New(apperr.KindPermissionDenied, fmt.Sprintf("no live LLM provider grant for feature %q", feature))
		}
	}

	if cfg.ForceLocal {
		return RoutingLocal, nil
	}
	if cfg.RoutingOverride != RoutingDefault {
		return cfg.RoutingOverride, nil
	}
	return RoutingBestAvailable, nil
}
