package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"tiny-agent/internal/tool"
	"tiny-agent/pkg/logger"
)

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	log       *slog.Logger
}

type instance struct {
	mu     sync.Mutex
	Plugin Plugin
	Info   Info
	State  State
	Config map[string]any
	Policy IsolationPolicy
	Source string
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: PolicyStrategy{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		log:       logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = orDefaultStrategy(m.isolation)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) executionContext(ctx context.Context, id string, inst *instance) *ExecutionContext {
	return &ExecutionContext{
		C:         ctx,
		Config:    inst.Config,
		Resources: m.resources,
		Logger:    m.log.With(slog.String("plugin", id)),
	}
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{Plugin: p, Info: mergeInfo(info, id), State: StateRegistered, Config: cfg, Policy: policy, Source: "manual"}
	m.log.Debug("plugin registered", slog.String("plugin", id))
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	if err := m.Register(id, p, cfg, policy); err != nil {
		return err
	}
	m.mu.Lock()
	m.registry[id].Source = path
	m.mu.Unlock()
	return nil
}

// Start initialises and starts a plugin by id.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateStarted {
		return nil
	}
	execCtx := m.executionContext(ctx, id, inst)
	if inst.State == StateRegistered {
		if err := inst.Plugin.Init(execCtx.Clone()); err != nil {
			return fmt.Errorf("initialise plugin %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := inst.Plugin.Start(execCtx.Clone()); err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	inst.State = StateStarted
	m.log.Info("plugin started", slog.String("plugin", id))
	return nil
}

// Stop halts a plugin if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	execCtx := m.executionContext(ctx, id, inst)
	if err := inst.Plugin.Stop(execCtx.Clone()); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	m.log.Info("plugin stopped", slog.String("plugin", id))
	return nil
}

// StartAll starts all registered plugins in id order. When one fails, the
// plugins started by this call are stopped again in reverse order.
func (m *Manager) StartAll(ctx context.Context) error {
	var started []string
	for _, id := range m.ids() {
		if state, _ := m.State(id); state == StateStarted {
			continue
		}
		if err := m.Start(ctx, id); err != nil {
			slices.Reverse(started)
			for _, prev := range started {
				if stopErr := m.Stop(ctx, prev); stopErr != nil {
					err = errors.Join(err, stopErr)
				}
			}
			return err
		}
		started = append(started, id)
	}
	return nil
}

// StopAll stops all active plugins in reverse id order. Every plugin is
// attempted; the errors are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	ids := m.ids()
	slices.Reverse(ids)
	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Infos returns the metadata of every registered plugin sorted by id.
func (m *Manager) Infos() []Info {
	ids := m.ids()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if inst, err := m.get(id); err == nil {
			out = append(out, inst.Info)
		}
	}
	return out
}

// Tools collects the tools contributed by started plugins. A tool may only
// declare capabilities that its plugin declared and that the plugin policy
// permits.
func (m *Manager) Tools() ([]tool.Tool, error) {
	var out []tool.Tool
	for _, id := range m.ids() {
		inst, err := m.get(id)
		if err != nil {
			continue
		}
		inst.mu.Lock()
		state := inst.State
		inst.mu.Unlock()
		provider, ok := inst.Plugin.(ToolProvider)
		if !ok || state != StateStarted {
			continue
		}
		for _, t := range provider.Tools() {
			if t == nil {
				continue
			}
			if err := m.isolation.ValidateTool(inst.Info, t.Info(), inst.Policy); err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.registry))
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for _, id := range cfg.EnabledIDs() {
		pluginCfg := cfg.Plugins[id]
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		if err := m.Load(id, path, cloneConfig(pluginCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return maps.Clone(cfg)
}
