// Package defaults resolves workflow parameter defaults across layered
// sources. Precedence, highest first: per-call value, runtime
// overrides, config file, environment, hardcoded.
package defaults

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Namespaces in resolution order.
var Namespaces = []string{"image", "audio", "video"}

// Environment variables consulted for per-namespace model defaults.
const (
	EnvImageModel = "ATELIER_DEFAULT_IMAGE_MODEL"
	EnvAudioModel = "ATELIER_DEFAULT_AUDIO_MODEL"
	EnvVideoModel = "ATELIER_DEFAULT_VIDEO_MODEL"
)

// hardcoded is the lowest-precedence layer.
var hardcoded = map[string]map[string]any{
	"image": {
		"width":           512,
		"height":          512,
		"steps":           20,
		"cfg":             8.0,
		"sampler_name":    "euler",
		"scheduler":       "normal",
		"denoise":         1.0,
		"model":           "v1-5-pruned-emaonly.ckpt",
		"negative_prompt": "text, watermark",
	},
	"audio": {
		"steps":           50,
		"cfg":             5.0,
		"sampler_name":    "euler",
		"scheduler":       "simple",
		"denoise":         1.0,
		"seconds":         60,
		"lyrics_strength": 0.99,
		"model":           "ace_step_v1_3.5b.safetensors",
	},
	"video": {
		"width":           1280,
		"height":          720,
		"steps":           20,
		"cfg":             8.0,
		"sampler_name":    "euler",
		"scheduler":       "normal",
		"denoise":         1.0,
		"negative_prompt": "text, watermark",
		"duration":        5,
		"fps":             16,
	},
}

// ModelLister supplies the known model names for validation. A nil
// lister disables model validation.
type ModelLister interface {
	AvailableModels() []string
}

// Manager resolves and mutates defaults. Safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	runtime    map[string]map[string]any
	config     map[string]map[string]any
	configPath string
	models     ModelLister
	modelSet   map[string]bool
	invalid    map[string]string
	logger     *slog.Logger
	getenv     func(string) string
}

// Option configures a Manager.
type Option func(*Manager)

// WithModelLister enables model-name validation against the lister.
func WithModelLister(models ModelLister) Option {
	return func(m *Manager) { m.models = models }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a manager. configPath names the JSON file for
// persisted defaults; empty disables the config layer. Default models
// are validated at construction; failures log warnings, never abort.
func NewManager(configPath string, opts ...Option) *Manager {
	m := &Manager{
		runtime:    emptyNamespaces(),
		configPath: configPath,
		invalid:    map[string]string{},
		logger:     slog.Default(),
		getenv:     os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config = m.loadConfigDefaults()
	m.RefreshModels()
	m.validateAllDefaults()
	return m
}

func emptyNamespaces() map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, ns := range Namespaces {
		out[ns] = map[string]any{}
	}
	return out
}

func (m *Manager) loadConfigDefaults() map[string]map[string]any {
	out := emptyNamespaces()
	if m.configPath == "" {
		return out
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("read defaults config failed", "path", m.configPath, "error", err)
		}
		return out
	}
	var file struct {
		Defaults map[string]map[string]any `json:"defaults"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		m.logger.Warn("parse defaults config failed", "path", m.configPath, "error", err)
		return out
	}
	for _, ns := range Namespaces {
		if vals, ok := file.Defaults[ns]; ok {
			out[ns] = vals
		}
	}
	return out
}

func (m *Manager) envDefaults() map[string]map[string]any {
	out := emptyNamespaces()
	if v := m.getenv(EnvImageModel); v != "" {
		out["image"]["model"] = v
	}
	if v := m.getenv(EnvAudioModel); v != "" {
		out["audio"]["model"] = v
	}
	if v := m.getenv(EnvVideoModel); v != "" {
		out["video"]["model"] = v
	}
	return out
}

// Get resolves one key. provided wins when non-nil; otherwise the
// layers are consulted in precedence order. Returns nil when no layer
// has the key.
func (m *Manager) Get(namespace, key string, provided any) any {
	if provided != nil {
		return provided
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.runtime[namespace][key]; ok {
		return v
	}
	if v, ok := m.config[namespace][key]; ok {
		return v
	}
	if v, ok := m.envDefaults()[namespace][key]; ok {
		return v
	}
	if v, ok := hardcoded[namespace][key]; ok {
		return v
	}
	return nil
}

// All returns the effective defaults for every namespace, merged
// lowest-precedence first.
func (m *Manager) All() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env := m.envDefaults()
	out := map[string]map[string]any{}
	for _, ns := range Namespaces {
		merged := map[string]any{}
		for k, v := range hardcoded[ns] {
			merged[k] = v
		}
		for k, v := range env[ns] {
			merged[k] = v
		}
		for k, v := range m.config[ns] {
			merged[k] = v
		}
		for k, v := range m.runtime[ns] {
			merged[k] = v
		}
		out[ns] = merged
	}
	return out
}

// SetResult reports the outcome of a SetDefaults call.
type SetResult struct {
	Updated map[string]any `json:"updated,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// SetDefaults applies runtime overrides for one namespace and returns
// the subset actually updated. An unknown model name fails the whole
// call when validation is enabled.
func (m *Manager) SetDefaults(namespace string, values map[string]any, validateModels bool) (SetResult, error) {
	if !validNamespace(namespace) {
		return SetResult{}, fmt.Errorf("invalid namespace %q: must be one of image, audio, video", namespace)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if validateModels && m.models != nil {
		if model, ok := values["model"].(string); ok && len(m.modelSet) > 0 && !m.modelSet[model] {
			return SetResult{Errors: []string{
				fmt.Sprintf("Model %q not found. Use list_models to see available checkpoints.", model),
			}}, nil
		}
	}

	for k, v := range values {
		m.runtime[namespace][k] = v
	}

	if model, ok := values["model"].(string); ok && m.modelSet[model] {
		if m.invalid[namespace] == model {
			delete(m.invalid, namespace)
		}
	}
	return SetResult{Updated: values}, nil
}

// Persist writes namespace defaults into the config file, merging with
// its existing contents, and reloads the config layer.
func (m *Manager) Persist(namespace string, values map[string]any) error {
	if !validNamespace(namespace) {
		return fmt.Errorf("invalid namespace %q: must be one of image, audio, video", namespace)
	}
	if m.configPath == "" {
		return fmt.Errorf("no defaults config path configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var file map[string]any
	if data, err := os.ReadFile(m.configPath); err == nil {
		if err := json.Unmarshal(data, &file); err != nil {
			file = nil
		}
	}
	if file == nil {
		file = map[string]any{}
	}
	section, _ := file["defaults"].(map[string]any)
	if section == nil {
		section = map[string]any{}
	}
	existing, _ := section[namespace].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range values {
		existing[k] = v
	}
	section[namespace] = existing
	file["defaults"] = section

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("create defaults config dir: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode defaults config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("write defaults config: %w", err)
	}

	m.config = m.loadConfigDefaults()
	return nil
}

// RefreshModels re-reads the model list from the lister.
func (m *Manager) RefreshModels() {
	if m.models == nil {
		return
	}
	names := m.models.AvailableModels()
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	m.mu.Lock()
	m.modelSet = set
	m.mu.Unlock()
}

// ModelValid reports whether a model name may be used for a namespace.
// An empty name is valid (the default applies); with no model list
// loaded, everything passes.
func (m *Manager) ModelValid(namespace, model string) bool {
	if model == "" {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.invalid[namespace] == model {
		return false
	}
	if len(m.modelSet) == 0 {
		return true
	}
	return m.modelSet[model]
}

// validateAllDefaults flags default models that the backend does not
// know about. Non-fatal: generation with a flagged model fails later
// with a clear error instead of at startup.
func (m *Manager) validateAllDefaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.modelSet) == 0 {
		return
	}
	for _, ns := range Namespaces {
		model, _ := m.getLocked(ns, "model").(string)
		if model == "" || m.modelSet[model] {
			continue
		}
		m.logger.Warn("default model not found in backend checkpoints",
			"namespace", ns, "model", model)
		m.invalid[ns] = model
	}
}

// getLocked is Get without locking, for callers already holding mu.
func (m *Manager) getLocked(namespace, key string) any {
	if v, ok := m.runtime[namespace][key]; ok {
		return v
	}
	if v, ok := m.config[namespace][key]; ok {
		return v
	}
	if v, ok := m.envDefaults()[namespace][key]; ok {
		return v
	}
	if v, ok := hardcoded[namespace][key]; ok {
		return v
	}
	return nil
}

func validNamespace(ns string) bool {
	for _, known := range Namespaces {
		if ns == known {
			return true
		}
	}
	return false
}
