package registry

import (
	"encoding/json"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// CircuitSource reports breaker state for health snapshots.
type CircuitSource interface {
	State(key string) types.CircuitState
}

// healthWindow is the rolling outcome window kept per model.
const healthWindow = 50

type healthRecord struct {
	outcomes            []bool // ring buffer of recent outcomes
	next                int
	filled              int
	avgLatencyMS        float64
	lastFailureAt       time.Time
	consecutiveFailures int
}

// Registry maintains registered models, their adapters, and per-backend
// health. Reads dominate, so strategy passes work on immutable snapshots.
type Registry struct {
	logger   *logrus.Logger
	circuits CircuitSource

	mu       sync.RWMutex
	models   map[string]types.ModelDescriptor
	byTag    map[string]map[string]struct{}
	adapters map[string]providers.Provider // keyed by provider tag
	health   map[string]*healthRecord
}

// Snapshot is an immutable view of the registry for one strategy pass.
type Snapshot struct {
	Models []types.ModelDescriptor
	Health map[string]types.BackendHealth
}

// New creates an empty registry.
func New(circuits CircuitSource, logger *logrus.Logger) *Registry {
	return &Registry{
		logger:   logger,
		circuits: circuits,
		models:   make(map[string]types.ModelDescriptor),
		byTag:    make(map[string]map[string]struct{}),
		adapters: make(map[string]providers.Provider),
		health:   make(map[string]*healthRecord),
	}
}

// RegisterAdapter makes a provider available for model registration.
func (r *Registry) RegisterAdapter(p providers.Provider) {
	r.mu.Lock()
	r.adapters[p.ID()] = p
	r.mu.Unlock()
	r.logger.WithField("provider", p.ID()).Info("Adapter registered")
}

// Adapter returns the provider serving a tag.
func (r *Registry) Adapter(tag string) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.adapters[tag]
	return p, ok
}

// Adapters returns all registered providers.
func (r *Registry) Adapters() []providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.Provider, 0, len(r.adapters))
	for _, p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Register adds a model. A duplicate id is an error.
func (r *Registry) Register(desc types.ModelDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[desc.ID]; exists {
		return types.NewError(types.KindInvalidRequest, "duplicate_model: "+desc.ID)
	}
	if _, ok := r.adapters[desc.ProviderTag]; !ok {
		return types.NewError(types.KindNotFound, "no adapter registered for provider "+desc.ProviderTag)
	}

	r.models[desc.ID] = desc
	if r.byTag[desc.ProviderTag] == nil {
		r.byTag[desc.ProviderTag] = make(map[string]struct{})
	}
	r.byTag[desc.ProviderTag][desc.ID] = struct{}{}
	r.health[desc.ID] = &healthRecord{outcomes: make([]bool, healthWindow)}

	r.logger.WithFields(logrus.Fields{
		"model":    desc.ID,
		"provider": desc.ProviderTag,
	}).Info("Model registered")
	return nil
}

// Unregister removes a model and its health record.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.models[id]
	if !ok {
		return types.NewError(types.KindNotFound, "model not registered: "+id)
	}
	delete(r.models, id)
	delete(r.health, id)
	delete(r.byTag[desc.ProviderTag], id)
	if len(r.byTag[desc.ProviderTag]) == 0 {
		delete(r.byTag, desc.ProviderTag)
	}
	return nil
}

// Get returns a registered descriptor.
func (r *Registry) Get(id string) (types.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	return d, ok
}

// Resolve maps a model hint to a canonical id. It accepts the canonical id
// itself, a bare model name, or a provider:model glob; ambiguous bare names
// resolve to the healthiest candidate.
func (r *Registry) Resolve(hint string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.models[hint]; ok {
		return hint, nil
	}

	var matches []string
	if strings.Contains(hint, ":") {
		// provider:model, possibly with glob metacharacters in either part.
		for id := range r.models {
			if ok, _ := path.Match(hint, id); ok {
				matches = append(matches, id)
			}
		}
	} else {
		for id, desc := range r.models {
			if desc.ModelName() == hint {
				matches = append(matches, id)
			}
		}
	}

	switch len(matches) {
	case 0:
		return "", types.NewError(types.KindNotFound, "no registered model matches "+hint)
	case 1:
		return matches[0], nil
	default:
		sort.Slice(matches, func(i, j int) bool {
			return r.successRateLocked(matches[i]) > r.successRateLocked(matches[j])
		})
		return matches[0], nil
	}
}

func (r *Registry) successRateLocked(id string) float64 {
	h, ok := r.health[id]
	if !ok || h.filled == 0 {
		return 1.0
	}
	succeeded := 0
	for i := 0; i < h.filled; i++ {
		if h.outcomes[i] {
			succeeded++
		}
	}
	return float64(succeeded) / float64(h.filled)
}

// UpdateHealth records one dispatch outcome for a model.
func (r *Registry) UpdateHealth(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[id]
	if !ok {
		return
	}
	h.outcomes[h.next] = success
	h.next = (h.next + 1) % healthWindow
	if h.filled < healthWindow {
		h.filled++
	}
	if success {
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
		h.lastFailureAt = time.Now()
	}
	// EWMA keeps the average responsive without storing every sample.
	ms := float64(latency.Milliseconds())
	if h.avgLatencyMS == 0 {
		h.avgLatencyMS = ms
	} else {
		h.avgLatencyMS = 0.8*h.avgLatencyMS + 0.2*ms
	}
}

// Health returns the current health view for one model.
func (r *Registry) Health(id string) (types.BackendHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[id]
	if !ok {
		return types.BackendHealth{}, false
	}
	return r.healthViewLocked(id, h), true
}

func (r *Registry) healthViewLocked(id string, h *healthRecord) types.BackendHealth {
	okCount, failCount := 0, 0
	for i := 0; i < h.filled; i++ {
		if h.outcomes[i] {
			okCount++
		} else {
			failCount++
		}
	}
	state := types.CircuitClosed
	if r.circuits != nil {
		state = r.circuits.State(id)
	}
	return types.BackendHealth{
		OKCountWindow:       okCount,
		FailCountWindow:     failCount,
		AvgLatencyMS:        h.avgLatencyMS,
		LastFailureAt:       h.lastFailureAt,
		CircuitState:        state,
		ConsecutiveFailures: h.consecutiveFailures,
	}
}

// Snapshot returns an immutable view for the router's strategy pass.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Models: make([]types.ModelDescriptor, 0, len(r.models)),
		Health: make(map[string]types.BackendHealth, len(r.health)),
	}
	for id, desc := range r.models {
		snap.Models = append(snap.Models, desc)
		if h, ok := r.health[id]; ok {
			snap.Health[id] = r.healthViewLocked(id, h)
		}
	}
	sort.Slice(snap.Models, func(i, j int) bool { return snap.Models[i].ID < snap.Models[j].ID })
	return snap
}

// LoadFile registers every descriptor in a models.json file.
func (r *Registry) LoadFile(filePath string) (int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, err
	}
	var descs []types.ModelDescriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return 0, types.WrapError(types.KindInvalidRequest, "invalid models file "+filePath, err)
	}
	loaded := 0
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			r.logger.WithError(err).WithField("model", d.ID).Warn("Skipping model from file")
			continue
		}
		loaded++
	}
	return loaded, nil
}

// SaveFile writes the registered descriptors as models.json.
func (r *Registry) SaveFile(filePath string) error {
	snap := r.Snapshot()
	data, err := json.MarshalIndent(snap.Models, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}
