package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/story-engine/internal/metrics"
)

type GeneratorFactory func(ctx context.Context) (SceneGenerator, error)

// Registry maps backend names ("server", "ollama", ...) to generator factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]GeneratorFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]GeneratorFactory)}
}

func (r *Registry) Register(name string, f GeneratorFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the named generator, wrapped with request metrics.
func (r *Registry) Get(ctx context.Context, name string) (SceneGenerator, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scene generator: %s", name)
	}
	g, err := f(ctx)
	if err != nil {
		return nil, err
	}
	return Instrument(name, g), nil
}

type instrumented struct {
	backend string
	next    SceneGenerator
}

// Instrument records call counts and latency for g under the backend label.
func Instrument(backend string, g SceneGenerator) SceneGenerator {
	return &instrumented{backend: backend, next: g}
}

func (i *instrumented) GenerateScene(ctx context.Context, req SceneRequest) (*SceneResult, error) {
	start := time.Now()
	res, err := i.next.GenerateScene(ctx, req)
	metrics.GeneratorDuration.WithLabelValues(i.backend).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.GeneratorRequests.WithLabelValues(i.backend, status).Inc()
	return res, err
}

// AnalyzeChoice forwards to the wrapped generator when it can analyse choices.
func (i *instrumented) AnalyzeChoice(ctx context.Context, req ChoiceAnalysisRequest) (*ChoiceAnalysis, error) {
	a, ok := i.next.(ChoiceAnalyzer)
	if !ok {
		return nil, fmt.Errorf("generator %s cannot analyse choices", i.backend)
	}
	start := time.Now()
	res, err := a.AnalyzeChoice(ctx, req)
	metrics.ChoiceAnalysisDuration.WithLabelValues(i.backend).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ChoiceAnalyses.WithLabelValues(i.backend, status).Inc()
	return res, err
}
