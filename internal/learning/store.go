package learning

import (
	"context"
	"encoding/json"
	"fmt"
)

// metadataKey is where the serialized layer state lives in the file
// tracker's key-value metadata table.
const metadataKey = "learning_state"

// metadataStore is the narrow slice of *tracker.Tracker the learning layer
// persists through, kept as an interface so this package does not import
// tracker directly (tracker already depends on graph/units; learning stays
// a leaf package wired in by the indexer).
type metadataStore interface {
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
}

type persistedState struct {
	Weights map[string]map[string]weightSnapshot `json:"weights"`
	Boosts  map[string]float64                   `json:"boosts"`
}

type weightSnapshot struct {
	Mean float64 `json:"mean"`
	N    int     `json:"n"`
}

// Save serializes the layer's learned state and writes it to the metadata
// store under a single key.
func (l *Layer) Save(ctx context.Context, store metadataStore) error {
	l.mu.Lock()
	state := persistedState{
		Weights: make(map[string]map[string]weightSnapshot, len(l.weights)),
		Boosts:  make(map[string]float64, len(l.boosts)),
	}
	for useCase, byType := range l.weights {
		snap := make(map[string]weightSnapshot, len(byType))
		for docType, st := range byType {
			snap[docType] = weightSnapshot{Mean: st.mean, N: st.n}
		}
		state.Weights[useCase] = snap
	}
	for path, b := range l.boosts {
		state.Boosts[path] = b
	}
	l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal learning state: %w", err)
	}
	return store.SetMetadata(ctx, metadataKey, string(data))
}

// Load restores previously saved state, if any. A missing key is not an
// error: the layer simply starts cold.
func (l *Layer) Load(ctx context.Context, store metadataStore) error {
	raw, ok, err := store.GetMetadata(ctx, metadataKey)
	if err != nil {
		return fmt.Errorf("load learning state: %w", err)
	}
	if !ok {
		return nil
	}
	var state persistedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("decode learning state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.weights = make(map[string]map[string]*weightState, len(state.Weights))
	for useCase, byType := range state.Weights {
		dst := make(map[string]*weightState, len(byType))
		for docType, snap := range byType {
			dst[docType] = &weightState{mean: snap.Mean, n: snap.N}
		}
		l.weights[useCase] = dst
	}
	l.boosts = make(map[string]float64, len(state.Boosts))
	for path, b := range state.Boosts {
		l.boosts[path] = b
	}
	return nil
}
