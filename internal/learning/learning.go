// Package learning is the adaptive learning layer: it collects explicit
// and implicit-refinement feedback and derives per-use-case type weights
// and per-file boosts applied at query time by the retriever.
// Persistence reuses the file tracker's key-value metadata table rather
// than a second store.
package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codelens/codelens/internal/store"
)

// Parameters per spec 4.12.
const (
	RefinementWindow  = 60 * time.Second
	JaccardThreshold  = 0.5
	MinSamplesToTrust = 20
	Epsilon           = 0.01
	BoostAlpha        = 0.05
	BoostMin          = 0.5
	BoostMax          = 2.0
)

// FeedbackKind classifies a feedback event.
type FeedbackKind string

const (
	FeedbackExplicit   FeedbackKind = "explicit"
	FeedbackRefinement FeedbackKind = "refinement"
	FeedbackImplicit   FeedbackKind = "implicit"
)

// Feedback is one recorded feedback event.
type Feedback struct {
	Query        string
	QueryHash    string
	SessionID    string
	UseCase      string
	ResultIDs    []string
	AcceptedIDs  []string
	RejectedIDs  []string
	DocTypes     map[string]string // result ID -> document type, for weight updates
	Kind         FeedbackKind
	Timestamp    time.Time
}

// weightState is the incremental-mean state for one (use case, doc type) pair.
type weightState struct {
	mean float64
	n    int
}

// sessionQuery remembers the most recent query in a session, for
// refinement detection.
type sessionQuery struct {
	normalized string
	tokens     map[string]bool
	resultIDs  []string
	at         time.Time
}

// Layer holds all adaptive state in memory. A production deployment
// persists it through a Store (see store.go); the zero value is usable
// standalone for tests.
type Layer struct {
	mu sync.Mutex

	weights map[string]map[string]*weightState // useCase -> docType -> state
	boosts  map[string]float64                 // file path -> boost
	events  []Feedback

	lastQuery map[string]sessionQuery // sessionID -> last query

	// lookup resolves a retrieval result ID (a code-chunk ID) to the file
	// path its boost is keyed by. Nil until SetPathLookup is called, in which
	// case accepted/rejected IDs that don't resolve are skipped rather than
	// keying a boost on the raw ID (see filePathOf).
	lookup ChunkPathLookup
}

// ChunkPathLookup resolves a code-chunk ID to the chunk it identifies.
// *store.SQLiteStore (and any other store.MetadataStore implementation)
// satisfies this directly via GetChunk.
type ChunkPathLookup interface {
	GetChunk(ctx context.Context, id string) (*store.Chunk, error)
}

// SetPathLookup wires the store RecordExplicit/RecordQuery use to resolve
// result IDs to file paths for boost keys, per spec 4.12. Callers that never
// call this get weight updates but no file boosts.
func (l *Layer) SetPathLookup(lookup ChunkPathLookup) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookup = lookup
}

// New creates an empty Layer.
func New() *Layer {
	return &Layer{
		weights:   make(map[string]map[string]*weightState),
		boosts:    make(map[string]float64),
		lastQuery: make(map[string]sessionQuery),
	}
}

// NormalizeQuery implements spec 4.12's normalization: lowercase, split on
// whitespace, drop stopwords, drop tokens of length <= 1, sort, join by
// single space.
func NormalizeQuery(q string) string {
	fields := strings.Fields(strings.ToLower(q))
	var kept []string
	for _, f := range fields {
		if len(f) <= 1 || queryStopWords[f] {
			continue
		}
		kept = append(kept, f)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// HashQuery returns sha256(normalized)[:16] hex.
func HashQuery(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

var queryStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "to": true, "in": true,
	"is": true, "it": true, "and": true, "or": true, "for": true, "how": true,
	"what": true, "does": true, "do": true,
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter, union := 0, 0
	seen := map[string]bool{}
	for t := range a {
		seen[t] = true
	}
	for t := range b {
		seen[t] = true
	}
	for t := range seen {
		union++
		if a[t] && b[t] {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(normalized string) map[string]bool {
	set := map[string]bool{}
	for _, t := range strings.Fields(normalized) {
		set[t] = true
	}
	return set
}

// RecordQuery registers a query's result set for refinement detection. If a
// prior query in the same session, within RefinementWindow, has normalized
// Jaccard similarity >= JaccardThreshold, an implicit-rejection Feedback
// event for the PRIOR query is recorded and returned (nil otherwise).
func (l *Layer) RecordQuery(ctx context.Context, sessionID, query string, resultIDs []string, now time.Time) *Feedback {
	normalized := NormalizeQuery(query)
	tokens := tokenSet(normalized)

	l.mu.Lock()
	defer l.mu.Unlock()

	var refined *Feedback
	if prev, ok := l.lastQuery[sessionID]; ok {
		if now.Sub(prev.at) <= RefinementWindow && jaccard(prev.tokens, tokens) >= JaccardThreshold {
			refined = &Feedback{
				Query:       prev.normalized,
				QueryHash:   HashQuery(prev.normalized),
				SessionID:   sessionID,
				Kind:        FeedbackRefinement,
				RejectedIDs: append([]string(nil), prev.resultIDs...),
				Timestamp:   now,
			}
			l.recordLocked(ctx, *refined)
		}
	}

	l.lastQuery[sessionID] = sessionQuery{
		normalized: normalized,
		tokens:     tokens,
		resultIDs:  append([]string(nil), resultIDs...),
		at:         now,
	}
	return refined
}

// RecordExplicit records an explicit feedback event and applies weight/boost
// updates.
func (l *Layer) RecordExplicit(ctx context.Context, fb Feedback) {
	fb.Kind = FeedbackExplicit
	fb.QueryHash = HashQuery(NormalizeQuery(fb.Query))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(ctx, fb)
}

// recordLocked applies a feedback event's effect on weights and boosts.
// Caller must hold l.mu.
func (l *Layer) recordLocked(ctx context.Context, fb Feedback) {
	l.events = append(l.events, fb)

	accepted := toSet(fb.AcceptedIDs)
	rejected := toSet(fb.RejectedIDs)
	if fb.UseCase != "" {
		for id := range accepted {
			l.updateWeightLocked(fb.UseCase, fb.DocTypes[id], 1.0)
		}
		for id := range rejected {
			l.updateWeightLocked(fb.UseCase, fb.DocTypes[id], 0.0)
		}
	}
	for id := range accepted {
		if path, ok := l.filePathOf(ctx, id); ok {
			l.updateBoostLocked(path, +1)
		}
	}
	for id := range rejected {
		if path, ok := l.filePathOf(ctx, id); ok {
			l.updateBoostLocked(path, -1)
		}
	}
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// filePathOf resolves a retrieval result ID (a code-chunk ID) to the file
// path its boost should be keyed by, the same way Retriever.Retrieve's read
// path already does by going through the document store. Without a wired
// metadata store (SetPathLookup never called), resolution is skipped rather
// than keying a boost on the raw content-hash ID, which would silently
// defeat spec 4.12's per-file boost mechanism.
func (l *Layer) filePathOf(ctx context.Context, resultID string) (string, bool) {
	if l.lookup == nil {
		return "", false
	}
	chunk, err := l.lookup.GetChunk(ctx, resultID)
	if err != nil || chunk == nil || chunk.FilePath == "" {
		return "", false
	}
	return chunk.FilePath, true
}

func (l *Layer) updateWeightLocked(useCase, docType string, signal float64) {
	if docType == "" {
		return
	}
	byType, ok := l.weights[useCase]
	if !ok {
		byType = make(map[string]*weightState)
		l.weights[useCase] = byType
	}
	st, ok := byType[docType]
	if !ok {
		st = &weightState{}
		byType[docType] = st
	}
	st.mean = (st.mean*float64(st.n) + signal) / float64(st.n+1)
	st.n++
	renormalize(byType)
}

// renormalize clamps each weight to [Epsilon, 1-Epsilon] and rescales the
// full use-case weight set to sum to 1.
func renormalize(byType map[string]*weightState) {
	var sum float64
	for _, st := range byType {
		sum += st.mean
	}
	if sum == 0 {
		return
	}
	for _, st := range byType {
		v := st.mean / sum
		if v < Epsilon {
			v = Epsilon
		}
		if v > 1-Epsilon {
			v = 1 - Epsilon
		}
		st.mean = v
	}
}

func (l *Layer) updateBoostLocked(path string, signal float64) {
	if path == "" {
		return
	}
	b, ok := l.boosts[path]
	if !ok {
		b = 1.0
	}
	b = b * (1 + BoostAlpha*signal)
	if b < BoostMin {
		b = BoostMin
	}
	if b > BoostMax {
		b = BoostMax
	}
	l.boosts[path] = b
}

// TypeWeights returns the learned weight map for useCase, or (nil, false)
// if no type has reached MinSamplesToTrust samples yet — callers should
// fall back to the static per-use-case defaults (store.DefaultTypeWeights).
func (l *Layer) TypeWeights(useCase string) (map[string]float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byType, ok := l.weights[useCase]
	if !ok {
		return nil, false
	}
	trusted := false
	out := make(map[string]float64, len(byType))
	for docType, st := range byType {
		if st.n >= MinSamplesToTrust {
			trusted = true
		}
		out[docType] = st.mean
	}
	if !trusted {
		return nil, false
	}
	return out, true
}

// FileBoost returns the current boost for path (1.0 if unobserved).
func (l *Layer) FileBoost(path string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.boosts[path]; ok {
		return b
	}
	return 1.0
}

// ApplyBoosts multiplies each score by its file's boost and returns a new
// slice re-sorted descending by boosted score.
func (l *Layer) ApplyBoosts(paths []string, scores []float64) []float64 {
	out := make([]float64, len(scores))
	for i, s := range scores {
		path := ""
		if i < len(paths) {
			path = paths[i]
		}
		out[i] = s * l.FileBoost(path)
	}
	return out
}
