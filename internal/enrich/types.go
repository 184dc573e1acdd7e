// Package enrich is the enrichment pipeline: a DAG of extractors that
// turn a file's unit forest and chunks into LLM-authored documents
// (file summaries, symbol summaries, idioms, usage examples, anti-patterns,
// project docs), feeding each child unit's summary into its parent's
// prompt. Generalizes the flat per-chunk context generator in
// index.ContextGenerator/LLMContextGenerator into a typed, dependency-
// ordered pipeline.
package enrich

import (
	"context"
	"time"

	"github.com/codelens/codelens/internal/store"
	"github.com/codelens/codelens/internal/units"
)

// LLMClient is the narrow interface extractors use to ask a model for
// text, grounded on index.LLMContextGenerator's Ollama /api/generate call.
type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Available(ctx context.Context) bool
}

// ExtractionContext is the input handed to one extractor for one file pass.
type ExtractionContext struct {
	FilePath    string
	ContentHash string
	Root        *units.Unit   // file-root unit
	AllUnits    []*units.Unit // flattened forest for this file, bottom-up order
	Chunks      []*store.Chunk

	// ChildSummaries maps a unit ID to the first sentence of each of its
	// already-produced child documents, populated by the pipeline as it
	// walks bottom-up so parent extractors can reference what their
	// members do.
	ChildSummaries map[string][]string

	// Existing reports whether a document of the given type already
	// exists for sourceID at ContentHash, used by NeedsUpdate to skip
	// unchanged content on incremental runs.
	Existing func(docType store.DocumentType, sourceID, contentHash string) bool
}

// firstSentence returns the first sentence-ish prefix of s (up to the
// first '.', '!', or '?' followed by a space, or the whole string if none
// found), used for child-to-parent summary injection.
func firstSentence(s string) string {
	for i, r := range s {
		if (r == '.' || r == '!' || r == '?') && i+1 < len(s) && s[i+1] == ' ' {
			return s[:i+1]
		}
	}
	return s
}

// Extractor is one node in the enrichment DAG.
type Extractor interface {
	Type() store.DocumentType
	DependsOn() []store.DocumentType
	NeedsUpdate(ec ExtractionContext) bool
	Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error)
}

// ExtractError reports a single extractor's failure for one (type, file)
// pair without aborting the rest of the pipeline (spec 4.6).
type ExtractError struct {
	DocumentType store.DocumentType
	FilePath     string
	Err          error
}

func (e *ExtractError) Error() string {
	return string(e.DocumentType) + " " + e.FilePath + ": " + e.Err.Error()
}

func (e *ExtractError) Unwrap() error { return e.Err }

func newDocument(id string, docType store.DocumentType, content, filePath string, sourceIDs []string, provenance string, now time.Time) *store.Document {
	return &store.Document{
		ID:           id,
		Content:      content,
		DocumentType: docType,
		FilePath:     filePath,
		SourceIDs:    sourceIDs,
		Provenance:   provenance,
		CreatedAt:    now,
		EnrichedAt:   now,
	}
}
