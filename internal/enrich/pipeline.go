package enrich

import (
	"context"
	"time"

	"github.com/codelens/codelens/internal/store"
	"github.com/codelens/codelens/internal/units"
)

// FileError is one failed (extractor type, file) pair, collected by
// Pipeline.Run rather than aborting the whole run (spec 4.6).
type FileError struct {
	DocumentType store.DocumentType
	FilePath     string
	Err          error
}

// Pipeline runs the extractor DAG over a file's unit forest, in
// dependency order, and produces the resulting documents.
type Pipeline struct {
	llm                                                 LLMClient
	symbolSummary, fileSummary, idiom, usageExample, antiPattern *struct{} // order markers, unused beyond documentation
	extractors []Extractor
}

// NewPipeline builds the standard six-extractor DAG against an LLM client.
func NewPipeline(llm LLMClient) *Pipeline {
	return &Pipeline{
		llm: llm,
		extractors: []Extractor{
			&SymbolSummaryExtractor{LLM: llm},
			&FileSummaryExtractor{LLM: llm},
			&IdiomExtractor{LLM: llm},
			&UsageExampleExtractor{LLM: llm},
			&AntiPatternExtractor{LLM: llm},
			// ProjectDocExtractor is constructed per-run below since it
			// needs this run's file_summary/idiom outputs wired in.
		},
	}
}

// Run executes every extractor for one file, in dependency order
// (symbol_summary first since every other extractor depends on it,
// project_doc last since it depends on file_summary and idiom), and
// returns the documents produced plus any per-extractor errors.
func (p *Pipeline) Run(ctx context.Context, ec ExtractionContext) ([]*store.Document, []FileError) {
	if ec.ChildSummaries == nil {
		ec.ChildSummaries = make(map[string][]string)
	}
	if ec.AllUnits == nil && ec.Root != nil {
		ec.AllUnits = units.BottomUp(ec.Root)
	}

	var docs []*store.Document
	var errs []FileError
	var fileSummaryDoc, idiomDoc *store.Document

	for _, ex := range p.extractors {
		if !ex.NeedsUpdate(ec) {
			continue
		}
		produced, err := ex.Extract(ctx, ec)
		if err != nil {
			errs = append(errs, FileError{DocumentType: ex.Type(), FilePath: ec.FilePath, Err: err})
			continue
		}
		docs = append(docs, produced...)
		for _, d := range produced {
			switch ex.Type() {
			case store.DocumentTypeFileSummary:
				fileSummaryDoc = d
			case store.DocumentTypeIdiom:
				idiomDoc = d
			}
		}
	}

	projectDoc := &ProjectDocExtractor{LLM: p.llm, FileSummary: fileSummaryDoc, Idiom: idiomDoc}
	if projectDoc.NeedsUpdate(ec) {
		produced, err := projectDoc.Extract(ctx, ec)
		if err != nil {
			errs = append(errs, FileError{DocumentType: projectDoc.Type(), FilePath: ec.FilePath, Err: err})
		} else {
			docs = append(docs, produced...)
		}
	}

	for _, u := range ec.AllUnits {
		_ = u // summaries were written into u.Summary in place by SymbolSummaryExtractor
	}
	return docs, errs
}

// StampNow is a seam for tests to control CreatedAt/EnrichedAt without
// depending on wall-clock time inside the pipeline itself.
var StampNow = time.Now
