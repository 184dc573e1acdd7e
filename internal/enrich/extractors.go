package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codelens/codelens/internal/store"
	"github.com/codelens/codelens/internal/units"
)

func docID(kind store.DocumentType, sourceID string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + sourceID))
	return hex.EncodeToString(sum[:])[:24]
}

// summaryField is the JSON shape every extractor's prompt asks for; a
// single string field keeps the JSON contract identical across extractor
// types, which keeps ExtractJSON's bracket matching exercised uniformly.
type summaryField struct {
	Summary string `json:"summary"`
}

func askForSummary(ctx context.Context, llm LLMClient, prompt string) (string, error) {
	raw, err := llm.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	blob, err := ExtractJSON(raw)
	if err != nil {
		return "", fmt.Errorf("extract json: %w", err)
	}
	var parsed summaryField
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return "", fmt.Errorf("decode json: %w", err)
	}
	return strings.TrimSpace(parsed.Summary), nil
}

// SymbolSummaryExtractor produces a one-document-per-unit summary for every
// non-file unit in the forest. It has no upstream dependency and is the
// leaf of the enrichment DAG, run first in bottom-up order so its output
// can be injected into every other extractor's prompts.
type SymbolSummaryExtractor struct{ LLM LLMClient }

func (e *SymbolSummaryExtractor) Type() store.DocumentType    { return store.DocumentTypeSymbolSummary }
func (e *SymbolSummaryExtractor) DependsOn() []store.DocumentType { return nil }

func (e *SymbolSummaryExtractor) NeedsUpdate(ec ExtractionContext) bool {
	for _, u := range ec.AllUnits {
		if u.Kind == units.KindFile {
			continue
		}
		if !ec.Existing(e.Type(), u.ID, ec.ContentHash) {
			return true
		}
	}
	return false
}

func (e *SymbolSummaryExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error) {
	var docs []*store.Document
	now := time.Now()
	for _, u := range ec.AllUnits {
		if u.Kind == units.KindFile {
			continue
		}
		if ec.Existing(e.Type(), u.ID, ec.ContentHash) {
			continue
		}

		childNote := ""
		if kids := ec.ChildSummaries[u.ID]; len(kids) > 0 {
			childNote = "\nMember summaries:\n- " + strings.Join(kids, "\n- ")
		}
		prompt := fmt.Sprintf(`Describe what this %s does in one or two sentences.

Name: %s
Signature: %s
%s
Source:
%s

Respond as JSON: {"summary": "..."}`,
			u.Kind, u.Name, u.Signature, childNote, SanitizeForPrompt(truncate(u.Content, 1500)))

		summary, err := askForSummary(ctx, e.LLM, prompt)
		if err != nil {
			return docs, &ExtractError{DocumentType: e.Type(), FilePath: ec.FilePath, Err: err}
		}
		u.Summary = summary
		if u.ParentID != "" {
			ec.ChildSummaries[u.ParentID] = append(ec.ChildSummaries[u.ParentID], firstSentence(summary))
		}
		docs = append(docs, newDocument(docID(e.Type(), u.ID), e.Type(), summary, ec.FilePath, []string{u.ID}, "symbol_summary_extractor", now))
	}
	return docs, nil
}

// FileSummaryExtractor produces one file-level document knowing what its
// members do, via the injected symbol-summary first sentences.
type FileSummaryExtractor struct{ LLM LLMClient }

func (e *FileSummaryExtractor) Type() store.DocumentType { return store.DocumentTypeFileSummary }
func (e *FileSummaryExtractor) DependsOn() []store.DocumentType {
	return []store.DocumentType{store.DocumentTypeSymbolSummary}
}

func (e *FileSummaryExtractor) NeedsUpdate(ec ExtractionContext) bool {
	return !ec.Existing(e.Type(), ec.FilePath, ec.ContentHash)
}

func (e *FileSummaryExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error) {
	if !e.NeedsUpdate(ec) {
		return nil, nil
	}
	members := ec.ChildSummaries[ec.Root.ID]
	prompt := fmt.Sprintf(`Summarize the purpose of this file in two to three sentences, using what its members do.

File: %s
Member summaries:
- %s

Respond as JSON: {"summary": "..."}`, ec.FilePath, strings.Join(members, "\n- "))

	summary, err := askForSummary(ctx, e.LLM, prompt)
	if err != nil {
		return nil, &ExtractError{DocumentType: e.Type(), FilePath: ec.FilePath, Err: err}
	}
	return []*store.Document{newDocument(docID(e.Type(), ec.FilePath), e.Type(), summary, ec.FilePath, []string{ec.Root.ID}, "file_summary_extractor", time.Now())}, nil
}

// IdiomExtractor looks for a single recurring pattern worth naming across
// the file's units (e.g. consistent error-wrapping, a builder pattern).
type IdiomExtractor struct{ LLM LLMClient }

func (e *IdiomExtractor) Type() store.DocumentType { return store.DocumentTypeIdiom }
func (e *IdiomExtractor) DependsOn() []store.DocumentType {
	return []store.DocumentType{store.DocumentTypeSymbolSummary}
}

func (e *IdiomExtractor) NeedsUpdate(ec ExtractionContext) bool {
	return !ec.Existing(e.Type(), ec.FilePath, ec.ContentHash)
}

func (e *IdiomExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error) {
	if !e.NeedsUpdate(ec) || len(ec.AllUnits) == 0 {
		return nil, nil
	}
	var names []string
	for _, u := range ec.AllUnits {
		if u.Name != "" {
			names = append(names, u.Name)
		}
	}
	prompt := fmt.Sprintf(`Identify one recurring coding idiom or pattern shared by these units, if any. If none stands out, respond with an empty summary.

File: %s
Units: %s

Respond as JSON: {"summary": "..."}`, ec.FilePath, strings.Join(names, ", "))

	summary, err := askForSummary(ctx, e.LLM, prompt)
	if err != nil {
		return nil, &ExtractError{DocumentType: e.Type(), FilePath: ec.FilePath, Err: err}
	}
	if summary == "" {
		return nil, nil
	}
	return []*store.Document{newDocument(docID(e.Type(), ec.FilePath), e.Type(), summary, ec.FilePath, unitIDs(ec.AllUnits), "idiom_extractor", time.Now())}, nil
}

// UsageExampleExtractor writes a short example call site for the file's
// most prominent exported unit.
type UsageExampleExtractor struct{ LLM LLMClient }

func (e *UsageExampleExtractor) Type() store.DocumentType { return store.DocumentTypeUsageExample }
func (e *UsageExampleExtractor) DependsOn() []store.DocumentType {
	return []store.DocumentType{store.DocumentTypeSymbolSummary}
}

func (e *UsageExampleExtractor) NeedsUpdate(ec ExtractionContext) bool {
	u := primaryExportedUnit(ec.AllUnits)
	if u == nil {
		return false
	}
	return !ec.Existing(e.Type(), u.ID, ec.ContentHash)
}

func (e *UsageExampleExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error) {
	u := primaryExportedUnit(ec.AllUnits)
	if u == nil || !e.NeedsUpdate(ec) {
		return nil, nil
	}
	prompt := fmt.Sprintf(`Write a short, realistic usage example (a few lines) calling this unit. Return only the example code as the summary text.

Name: %s
Signature: %s

Respond as JSON: {"summary": "..."}`, u.Name, u.Signature)

	summary, err := askForSummary(ctx, e.LLM, prompt)
	if err != nil {
		return nil, &ExtractError{DocumentType: e.Type(), FilePath: ec.FilePath, Err: err}
	}
	if summary == "" {
		return nil, nil
	}
	return []*store.Document{newDocument(docID(e.Type(), u.ID), e.Type(), summary, ec.FilePath, []string{u.ID}, "usage_example_extractor", time.Now())}, nil
}

// AntiPatternExtractor flags a single likely anti-pattern in the file, if
// any stands out (unbounded goroutine, silently swallowed error, etc.).
type AntiPatternExtractor struct{ LLM LLMClient }

func (e *AntiPatternExtractor) Type() store.DocumentType { return store.DocumentTypeAntiPattern }
func (e *AntiPatternExtractor) DependsOn() []store.DocumentType {
	return []store.DocumentType{store.DocumentTypeSymbolSummary}
}

func (e *AntiPatternExtractor) NeedsUpdate(ec ExtractionContext) bool {
	return !ec.Existing(e.Type(), ec.FilePath, ec.ContentHash)
}

func (e *AntiPatternExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error) {
	if !e.NeedsUpdate(ec) || ec.Root == nil {
		return nil, nil
	}
	prompt := fmt.Sprintf(`Flag one concrete anti-pattern in this file's code if one is clearly present (e.g. ignored error, unbounded goroutine, resource leak). If none, respond with an empty summary.

File: %s
Source:
%s

Respond as JSON: {"summary": "..."}`, ec.FilePath, SanitizeForPrompt(truncate(ec.Root.Content, 3000)))

	summary, err := askForSummary(ctx, e.LLM, prompt)
	if err != nil {
		return nil, &ExtractError{DocumentType: e.Type(), FilePath: ec.FilePath, Err: err}
	}
	if summary == "" {
		return nil, nil
	}
	return []*store.Document{newDocument(docID(e.Type(), ec.FilePath), e.Type(), summary, ec.FilePath, []string{ec.Root.ID}, "anti_pattern_extractor", time.Now())}, nil
}

// ProjectDocExtractor synthesizes a project-level note from a file's
// summary and idiom documents, once both are available. This is the one
// extractor whose dependency set spec 4.6 names explicitly.
type ProjectDocExtractor struct {
	LLM LLMClient
	// FileSummary/Idiom are this pass's already-produced sibling documents,
	// supplied by the pipeline since project_doc depends on them.
	FileSummary, Idiom *store.Document
}

func (e *ProjectDocExtractor) Type() store.DocumentType { return store.DocumentTypeProjectDoc }
func (e *ProjectDocExtractor) DependsOn() []store.DocumentType {
	return []store.DocumentType{store.DocumentTypeFileSummary, store.DocumentTypeIdiom}
}

func (e *ProjectDocExtractor) NeedsUpdate(ec ExtractionContext) bool {
	return e.FileSummary != nil && !ec.Existing(e.Type(), ec.FilePath, ec.ContentHash)
}

func (e *ProjectDocExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]*store.Document, error) {
	if !e.NeedsUpdate(ec) {
		return nil, nil
	}
	idiomText := ""
	if e.Idiom != nil {
		idiomText = e.Idiom.Content
	}
	prompt := fmt.Sprintf(`Write one sentence noting this file's role in the project, given its summary and any notable idiom.

File summary: %s
Idiom: %s

Respond as JSON: {"summary": "..."}`, e.FileSummary.Content, idiomText)

	summary, err := askForSummary(ctx, e.LLM, prompt)
	if err != nil {
		return nil, &ExtractError{DocumentType: e.Type(), FilePath: ec.FilePath, Err: err}
	}
	sourceIDs := []string{e.FileSummary.ID}
	if e.Idiom != nil {
		sourceIDs = append(sourceIDs, e.Idiom.ID)
	}
	return []*store.Document{newDocument(docID(e.Type(), ec.FilePath), e.Type(), summary, ec.FilePath, sourceIDs, "project_doc_extractor", time.Now())}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... [truncated]"
}

func unitIDs(all []*units.Unit) []string {
	ids := make([]string, 0, len(all))
	for _, u := range all {
		ids = append(ids, u.ID)
	}
	return ids
}

func primaryExportedUnit(all []*units.Unit) *units.Unit {
	var best *units.Unit
	for _, u := range all {
		if u.Kind == units.KindFile {
			continue
		}
		if u.Visibility != units.VisibilityPublic && u.Visibility != units.VisibilityExported {
			continue
		}
		if best == nil || len(u.Content) > len(best.Content) {
			best = u
		}
	}
	return best
}
