// Package units walks a parsed tree into a hierarchical code-unit forest:
// file -> class/type -> method/function, with visibility, async, decorators,
// imports-used, and calls-made extracted per unit.
package units

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind is the kind of a code unit.
type Kind string

const (
	KindFile      Kind = "file"
	KindModule    Kind = "module"
	KindClass     Kind = "class"
	KindInterface Kind = "interface"
	KindEnum      Kind = "enum"
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
	KindType      Kind = "type"
)

// Visibility is the access level of a unit.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityProtected Visibility = "protected"
	VisibilityExported  Visibility = "exported"
	VisibilityInternal  Visibility = "internal"
)

// Unit is a node in a file's unit forest.
type Unit struct {
	ID   string
	File string
	Lang string
	Kind Kind
	Name string

	Signature  string
	Visibility Visibility
	IsAsync    bool
	Decorators []string

	Depth     int
	StartLine int
	EndLine   int
	StartByte uint32
	EndByte   uint32
	Content   string

	// Summary is filled in bottom-up by the enrichment pipeline.
	Summary string

	ParentID string
	Children []*Unit

	// ImportPaths holds the raw import path/module literals declared at
	// file scope. Only populated on the KindFile root unit; used by the
	// reference resolver's "explicitly imported" tier.
	ImportPaths []string

	// ImportsUsed are identifiers the unit references that resolve to an
	// import at file scope.
	ImportsUsed []string
	// CallsMade are raw callee name tokens; the reference resolver
	// turns these into edges.
	CallsMade []string
	// ExtendsRefs / ImplementsRefs are raw type-name tokens.
	ExtendsRefs    []string
	ImplementsRefs []string
}

// NewID computes the stable unit ID: sha256(filePath || kind || name || startByte || endByte).
func NewID(filePath string, kind Kind, name string, startByte, endByte uint32) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d", filePath, kind, name, startByte, endByte)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Walk visits u and every descendant depth-first.
func (u *Unit) Walk(fn func(*Unit)) {
	fn(u)
	for _, c := range u.Children {
		c.Walk(fn)
	}
}

// Flatten returns u and all descendants in depth-first order.
func (u *Unit) Flatten() []*Unit {
	var out []*Unit
	u.Walk(func(v *Unit) { out = append(out, v) })
	return out
}

// BottomUp returns every unit in u's forest ordered so that every child
// precedes its parent (methods/functions before their owning class/file).
func BottomUp(root *Unit) []*Unit {
	flat := root.Flatten()
	out := make([]*Unit, len(flat))
	for i, u := range flat {
		out[len(flat)-1-i] = u
	}
	return out
}

// AnonymousName derives a synthetic name for an anonymous function from its
// byte offset, so anonymous functions stay addressable.
func AnonymousName(startByte uint32) string {
	return fmt.Sprintf("anon_%x", startByte)
}
