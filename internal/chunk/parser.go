package chunk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser turns source bytes into a language-agnostic Tree. It owns one
// tree-sitter parser whose grammar is swapped per Parse call, so a single
// Parser serves every registered language; it is not safe for concurrent
// use.
type Parser struct {
	parser   *sitter.Parser
	registry *LanguageRegistry
}

// NewParser creates a parser over the default language registry.
func NewParser() *Parser {
	return NewParserWithRegistry(DefaultRegistry())
}

// NewParserWithRegistry creates a parser over a caller-supplied registry,
// letting the unit extractor share one grammar table with the chunker.
func NewParserWithRegistry(registry *LanguageRegistry) *Parser {
	return &Parser{
		parser:   sitter.NewParser(),
		registry: registry,
	}
}

// Parse parses source for the named language and returns the converted
// tree. An unregistered language is an error; callers fall back to
// line-windowed chunking on it.
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	grammar, ok := p.registry.GetTreeSitterLanguage(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}
	p.parser.SetLanguage(grammar)

	parsed, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	if parsed == nil {
		return nil, fmt.Errorf("failed to parse source: nil tree")
	}

	return &Tree{
		Root:     copySubtree(parsed.RootNode()),
		Source:   source,
		Language: language,
	}, nil
}

// Close releases the underlying tree-sitter parser.
func (p *Parser) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}

// copySubtree lifts a tree-sitter node (and its descendants) into our own
// Node type. Copying detaches the tree from tree-sitter's C-owned memory,
// so a Tree stays valid after the parser moves on to the next file.
func copySubtree(src *sitter.Node) *Node {
	if src == nil {
		return nil
	}

	childCount := int(src.ChildCount())
	dst := &Node{
		Type:       src.Type(),
		StartByte:  src.StartByte(),
		EndByte:    src.EndByte(),
		StartPoint: Point{Row: src.StartPoint().Row, Column: src.StartPoint().Column},
		EndPoint:   Point{Row: src.EndPoint().Row, Column: src.EndPoint().Column},
		HasError:   src.HasError(),
		Children:   make([]*Node, 0, childCount),
	}
	for i := 0; i < childCount; i++ {
		if child := src.Child(i); child != nil {
			dst.Children = append(dst.Children, copySubtree(child))
		}
	}
	return dst
}

// GetContent returns the source slice this node spans, or "" when the
// range is empty or out of bounds.
func (n *Node) GetContent(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// FindChildByType returns the first direct child of the given type.
func (n *Node) FindChildByType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// FindChildrenByType returns every direct child of the given type.
func (n *Node) FindChildrenByType(nodeType string) []*Node {
	var matched []*Node
	for _, child := range n.Children {
		if child.Type == nodeType {
			matched = append(matched, child)
		}
	}
	return matched
}

// FindAllByType returns every node of the given type in this subtree,
// including the receiver, in depth-first order.
func (n *Node) FindAllByType(nodeType string) []*Node {
	var matched []*Node
	n.Walk(func(node *Node) bool {
		if node.Type == nodeType {
			matched = append(matched, node)
		}
		return true
	})
	return matched
}

// Walk traverses the subtree depth-first. Returning false from fn prunes
// the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
