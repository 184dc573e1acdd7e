package units

import (
	"regexp"
	"strings"

	"github.com/codelens/codelens/internal/chunk"
)

// Extractor walks a parsed tree into a code-unit forest.
type Extractor struct {
	registry *chunk.LanguageRegistry
}

// NewExtractor creates an Extractor using the default language registry.
func NewExtractor() *Extractor {
	return &Extractor{registry: chunk.DefaultRegistry()}
}

// NewExtractorWithRegistry creates an Extractor using a custom registry.
func NewExtractorWithRegistry(r *chunk.LanguageRegistry) *Extractor {
	return &Extractor{registry: r}
}

// Extract builds the unit forest for one file from its parsed tree.
// The returned root is always a KindFile unit.
func (e *Extractor) Extract(tree *chunk.Tree, source []byte, filePath string) *Unit {
	root := &Unit{
		ID:         NewID(filePath, KindFile, filePath, 0, 0),
		File:       filePath,
		Lang:       tree.Language,
		Kind:       KindFile,
		Name:       filePath,
		Visibility: VisibilityPublic,
	}
	if tree == nil || tree.Root == nil {
		return root
	}

	config, ok := e.registry.GetByName(tree.Language)
	if !ok {
		return root
	}

	imports := extractImportedNames(tree.Root, source, tree.Language)
	root.ImportPaths = extractImportPaths(tree.Root, source, tree.Language)
	e.walkUnits(tree.Root, source, config, tree.Language, filePath, root, 1)
	attachGoMethods(root)

	root.Walk(func(u *Unit) {
		if u.Kind == KindFile {
			return
		}
		u.ImportsUsed = intersectIdentifiers(u.Content, imports)
	})

	return root
}

// walkUnits recurses the tree, emitting a Unit per matched symbol node and
// descending into class/interface bodies to find nested methods.
func (e *Extractor) walkUnits(n *chunk.Node, source []byte, config *chunk.LanguageConfig, lang, filePath string, parent *Unit, depth int) {
	for _, child := range n.Children {
		kind, matched := classify(child.Type, config)
		if !matched {
			e.walkUnits(child, source, config, lang, filePath, parent, depth)
			continue
		}

		u := e.buildUnit(child, source, config, lang, filePath, kind, depth)
		u.ParentID = parent.ID
		parent.Children = append(parent.Children, u)

		// Descend into class/interface bodies only, looking for methods.
		if kind == KindClass || kind == KindInterface || kind == KindEnum {
			e.walkUnits(child, source, config, lang, filePath, u, depth+1)
		}
	}
}

func classify(nodeType string, config *chunk.LanguageConfig) (Kind, bool) {
	for _, t := range config.FunctionTypes {
		if t == nodeType {
			return KindFunction, true
		}
	}
	for _, t := range config.MethodTypes {
		if t == nodeType {
			return KindMethod, true
		}
	}
	for _, t := range config.ClassTypes {
		if t == nodeType {
			return KindClass, true
		}
	}
	for _, t := range config.InterfaceTypes {
		if t == nodeType {
			return KindInterface, true
		}
	}
	for _, t := range config.TypeDefTypes {
		if t == nodeType {
			return KindType, true
		}
	}
	return "", false
}

func (e *Extractor) buildUnit(n *chunk.Node, source []byte, config *chunk.LanguageConfig, lang, filePath string, kind Kind, depth int) *Unit {
	name := extractName(n, source, lang)
	if name == "" && kind == KindFunction {
		name = AnonymousName(n.StartByte)
	}

	content := n.GetContent(source)
	u := &Unit{
		ID:         NewID(filePath, kind, name, n.StartByte, n.EndByte),
		File:       filePath,
		Lang:       lang,
		Kind:       kind,
		Name:       name,
		Signature:  signatureLine(content),
		Visibility: visibilityOf(name, content, lang),
		IsAsync:    isAsync(content, lang),
		Decorators: decoratorsOf(n, source, lang),
		Depth:      depth,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		StartByte:  n.StartByte,
		EndByte:    n.EndByte,
		Content:    content,
	}
	u.CallsMade = extractCalls(content, lang)
	u.ExtendsRefs, u.ImplementsRefs = extractHeritage(content, lang)
	return u
}

// attachGoMethods re-parents Go method_declaration units (KindMethod,
// receiver-based, not AST-nested) under the matching type unit, if one
// exists in the same file.
func attachGoMethods(root *Unit) {
	if root.Lang != "go" {
		return
	}
	types := map[string]*Unit{}
	for _, u := range root.Children {
		if u.Kind == KindType || u.Kind == KindClass {
			types[u.Name] = u
		}
	}
	receiverRe := regexp.MustCompile(`func\s*\(\s*\w*\s+\*?(\w+)\s*\)`)
	kept := root.Children[:0]
	for _, u := range root.Children {
		if u.Kind == KindMethod {
			if m := receiverRe.FindStringSubmatch(u.Signature); m != nil {
				if t, ok := types[m[1]]; ok {
					u.ParentID = t.ID
					u.Depth = t.Depth + 1
					t.Children = append(t.Children, u)
					continue
				}
			}
		}
		kept = append(kept, u)
	}
	root.Children = kept
}

func extractName(n *chunk.Node, source []byte, lang string) string {
	switch lang {
	case "go":
		switch n.Type {
		case "function_declaration":
			if c := n.FindChildByType("identifier"); c != nil {
				return c.GetContent(source)
			}
		case "method_declaration":
			if c := n.FindChildByType("field_identifier"); c != nil {
				return c.GetContent(source)
			}
		case "type_declaration":
			if spec := n.FindChildByType("type_spec"); spec != nil {
				if c := spec.FindChildByType("type_identifier"); c != nil {
					return c.GetContent(source)
				}
			}
		}
	case "python":
		if c := n.FindChildByType("identifier"); c != nil {
			return c.GetContent(source)
		}
	default: // typescript, tsx, javascript, jsx
		if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
			if decl := n.FindChildByType("variable_declarator"); decl != nil {
				if c := decl.FindChildByType("identifier"); c != nil {
					return c.GetContent(source)
				}
			}
		}
		if c := n.FindChildByType("identifier"); c != nil {
			return c.GetContent(source)
		}
		if c := n.FindChildByType("type_identifier"); c != nil {
			return c.GetContent(source)
		}
		if c := n.FindChildByType("property_identifier"); c != nil {
			return c.GetContent(source)
		}
	}
	return ""
}

func signatureLine(content string) string {
	line := strings.SplitN(content, "\n", 2)[0]
	line = strings.TrimSpace(line)
	if idx := strings.Index(line, "{"); idx != -1 {
		line = strings.TrimSpace(line[:idx])
	}
	return line
}

func visibilityOf(name, content, lang string) Visibility {
	switch lang {
	case "go":
		if name != "" && name[0] >= 'A' && name[0] <= 'Z' {
			return VisibilityExported
		}
		return VisibilityInternal
	case "python":
		if strings.HasPrefix(name, "__") {
			return VisibilityPrivate
		}
		if strings.HasPrefix(name, "_") {
			return VisibilityProtected
		}
		return VisibilityPublic
	default:
		if strings.Contains(content, "private ") {
			return VisibilityPrivate
		}
		if strings.Contains(content, "protected ") {
			return VisibilityProtected
		}
		if strings.HasPrefix(content, "export ") || strings.Contains(signatureLine(content), "export") {
			return VisibilityExported
		}
		return VisibilityPublic
	}
}

func isAsync(content, lang string) bool {
	line := signatureLine(content)
	switch lang {
	case "python":
		return strings.HasPrefix(strings.TrimSpace(content), "async def") || strings.Contains(line, "async def")
	default:
		return strings.Contains(line, "async ") || strings.Contains(line, "async(")
	}
}

var decoratorRe = regexp.MustCompile(`^@\w[\w.]*`)

// decoratorsOf collects Python decorators / Go struct tags immediately
// preceding n.
func decoratorsOf(n *chunk.Node, source []byte, lang string) []string {
	if lang != "python" {
		return nil
	}
	var decs []string
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	// Walk upward line by line collecting @decorator lines.
	cursor := lineStart
	for cursor > 0 {
		prevEnd := cursor - 1
		prevStart := prevEnd
		for prevStart > 0 && source[prevStart-1] != '\n' {
			prevStart--
		}
		line := strings.TrimSpace(string(source[prevStart:prevEnd]))
		if decoratorRe.MatchString(line) {
			decs = append([]string{line}, decs...)
			cursor = prevStart
			continue
		}
		break
	}
	return decs
}

var identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// extractCalls returns raw callee-name tokens: identifiers immediately
// followed by '(' that are not language keywords.
var callRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*)\s*\(`)
var keywordCallNames = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "func": true, "function": true, "def": true, "class": true,
}

func extractCalls(content, lang string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range callRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if idx := strings.LastIndex(name, "."); idx != -1 {
			name = name[idx+1:]
		}
		if keywordCallNames[name] || name == "" {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

var goImplementsRe = regexp.MustCompile(`\btype\s+\w+\s+struct\b`)

// extractHeritage returns (extends, implements) type-name token lists from
// the unit's signature line.
func extractHeritage(content, lang string) ([]string, []string) {
	line := signatureLine(content)
	switch lang {
	case "python":
		if idx := strings.Index(line, "("); idx != -1 {
			if end := strings.Index(line[idx:], ")"); end != -1 {
				bases := line[idx+1 : idx+end]
				var out []string
				for _, b := range strings.Split(bases, ",") {
					b = strings.TrimSpace(b)
					if b != "" && b != "object" {
						out = append(out, identifierRe.FindString(b))
					}
				}
				return out, nil
			}
		}
	case "typescript", "tsx", "javascript", "jsx":
		var extends, implements []string
		if idx := strings.Index(line, "extends "); idx != -1 {
			rest := line[idx+len("extends "):]
			if sp := strings.IndexAny(rest, " {,"); sp != -1 {
				rest = rest[:sp]
			}
			extends = append(extends, rest)
		}
		if idx := strings.Index(line, "implements "); idx != -1 {
			rest := line[idx+len("implements "):]
			if end := strings.IndexAny(rest, "{"); end != -1 {
				rest = rest[:end]
			}
			for _, t := range strings.Split(rest, ",") {
				t = strings.TrimSpace(t)
				if t != "" {
					implements = append(implements, identifierRe.FindString(t))
				}
			}
		}
		return extends, implements
	}
	return nil, nil
}

// extractImportedNames collects the last path segment of each import in the
// file, used to resolve ImportsUsed per unit.
func extractImportedNames(root *chunk.Node, source []byte, lang string) map[string]bool {
	names := map[string]bool{}
	var importNodeTypes []string
	switch lang {
	case "go":
		importNodeTypes = []string{"import_spec"}
	case "python":
		importNodeTypes = []string{"import_statement", "import_from_statement"}
	default:
		importNodeTypes = []string{"import_clause", "import_specifier"}
	}
	for _, t := range importNodeTypes {
		for _, node := range root.FindAllByType(t) {
			content := node.GetContent(source)
			for _, id := range identifierRe.FindAllString(content, -1) {
				if id == "import" || id == "from" || id == "as" {
					continue
				}
				names[id] = true
			}
		}
	}
	return names
}

var stringLiteralRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)

// extractImportPaths collects raw import path/module literals at file scope
// (e.g. "fmt", "github.com/foo/bar", "./utils", "os.path").
func extractImportPaths(root *chunk.Node, source []byte, lang string) []string {
	var nodeTypes []string
	switch lang {
	case "go":
		nodeTypes = []string{"import_spec"}
	case "python":
		nodeTypes = []string{"import_statement", "import_from_statement"}
	default:
		nodeTypes = []string{"import_statement"}
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range nodeTypes {
		for _, node := range root.FindAllByType(t) {
			content := node.GetContent(source)
			if m := stringLiteralRe.FindStringSubmatch(content); m != nil {
				path := m[1]
				if path == "" {
					path = m[2]
				}
				if path != "" && !seen[path] {
					seen[path] = true
					out = append(out, path)
				}
				continue
			}
			if lang == "python" {
				// "import os.path" / "from os import path" — fall back to dotted module token.
				fields := strings.Fields(content)
				for _, f := range fields {
					f = strings.TrimSuffix(f, ",")
					if f == "import" || f == "from" || f == "as" {
						continue
					}
					if !seen[f] {
						seen[f] = true
						out = append(out, f)
					}
				}
			}
		}
	}
	return out
}

func intersectIdentifiers(content string, imports map[string]bool) []string {
	if len(imports) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, id := range identifierRe.FindAllString(content, -1) {
		if imports[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
