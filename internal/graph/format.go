package graph

import (
	"fmt"
	"strings"
)

// FormatRecords renders units as the structural-query record format: a
// sequence of "key: value" records separated by "---\n".
func FormatRecords(units []*UnitMeta) string {
	var b strings.Builder
	for _, u := range units {
		fmt.Fprintf(&b, "file: %s\n", u.File)
		fmt.Fprintf(&b, "line: %d-%d\n", u.StartLine, u.EndLine)
		fmt.Fprintf(&b, "kind: %s\n", u.Kind)
		fmt.Fprintf(&b, "name: %s\n", u.Name)
		fmt.Fprintf(&b, "signature: %s\n", u.Signature)
		fmt.Fprintf(&b, "pagerank: %.4f\n", u.Rank)
		fmt.Fprintf(&b, "exported: %t\n", u.Exported)
		b.WriteString("---\n")
	}
	return b.String()
}
