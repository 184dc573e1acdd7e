package enrich

import "strings"

// promptInjectionMarkers are chat-template control sequences that, if
// present verbatim inside indexed source, could be mistaken by a model for
// a turn boundary or system directive. Sanitization neutralizes them
// without altering the code's meaning for a human reader.
var promptInjectionMarkers = []string{
	"<|im_start|>", "<|im_end|>", "<|system|>", "<|user|>", "<|assistant|>",
	"[INST]", "[/INST]", "<<SYS>>", "<</SYS>>",
	"###Instruction", "### Instruction", "###System", "### System",
}

// SanitizeForPrompt neutralizes common chat-template control sequences
// before code content is embedded in an LLM prompt (spec 4.6's prompt
// injection mitigation). Matching is case-sensitive: these tokens are
// rare enough in real source that a broader match would risk mangling
// legitimate content (e.g. a string literal that happens to contain
// "system" in lowercase).
func SanitizeForPrompt(content string) string {
	out := content
	for _, marker := range promptInjectionMarkers {
		if strings.Contains(out, marker) {
			broken := strings.ReplaceAll(marker, "|", "| ")
			out = strings.ReplaceAll(out, marker, broken)
		}
	}
	return out
}
