// ABOUTME: Fenced code block extraction from finalized message text
// ABOUTME: Best-effort scan; bare JSON fences are tagged as json

package chat

import (
	"regexp"
	"strings"

	"github.com/huddlehq/huddle/internal/store"
)

var fencedBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n?(.*?)```")

// ExtractCodeBlocks scans text for fenced code blocks. Blocks without a
// language whose body starts with "{" are tagged as json, which is what the
// team-specification lookup keys on.
func ExtractCodeBlocks(text string) []store.CodeBlock {
	matches := fencedBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	blocks := make([]store.CodeBlock, 0, len(matches))
	for _, m := range matches {
		language := m[1]
		body := strings.TrimSuffix(m[2], "\n")
		if language == "" && strings.HasPrefix(strings.TrimSpace(body), "{") {
			language = "json"
		}
		blocks = append(blocks, store.CodeBlock{Language: language, CodeBlock: body})
	}
	return blocks
}
