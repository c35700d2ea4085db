package payload

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Block is a structurally matched payload span within a larger text. Start and End address the
// full delimited block including its markers, so removing [Start:End) removes the whole block.
// Inner is the content between the markers, expected to be a JSON object.
type Block struct {
	Start int
	End   int
	Inner string
}

// Matcher looks for one specific delimited block convention in free-form text. A matcher only
// judges structure; whether the inner content is a valid payload is the extractor's concern.
type Matcher interface {
	TryMatch(text string) (Block, bool)
}

// fencedMatcher matches a markdown fenced code block whose info string is "payload". It walks
// the goldmark AST rather than scanning for backticks so that fences inside other code blocks
// or inline code don't produce false matches.
type fencedMatcher struct{}

func (fencedMatcher) TryMatch(s string) (Block, bool) {
	src := []byte(s)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blk Block
	found := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || found {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok || fc.Info == nil {
			return ast.WalkContinue, nil
		}
		if string(fc.Language(src)) != "payload" {
			return ast.WalkContinue, nil
		}

		// The opening fence starts at the beginning of the line carrying the info string.
		infoStart := fc.Info.Segment.Start
		start := strings.LastIndexByte(s[:infoStart], '\n') + 1

		var sb strings.Builder
		lines := fc.Lines()
		contentStop := fc.Info.Segment.Stop
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			sb.Write(seg.Value(src))
			contentStop = seg.Stop
		}

		// The closing fence is the next run of backticks after the last content line. An
		// unterminated fence extends to the end of the text.
		end := len(s)
		if idx := strings.Index(s[contentStop:], "```"); idx >= 0 {
			end = contentStop + idx + len("```")
		}

		blk = Block{Start: start, End: end, Inner: sb.String()}
		found = true
		return ast.WalkStop, nil
	})

	return blk, found
}

var payloadTagRe = regexp.MustCompile(`(?s)<payload>\s*(.*?)\s*</payload>`)

// tagMatcher matches a <payload>...</payload> delimited block.
type tagMatcher struct{}

func (tagMatcher) TryMatch(s string) (Block, bool) {
	loc := payloadTagRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return Block{}, false
	}
	return Block{Start: loc[0], End: loc[1], Inner: s[loc[2]:loc[3]]}, true
}

// bareMatcher matches the first balanced JSON object literal that mentions a "type" key. This is
// the last-resort convention for generators that emit the payload object without any delimiters.
type bareMatcher struct{}

func (bareMatcher) TryMatch(s string) (Block, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end, ok := scanObject(s, i)
		if !ok {
			continue
		}
		inner := s[i:end]
		if !strings.Contains(inner, `"type"`) {
			continue
		}
		return Block{Start: i, End: end, Inner: inner}, true
	}
	return Block{}, false
}

// scanObject scans a balanced {...} object starting at s[start], honoring JSON string and escape
// rules. It returns the index just past the closing brace.
func scanObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
