// Package payload extracts structured content blocks from free-form assistant text. Generators
// embed at most one block per message using one of a few delimiter conventions; the extractor
// tries each convention in order and keeps the first block that validates as a known payload.
package payload

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oselabs/agentdesk/internal/models"
)

// Extractor applies an ordered list of matchers against raw assistant text. The first matcher
// that matches structurally and whose inner content validates wins; a structurally matching
// block that fails validation falls through to the next matcher rather than failing the whole
// extraction, which tolerates close-but-not-quite-conforming generator output.
type Extractor struct {
	matchers []Matcher

	logger *slog.Logger
}

// NewExtractor creates an extractor with the default matcher chain: fenced code blocks first,
// then <payload> tags, then bare JSON objects.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{
		matchers: []Matcher{fencedMatcher{}, tagMatcher{}, bareMatcher{}},
		logger:   logger.With(slog.String("module", "payload")),
	}
}

// Extract scans raw assistant text for one embedded payload block. On success it returns the
// text with the matched block removed and surrounding whitespace trimmed, plus the decoded
// payload. On failure it returns the text unchanged and a nil payload. Extraction is
// idempotent: once a block has been removed, nothing remains for a second pass to match.
func (e *Extractor) Extract(raw string) (string, *models.Payload) {
	for _, m := range e.matchers {
		blk, ok := m.TryMatch(raw)
		if !ok {
			continue
		}

		var p models.Payload
		if err := json.Unmarshal([]byte(blk.Inner), &p); err != nil {
			e.logger.Debug("Payload block is not a valid JSON object",
				slog.String("err", err.Error()))
			continue
		}

		if p.Type == "" || p.Title == "" || p.Content == "" {
			e.logger.Debug("Payload block is missing required fields",
				slog.String("type", string(p.Type)))
			continue
		}
		if !models.KnownPayloadType(p.Type) {
			e.logger.Debug("Payload block has unknown type", slog.String("type", string(p.Type)))
			continue
		}

		display := strings.TrimSpace(raw[:blk.Start] + raw[blk.End:])
		return display, &p
	}

	return raw, nil
}
