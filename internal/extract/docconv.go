// Package extract turns stored document bytes into raw text with page
// boundaries. Primary extraction goes through docconv; image-only documents
// that yield no text fall back to an external OCR producer.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"code.sajari.com/docconv"

	"github.com/docket-ai/docket/internal/core"
)

// OCRFunc is the external OCR fallback: opaque bytes in, recognized text
// out. Wired to a real service in production, nil to disable.
type OCRFunc func(ctx context.Context, data []byte) (string, error)

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	ocr    OCRFunc
	logger *slog.Logger
}

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// NewDocconvExtractor builds an extractor with an optional OCR fallback.
func NewDocconvExtractor(ocr OCRFunc, logger *slog.Logger) *DocconvExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocconvExtractor{ocr: ocr, logger: logger}
}

// supportedTypes are the content types docconv can parse. Anything else is a
// permanent failure: retrying an unsupported format cannot succeed.
var supportedTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/msword":       true,
	"application/rtf":          true,
	"text/html":                true,
	"text/plain":               true,
	"text/markdown":            true,
	"application/octet-stream": true, // let docconv sniff
}

// Extract produces the document's text and the rune offset where each page
// begins. PDF extraction separates pages with form feeds, which is where the
// page boundaries come from; single-flow formats are treated as one page.
func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, contentType string) (*core.Extraction, error) {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if !supportedTypes[base] {
		return nil, core.Permanent(core.ReasonUnsupportedFormat, fmt.Errorf("content type %q", contentType))
	}
	if len(data) == 0 {
		return nil, core.Permanent(core.ReasonEmptyDocument, fmt.Errorf("zero-byte file"))
	}

	var (
		text string
		name = "docconv"
	)
	switch base {
	case "text/plain", "text/markdown":
		text = string(data)
	default:
		res, err := docconv.Convert(bytes.NewReader(data), base, false)
		if err != nil {
			// docconv failures on a parseable type mean the file itself is bad.
			return nil, core.Permanent(core.ReasonCorruptFile, fmt.Errorf("docconv: %w", err))
		}
		text = res.Body
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(stripFeeds(text)) == "" && e.ocr != nil {
		e.logger.Info("primary extraction empty, invoking OCR fallback", "content_type", base)
		ocrText, err := e.ocr(ctx, data)
		if err != nil {
			return nil, core.ClassifyProviderError(fmt.Errorf("ocr fallback: %w", err))
		}
		text = ocrText
		name = "ocr"
	}
	if strings.TrimSpace(stripFeeds(text)) == "" {
		return nil, core.Permanent(core.ReasonEmptyDocument, fmt.Errorf("no extractable text"))
	}

	clean, offsets := splitPages(text)
	return &core.Extraction{Text: clean, PageOffsets: offsets, Extractor: name}, nil
}

func stripFeeds(s string) string {
	return strings.ReplaceAll(s, "\f", "")
}

// splitPages rewrites form-feed page breaks as paragraph breaks and records
// the rune offset where each page begins in the rewritten text. Blank pages
// contribute a zero-length span instead of being dropped, so every offset
// index still maps to the physical page number a citation needs.
func splitPages(text string) (string, []int) {
	pages := strings.Split(text, "\f")
	if len(pages) == 1 {
		return text, []int{0}
	}

	var (
		sb      strings.Builder
		offsets = make([]int, 0, len(pages))
		pos     int
	)
	for _, p := range pages {
		p = strings.TrimRight(p, "\n")
		if strings.TrimSpace(p) == "" {
			offsets = append(offsets, pos)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
			pos += 2
		}
		offsets = append(offsets, pos)
		sb.WriteString(p)
		pos += len([]rune(p))
	}
	if sb.Len() == 0 {
		return "", []int{0}
	}
	return sb.String(), offsets
}
