package extract

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bridgewayai/b24bridge/internal/attachment"
)

const (
	// textPreviewBytes caps the plain-text preview window.
	textPreviewBytes = 4096
	// minPDFTextLen below which a PDF is treated as a scan and the
	// embedded-image fallback kicks in.
	minPDFTextLen = 64
	// maxPDFImageBytes caps how much of a decompressed stream is kept.
	maxPDFImageBytes = 20 << 20
)

var plainTextExts = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".log": true,
	".json": true, ".xml": true, ".yaml": true, ".yml": true,
	".ini": true, ".html": true, ".htm": true,
}

var officeFormats = map[string]string{
	".doc": "Word document", ".docx": "Word document",
	".xls": "Excel spreadsheet", ".xlsx": "Excel spreadsheet",
	".ppt": "PowerPoint presentation", ".pptx": "PowerPoint presentation",
	".odt": "OpenDocument text", ".ods": "OpenDocument spreadsheet",
	".odp": "OpenDocument presentation", ".rtf": "Rich text document",
}

// Document extracts a text preview from plain-text files and PDFs. PDFs
// that yield almost no text are treated as scans: the first embedded image
// stream that looks like a JPEG is routed through the image extractor.
type Document struct {
	image  *Image
	logger *slog.Logger
}

func NewDocument(image *Image, log *slog.Logger) *Document {
	if log == nil {
		log = slog.Default()
	}
	return &Document{
		image:  image,
		logger: log.With(slog.String("component", "extract.document")),
	}
}

func (e *Document) Describe(ctx context.Context, att *attachment.Attachment, data []byte) string {
	ext := strings.ToLower(filepath.Ext(att.Name))
	switch {
	case ext == ".pdf" || strings.Contains(att.MimeType, "pdf"):
		return e.describePDF(ctx, att, data)
	case plainTextExts[ext] || strings.HasPrefix(att.MimeType, "text/"):
		preview := textPreview(data)
		if preview == "" {
			return placeholder("Document", att)
		}
		att.ContentDescription = preview
		return fmt.Sprintf("[Document: %s, %d bytes]\n%s", att.Name, att.SizeBytes, preview)
	default:
		if label, ok := officeFormats[ext]; ok {
			return fmt.Sprintf("[%s: %s, %d bytes]", label, att.Name, att.SizeBytes)
		}
		return placeholder("Document", att)
	}
}

func (e *Document) describePDF(ctx context.Context, att *attachment.Attachment, data []byte) string {
	text := extractPDFText(data)
	if len(text) >= minPDFTextLen {
		if len(text) > textPreviewBytes {
			text = trimToRune(text, textPreviewBytes)
		}
		att.ContentDescription = text
		return fmt.Sprintf("[PDF document: %s, %d bytes]\n%s", att.Name, att.SizeBytes, text)
	}
	// little or no text layer, likely a scanned document
	img := firstPDFImage(data)
	if img == nil || e.image == nil {
		return fmt.Sprintf("[PDF document: %s, %d bytes, no extractable text]", att.Name, att.SizeBytes)
	}
	e.logger.Debug("scanned pdf fallback", slog.String("name", att.Name), slog.Int("image_bytes", len(img)))
	page := *att
	page.Name = strings.TrimSuffix(att.Name, filepath.Ext(att.Name)) + "_page.jpg"
	page.MimeType = "image/jpeg"
	desc := e.image.Describe(ctx, &page, img)
	att.ContentDescription = page.ContentDescription
	return fmt.Sprintf("[PDF document: %s, %d bytes, scanned]\n%s", att.Name, att.SizeBytes, desc)
}

func textPreview(data []byte) string {
	if len(data) > textPreviewBytes {
		data = data[:textPreviewBytes]
		for len(data) > 0 && !utf8.Valid(data) {
			data = data[:len(data)-1]
		}
	}
	return strings.TrimSpace(string(data))
}

func trimToRune(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// extractPDFText scans the raw bytes for Tj and TJ text-showing operators.
// It understands literal strings with escape sequences but is not a PDF
// parser: encoded fonts and compressed content streams come out garbled or
// empty, which the caller treats as "no text layer".
func extractPDFText(data []byte) string {
	var out strings.Builder
	i := 0
	for i < len(data) {
		switch data[i] {
		case '(':
			s, next := pdfLiteral(data, i)
			j := skipPDFSpace(data, next)
			if bytes.HasPrefix(data[j:], []byte("Tj")) {
				out.WriteString(s)
				out.WriteByte(' ')
				i = j + 2
				continue
			}
			i = next
		case '[':
			parts, next, isTJ := pdfArray(data, i)
			if isTJ {
				for _, p := range parts {
					out.WriteString(p)
				}
				out.WriteByte(' ')
			}
			i = next
		default:
			i++
		}
	}
	return strings.TrimSpace(out.String())
}

// pdfLiteral reads a (...) literal starting at data[start]=='(' and
// returns the unescaped content and the index one past the closing paren.
func pdfLiteral(data []byte, start int) (string, int) {
	var out strings.Builder
	depth := 0
	i := start
	for i < len(data) {
		c := data[i]
		switch {
		case c == '\\' && i+1 < len(data):
			esc := data[i+1]
			switch esc {
			case 'n':
				out.WriteByte('\n')
			case 'r':
				out.WriteByte('\r')
			case 't':
				out.WriteByte('\t')
			case 'b', 'f':
				// ignored
			case '(', ')', '\\':
				out.WriteByte(esc)
			default:
				if esc >= '0' && esc <= '7' {
					val, n := pdfOctal(data, i+1)
					out.WriteByte(byte(val))
					i += n - 1
				} else {
					out.WriteByte(esc)
				}
			}
			i += 2
		case c == '(':
			depth++
			if depth > 1 {
				out.WriteByte(c)
			}
			i++
		case c == ')':
			depth--
			if depth == 0 {
				return out.String(), i + 1
			}
			out.WriteByte(c)
			i++
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), i
}

func pdfOctal(data []byte, start int) (int, int) {
	val, n := 0, 0
	for n < 3 && start+n < len(data) && data[start+n] >= '0' && data[start+n] <= '7' {
		val = val*8 + int(data[start+n]-'0')
		n++
	}
	return val, n
}

// pdfArray reads a [...] array starting at data[start]=='[', collecting
// any literal strings inside. isTJ reports whether the array is followed
// by a TJ operator.
func pdfArray(data []byte, start int) ([]string, int, bool) {
	var parts []string
	i := start + 1
	for i < len(data) && data[i] != ']' {
		if data[i] == '(' {
			s, next := pdfLiteral(data, i)
			parts = append(parts, s)
			i = next
			continue
		}
		i++
	}
	if i >= len(data) {
		return parts, i, false
	}
	j := skipPDFSpace(data, i+1)
	if bytes.HasPrefix(data[j:], []byte("TJ")) {
		return parts, j + 2, true
	}
	return parts, i + 1, false
}

func skipPDFSpace(data []byte, i int) int {
	for i < len(data) && (data[i] == ' ' || data[i] == '\n' || data[i] == '\r' || data[i] == '\t') {
		i++
	}
	return i
}

var (
	streamMarker    = []byte("stream")
	endstreamMarker = []byte("endstream")
	flateMarker     = []byte("/FlateDecode")
	dctMarker       = []byte("/DCTDecode")
	jpegSOI         = []byte{0xFF, 0xD8, 0xFF}
)

// firstPDFImage walks the object streams and returns the first payload
// that looks like a JPEG, either raw (DCTDecode) or behind FlateDecode.
// Best effort only: other image filters are not recognized.
func firstPDFImage(data []byte) []byte {
	offset := 0
	for {
		idx := bytes.Index(data[offset:], streamMarker)
		if idx < 0 {
			return nil
		}
		streamStart := offset + idx + len(streamMarker)
		// dictionary precedes the stream keyword
		dictStart := offset
		if d := bytes.LastIndex(data[:offset+idx], []byte("<<")); d >= 0 {
			dictStart = d
		}
		dict := data[dictStart : offset+idx]
		for streamStart < len(data) && (data[streamStart] == '\r' || data[streamStart] == '\n') {
			streamStart++
		}
		endIdx := bytes.Index(data[streamStart:], endstreamMarker)
		if endIdx < 0 {
			return nil
		}
		body := data[streamStart : streamStart+endIdx]
		offset = streamStart + endIdx + len(endstreamMarker)

		switch {
		case bytes.Contains(dict, dctMarker) && bytes.HasPrefix(body, jpegSOI):
			return body
		case bytes.HasPrefix(body, jpegSOI):
			return body
		case bytes.Contains(dict, flateMarker):
			decoded, err := inflate(body)
			if err == nil && bytes.HasPrefix(decoded, jpegSOI) {
				return decoded
			}
		}
	}
}

func inflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxPDFImageBytes))
}
