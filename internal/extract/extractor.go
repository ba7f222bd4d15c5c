// Package extract turns uploaded files into plain text. Text formats are
// decoded directly; binary formats go through a pluggable OCR engine.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shu-ai/shu-core/internal/observability"
)

// ErrUnsupportedFormat is returned for file types no extractor handles.
var ErrUnsupportedFormat = errors.New("extract: unsupported file format")

// ErrEmptyContent is returned when extraction produced no usable text.
var ErrEmptyContent = errors.New("extract: no text content extracted")

// Mode controls how OCR participates in extraction.
type Mode string

const (
	// ModeAuto lets the extractor pick per file type.
	ModeAuto Mode = "auto"
	// ModeAlways forces OCR even for text formats.
	ModeAlways Mode = "always"
	// ModeNever disables OCR entirely.
	ModeNever Mode = "never"
	// ModeFallback tries direct text extraction first, OCR if it came back
	// empty.
	ModeFallback Mode = "fallback"
	// ModeTextOnly skips OCR and fails on binary formats.
	ModeTextOnly Mode = "text_only"
)

// ParseMode validates a mode string, defaulting to auto.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAlways, ModeNever, ModeFallback, ModeTextOnly:
		return Mode(s)
	default:
		return ModeAuto
	}
}

// Result is the outcome of one extraction.
type Result struct {
	Content    string
	Method     string // "text" or "ocr"
	Engine     string
	Confidence float64
	Duration   time.Duration
	Metadata   map[string]interface{}
}

// OCREngine extracts text from binary content. Implementations wrap external
// OCR providers; calls must honor ctx cancellation and per-page timeouts.
type OCREngine interface {
	Name() string
	ExtractText(ctx context.Context, filename string, content []byte) (text string, confidence float64, err error)
}

// TextExtractor dispatches per file extension.
type TextExtractor struct {
	ocr    OCREngine
	logger *observability.Logger
}

// NewTextExtractor creates an extractor. ocr may be nil, in which case
// binary formats fail with ErrUnsupportedFormat.
func NewTextExtractor(ocr OCREngine, logger *observability.Logger) *TextExtractor {
	return &TextExtractor{ocr: ocr, logger: logger.WithOperation("extract")}
}

// Text formats decoded without OCR.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".xml": true, ".html": true,
	".htm": true, ".log": true, ".rst": true,
}

// OCR-able binary formats.
var ocrExtensions = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".tif": true, ".tiff": true, ".webp": true,
	".docx": true, ".doc": true, ".pptx": true, ".ppt": true,
}

// Extract produces text from the uploaded bytes according to the mode.
func (e *TextExtractor) Extract(ctx context.Context, filename string, content []byte, mode Mode) (*Result, error) {
	start := time.Now()
	ext := strings.ToLower(extensionOf(filename))

	isText := textExtensions[ext]
	isOCRable := ocrExtensions[ext]
	if !isText && !isOCRable {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	useOCR := false
	switch mode {
	case ModeAlways:
		useOCR = true
	case ModeNever, ModeTextOnly:
		if !isText {
			return nil, fmt.Errorf("%w: %s requires OCR", ErrUnsupportedFormat, ext)
		}
	default: // auto, fallback
		useOCR = !isText
	}

	if !useOCR {
		result, err := e.extractPlainText(filename, content, start)
		if err == nil || mode != ModeFallback {
			return result, err
		}
		e.logger.Warn().Err(err).Str("filename", filename).Msg("Text extraction empty, falling back to OCR")
		useOCR = true
	}

	if e.ocr == nil {
		return nil, fmt.Errorf("%w: no OCR engine configured for %s", ErrUnsupportedFormat, ext)
	}

	text, confidence, err := e.ocr.ExtractText(ctx, filename, content)
	if err != nil {
		return nil, fmt.Errorf("extract: ocr %s: %w", filename, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}

	return &Result{
		Content:    text,
		Method:     "ocr",
		Engine:     e.ocr.Name(),
		Confidence: confidence,
		Duration:   time.Since(start),
		Metadata:   map[string]interface{}{"extension": ext},
	}, nil
}

func (e *TextExtractor) extractPlainText(filename string, content []byte, start time.Time) (*Result, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("extract: %s is not valid UTF-8 text", filename)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil, ErrEmptyContent
	}

	return &Result{
		Content:    text,
		Method:     "text",
		Engine:     "native",
		Confidence: 1.0,
		Duration:   time.Since(start),
		Metadata:   map[string]interface{}{"extension": strings.ToLower(extensionOf(filename))},
	}, nil
}
