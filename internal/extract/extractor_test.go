package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shu-ai/shu-core/internal/observability"
)

type fakeOCR struct {
	text       string
	confidence float64
	err        error
	calls      int
}

func (f *fakeOCR) Name() string { return "fake-ocr" }

func (f *fakeOCR) ExtractText(context.Context, string, []byte) (string, float64, error) {
	f.calls++
	return f.text, f.confidence, f.err
}

func TestExtractPlainText(t *testing.T) {
	e := NewTextExtractor(nil, observability.NopLogger())

	res, err := e.Extract(context.Background(), "notes.md", []byte("  # Heading\nBody text.  "), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, "# Heading\nBody text.", res.Content)
	assert.Equal(t, "text", res.Method)
	assert.Equal(t, "native", res.Engine)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestExtractBinaryUsesOCR(t *testing.T) {
	ocr := &fakeOCR{text: "scanned page text", confidence: 0.92}
	e := NewTextExtractor(ocr, observability.NopLogger())

	res, err := e.Extract(context.Background(), "scan.pdf", []byte("%PDF-1.7 ..."), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, "scanned page text", res.Content)
	assert.Equal(t, "ocr", res.Method)
	assert.Equal(t, "fake-ocr", res.Engine)
	assert.Equal(t, 0.92, res.Confidence)
	assert.Equal(t, 1, ocr.calls)
}

func TestExtractTextOnlyRejectsBinary(t *testing.T) {
	ocr := &fakeOCR{text: "should not be called"}
	e := NewTextExtractor(ocr, observability.NopLogger())

	_, err := e.Extract(context.Background(), "scan.pdf", []byte("%PDF"), ModeTextOnly)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Zero(t, ocr.calls)
}

func TestExtractFallbackUsesOCRWhenEmpty(t *testing.T) {
	ocr := &fakeOCR{text: "recovered by ocr", confidence: 0.8}
	e := NewTextExtractor(ocr, observability.NopLogger())

	res, err := e.Extract(context.Background(), "empty.txt", []byte("   \n \t "), ModeFallback)
	require.NoError(t, err)
	assert.Equal(t, "recovered by ocr", res.Content)
	assert.Equal(t, "ocr", res.Method)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	e := NewTextExtractor(&fakeOCR{}, observability.NopLogger())

	_, err := e.Extract(context.Background(), "binary.exe", []byte{0x4D, 0x5A}, ModeAuto)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractEmptyText(t *testing.T) {
	e := NewTextExtractor(nil, observability.NopLogger())

	_, err := e.Extract(context.Background(), "empty.txt", []byte(""), ModeAuto)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestExtractOCREmptyResult(t *testing.T) {
	e := NewTextExtractor(&fakeOCR{text: "  "}, observability.NopLogger())

	_, err := e.Extract(context.Background(), "scan.pdf", []byte("%PDF"), ModeAuto)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeAlways, ParseMode("always"))
	assert.Equal(t, ModeTextOnly, ParseMode("text_only"))
	assert.Equal(t, ModeAuto, ParseMode(""))
	assert.Equal(t, ModeAuto, ParseMode("bogus"))
}
