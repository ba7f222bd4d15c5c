package extract

import (
	"bytes"
	"fmt"
	"strings"
)

// ContentTypeMismatchError reports that uploaded bytes do not match the
// declared file extension. Uploads are rejected before any staging happens.
type ContentTypeMismatchError struct {
	Extension string
}

func (e *ContentTypeMismatchError) Error() string {
	return fmt.Sprintf("File content does not match declared type %s", e.Extension)
}

// signature is a magic-byte prefix at a fixed offset.
type signature struct {
	offset int
	magic  []byte
}

// Binary formats we can verify by signature. Text formats are exempt: they
// have no magic bytes.
var signatures = map[string][]signature{
	".pdf":  {{0, []byte("%PDF")}},
	".png":  {{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
	".jpg":  {{0, []byte{0xFF, 0xD8, 0xFF}}},
	".jpeg": {{0, []byte{0xFF, 0xD8, 0xFF}}},
	".gif":  {{0, []byte("GIF87a")}, {0, []byte("GIF89a")}},
	".zip":  {{0, []byte{0x50, 0x4B, 0x03, 0x04}}, {0, []byte{0x50, 0x4B, 0x05, 0x06}}},
	// Office OOXML containers are zip archives.
	".docx": {{0, []byte{0x50, 0x4B, 0x03, 0x04}}},
	".xlsx": {{0, []byte{0x50, 0x4B, 0x03, 0x04}}},
	".pptx": {{0, []byte{0x50, 0x4B, 0x03, 0x04}}},
	// Legacy Office compound files.
	".doc": {{0, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}}},
	".xls": {{0, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}}},
	".ppt": {{0, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}}},
	".gz":   {{0, []byte{0x1F, 0x8B}}},
	".tif":  {{0, []byte("II*\x00")}, {0, []byte("MM\x00*")}},
	".tiff": {{0, []byte("II*\x00")}, {0, []byte("MM\x00*")}},
	".webp": {{0, []byte("RIFF")}},
}

// ValidateSignature checks uploaded bytes against the declared extension's
// binary signature. Extensions without a known signature pass unchecked.
func ValidateSignature(filename string, content []byte) error {
	ext := strings.ToLower(extensionOf(filename))
	sigs, ok := signatures[ext]
	if !ok {
		return nil
	}

	for _, sig := range sigs {
		end := sig.offset + len(sig.magic)
		if len(content) >= end && bytes.Equal(content[sig.offset:end], sig.magic) {
			return nil
		}
	}
	return &ContentTypeMismatchError{Extension: ext}
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}
