package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSignatureMatch(t *testing.T) {
	assert.NoError(t, ValidateSignature("report.pdf", []byte("%PDF-1.7\n...")))
	assert.NoError(t, ValidateSignature("photo.png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}))
	assert.NoError(t, ValidateSignature("photo.JPG", []byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.NoError(t, ValidateSignature("deck.pptx", []byte{0x50, 0x4B, 0x03, 0x04, 0x14}))
	assert.NoError(t, ValidateSignature("old.doc", []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00}))
}

func TestValidateSignatureMismatch(t *testing.T) {
	err := ValidateSignature("report.pdf", []byte("MZ executable bytes"))
	require.Error(t, err)
	assert.Equal(t, "File content does not match declared type .pdf", err.Error())

	var mismatch *ContentTypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, ".pdf", mismatch.Extension)
}

func TestValidateSignatureTruncatedContent(t *testing.T) {
	assert.Error(t, ValidateSignature("report.pdf", []byte("%P")))
	assert.Error(t, ValidateSignature("report.pdf", nil))
}

func TestValidateSignatureUnknownExtensionPasses(t *testing.T) {
	assert.NoError(t, ValidateSignature("notes.txt", []byte("anything at all")))
	assert.NoError(t, ValidateSignature("no-extension", []byte{0x00, 0x01}))
}

func TestValidateSignatureAlternates(t *testing.T) {
	assert.NoError(t, ValidateSignature("anim.gif", []byte("GIF89a.......")))
	assert.NoError(t, ValidateSignature("anim.gif", []byte("GIF87a.......")))
	assert.Error(t, ValidateSignature("anim.gif", []byte("GIF00a.......")))

	assert.NoError(t, ValidateSignature("img.tiff", []byte("II*\x00rest")))
	assert.NoError(t, ValidateSignature("img.tiff", []byte("MM\x00*rest")))
}
