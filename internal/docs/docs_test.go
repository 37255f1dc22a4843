package docs

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractPlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.md")
	require.NoError(t, os.WriteFile(path, []byte("  1. What is a stack?\n答案：LIFO\n"), 0o644))
	assert.Equal(t, "1. What is a stack?\n答案：LIFO", ExtractText(path))
}

func TestExtractHTMLKeepsTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.html")
	html := `<html><head><title>x</title><style>p{}</style></head><body>
<p>1. Compute the average waiting time.</p>
<table><tr><th>Process</th><th>Burst</th></tr><tr><td>P1</td><td>4</td></tr></table>
</body></html>`
	require.NoError(t, os.WriteFile(path, []byte(html), 0o644))

	got := ExtractText(path)
	assert.Contains(t, got, "1. Compute the average waiting time.")
	assert.Contains(t, got, "| Process | Burst |")
	assert.NotContains(t, got, "p{}")
}

func TestExtractDocx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exam.docx")
	writeZip(t, path, map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"word/document.xml": `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>1. Define</w:t></w:r><w:r><w:t xml:space="preserve"> recursion.</w:t></w:r></w:p>
<w:p><w:r><w:t>答案：函数调用自身</w:t></w:r></w:p>
</w:body></w:document>`,
	})
	got := ExtractText(path)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1. Define recursion.", lines[0])
	assert.Equal(t, "答案：函数调用自身", lines[1])
}

func TestExtractPptxOrdersSlides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.pptx")
	slide := func(text string) string {
		return `<p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` +
			text + `</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
	}
	writeZip(t, path, map[string]string{
		"ppt/slides/slide10.xml": slide("third"),
		"ppt/slides/slide2.xml":  slide("second"),
		"ppt/slides/slide1.xml":  slide("first"),
	})
	assert.Equal(t, "first\nsecond\nthird", ExtractText(path))
}

func TestExtractFailuresYieldEmpty(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", ExtractText(filepath.Join(dir, "missing.txt")))

	odd := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(odd, []byte{0x89, 'P', 'N', 'G'}, 0o644))
	assert.Equal(t, "", ExtractText(odd))
	assert.False(t, Supported(odd))

	broken := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(broken, []byte("not a pdf"), 0o644))
	assert.Equal(t, "", ExtractText(broken))
}
