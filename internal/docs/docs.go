// Package docs turns sample exam documents into plain text. ExtractText never
// fails: an unsupported or unreadable file yields "".
package docs

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/pavelanni/examforge/internal/markup"
)

// Supported reports whether ExtractText understands the file extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".pdf", ".html", ".htm", ".docx", ".pptx":
		return true
	}
	return false
}

// ExtractText returns the text content of the document at path.
func ExtractText(path string) (text string) {
	defer func() {
		// The PDF reader panics on some malformed streams.
		if r := recover(); r != nil {
			slog.Warn("extract document text", "path", path, "panic", r)
			text = ""
		}
	}()
	text, err := extract(path)
	if err != nil {
		slog.Warn("extract document text", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func extract(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(path)
		return string(data), err
	case ".pdf":
		return pdfText(path)
	case ".html", ".htm":
		return htmlText(path)
	case ".docx":
		return officeText(path, docxParts, "t", "p")
	case ".pptx":
		return officeText(path, pptxParts, "t", "p")
	default:
		return "", fmt.Errorf("unsupported document type %q", filepath.Ext(path))
	}
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

func htmlText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	// Tables become pipe tables so the extraction prompt still sees rows.
	withTables := markup.HTMLTablesToMarkdown(string(data))
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(withTables))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, head").Remove()
	var blocks []string
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			blocks = append(blocks, t)
		}
	})
	return strings.Join(blocks, "\n"), nil
}

func docxParts(name string) bool {
	return name == "word/document.xml"
}

var slideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func pptxParts(name string) bool {
	return slideName.MatchString(name)
}

// officeText reads the text runs of the XML parts selected by want. Runs are
// elements named textTag; paraTag ends a line.
func officeText(path string, want func(string) bool, textTag, paraTag string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Ext(path), err)
	}
	defer zr.Close()

	var parts []*zip.File
	for _, f := range zr.File {
		if want(f.Name) {
			parts = append(parts, f)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return partOrder(parts[i].Name) < partOrder(parts[j].Name) })

	var b strings.Builder
	for _, f := range parts {
		if err := xmlText(f, textTag, paraTag, &b); err != nil {
			return "", fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return b.String(), nil
}

func partOrder(name string) int {
	if m := slideName.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func xmlText(f *zip.File, textTag, paraTag string, b *strings.Builder) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case textTag:
				inText = true
			case "tab":
				b.WriteString("\t")
			case "br":
				b.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case textTag:
				inText = false
			case paraTag:
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
}
