// Package markup converts tables embedded in question stems between the
// Markdown form models read and write and the HTML form stored in banks, and
// measures how much of a text is CJK.
package markup

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// HasCJK reports whether s contains a Han character.
func HasCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// CJKRatio is the share of Han characters among all characters of s.
func CJKRatio(s string) float64 {
	total, han := 0, 0
	for _, r := range s {
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(han) / float64(total)
}

// HasHTMLTable reports whether s embeds an HTML table.
func HasHTMLTable(s string) bool {
	return strings.Contains(strings.ToLower(s), "<table")
}

var markdownTable = regexp.MustCompile(`(\|.+\|\n\|[ \t\-:|]+\|\n(?:\|.+\|\n?)+)`)

// HasMarkdownTable reports whether s contains a pipe table with a delimiter row.
func HasMarkdownTable(s string) bool {
	return markdownTable.MatchString(s)
}

// MarkdownTablesToHTML replaces every pipe table in s with an HTML table.
// Text outside tables is unchanged.
func MarkdownTablesToHTML(s string) string {
	if !strings.Contains(s, "|") {
		return s
	}
	return markdownTable.ReplaceAllStringFunc(s, func(table string) string {
		var lines []string
		for _, l := range strings.Split(table, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) < 2 {
			return table
		}
		var b strings.Builder
		b.WriteString("<table>")
		writeRow(&b, "th", splitRow(lines[0]))
		for _, l := range lines[2:] {
			if cells := splitRow(l); len(cells) > 0 {
				writeRow(&b, "td", cells)
			}
		}
		b.WriteString("</table>")
		if strings.HasSuffix(table, "\n") {
			b.WriteString("\n")
		}
		return b.String()
	})
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	if len(cells) == 1 && cells[0] == "" {
		return nil
	}
	return cells
}

func writeRow(b *strings.Builder, tag string, cells []string) {
	b.WriteString("<tr>")
	for _, c := range cells {
		b.WriteString("<" + tag + ">")
		b.WriteString(html.EscapeString(c))
		b.WriteString("</" + tag + ">")
	}
	b.WriteString("</tr>")
}

var htmlTable = regexp.MustCompile(`(?is)<table[^>]*>.*?</table>`)

// HTMLTablesToMarkdown replaces every HTML table in s with a pipe table.
// Tables that cannot be parsed or have no rows are left as they are.
func HTMLTablesToMarkdown(s string) string {
	if !HasHTMLTable(s) {
		return s
	}
	return htmlTable.ReplaceAllStringFunc(s, func(table string) string {
		md, ok := tableToMarkdown(table)
		if !ok {
			return table
		}
		return "\n" + md + "\n"
	})
}

func tableToMarkdown(table string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(table))
	if err != nil {
		return "", false
	}
	var rows [][]string
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			text := strings.Join(strings.Fields(cell.Text()), " ")
			cells = append(cells, strings.ReplaceAll(text, "|", `\|`))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	if len(rows) == 0 {
		return "", false
	}
	var b strings.Builder
	for i, cells := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |")
		if i == 0 {
			b.WriteString("\n|" + strings.Repeat(" --- |", len(cells)))
		}
	}
	return b.String(), true
}

// PlainText strips markup from an HTML fragment, keeping tables as pipe
// tables so their structure survives.
func PlainText(fragment string) string {
	withTables := HTMLTablesToMarkdown(fragment)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(withTables))
	if err != nil {
		return fragment
	}
	doc.Find("script, style").Remove()
	return strings.TrimSpace(doc.Text())
}
