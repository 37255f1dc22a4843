package markup

import (
	"strings"
	"testing"
)

func TestCJKRatio(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"empty", "", 0},
		{"english", "What is a stack?", 0},
		{"chinese", "什么是栈", 1},
		{"mixed", "栈 is", 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CJKRatio(tt.in); got != tt.want {
				t.Errorf("CJKRatio(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if !HasCJK("Explain 栈") || HasCJK("Explain stacks") {
		t.Error("HasCJK misclassified input")
	}
}

func TestMarkdownTablesToHTML(t *testing.T) {
	in := "Given the table:\n| x | y |\n|---|:---:|\n| 1 | 2 |\n| 3 | a<b |\nCompute the sum."
	got := MarkdownTablesToHTML(in)
	want := "Given the table:\n<table><tr><th>x</th><th>y</th></tr><tr><td>1</td><td>2</td></tr><tr><td>3</td><td>a&lt;b</td></tr></table>\nCompute the sum."
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
	if !HasHTMLTable(got) {
		t.Error("expected HTML table")
	}

	plain := "No table | here"
	if MarkdownTablesToHTML(plain) != plain {
		t.Error("text without a delimiter row must be unchanged")
	}
}

func TestHTMLTablesToMarkdown(t *testing.T) {
	in := `Use the data & answer: <table border="1"><tr><th>Process</th><th>Burst</th></tr><tr><td>P1</td><td> 5 </td></tr></table> done`
	got := HTMLTablesToMarkdown(in)
	if !strings.HasPrefix(got, "Use the data & answer: \n| Process | Burst |\n| --- | --- |\n| P1 | 5 |\n") {
		t.Errorf("unexpected conversion %q", got)
	}
	if !strings.HasSuffix(got, " done") {
		t.Errorf("trailing text lost: %q", got)
	}
	if !HasMarkdownTable(got) {
		t.Error("expected a markdown table")
	}
}

func TestTableRoundTrip(t *testing.T) {
	md := "| a | b |\n| --- | --- |\n| 1 | 2 |\n"
	back := HTMLTablesToMarkdown(MarkdownTablesToHTML(md))
	if strings.TrimSpace(back) != strings.TrimSpace(md) {
		t.Errorf("round trip changed table:\n%q\n%q", md, back)
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText("<p>Hello <b>world</b></p><script>alert(1)</script>")
	if got != "Hello world" {
		t.Errorf("PlainText = %q", got)
	}
}
