package markup

import (
	"strings"
	"testing"
)

func TestToMarkdown_Emphasis(t *testing.T) {
	t.Parallel()

	got := ToMarkdown("[B]bold[/B] and [I]italic[/I] and [U]under[/U] and [S]gone[/S]")
	want := "**bold** and *italic* and __under__ and ~~gone~~"
	if got != want {
		t.Fatalf("unexpected markdown: %q", got)
	}
}

func TestToMarkdown_Links(t *testing.T) {
	t.Parallel()

	got := ToMarkdown("see [URL=https://example.com/a]docs[/URL] or [URL]https://example.com/b[/URL]")
	want := "see [docs](https://example.com/a) or https://example.com/b"
	if got != want {
		t.Fatalf("unexpected markdown: %q", got)
	}
}

func TestToMarkdown_CodeAndBreaksAndStrip(t *testing.T) {
	t.Parallel()

	got := ToMarkdown("[SIZE=14]hi[/SIZE][BR][CODE]x := 1[/CODE]")
	if !strings.Contains(got, "hi\n") {
		t.Fatalf("expected BR to become newline: %q", got)
	}
	if !strings.Contains(got, "```\nx := 1\n```") {
		t.Fatalf("expected fenced code: %q", got)
	}
	if strings.Contains(got, "[SIZE") {
		t.Fatalf("expected size tag stripped: %q", got)
	}
}

func TestToBB_Emphasis(t *testing.T) {
	t.Parallel()

	got := ToBB("**bold** and *italic* and __under__ and ~~gone~~")
	want := "[B]bold[/B] and [I]italic[/I] and [U]under[/U] and [S]gone[/S]"
	if got != want {
		t.Fatalf("unexpected bb: %q", got)
	}
}

func TestToBB_Links(t *testing.T) {
	t.Parallel()

	got := ToBB("see [docs](https://example.com/a)")
	if got != "see [URL=https://example.com/a]docs[/URL]" {
		t.Fatalf("unexpected bb: %q", got)
	}
}

func TestToBB_BareURLExcludesTrailingPunctuation(t *testing.T) {
	t.Parallel()

	got := ToBB("read https://example.com/page.")
	if got != "read [URL=https://example.com/page]https://example.com/page[/URL]." {
		t.Fatalf("unexpected bb: %q", got)
	}
}

func TestToBB_BareURLKeepsBalancedParen(t *testing.T) {
	t.Parallel()

	got := ToBB("wiki https://en.example.org/wiki/Go_(language)")
	if !strings.Contains(got, "[URL=https://en.example.org/wiki/Go_(language)]") {
		t.Fatalf("expected balanced paren kept in url: %q", got)
	}
}

func TestToBB_CodeBlockBecomesTabIndented(t *testing.T) {
	t.Parallel()

	got := ToBB("```go\nfunc a() {}\nreturn\n```")
	want := "\tfunc a() {}\n\treturn"
	if got != want {
		t.Fatalf("unexpected bb: %q", got)
	}
}

func TestToBB_HeadersFlattenToBold(t *testing.T) {
	t.Parallel()

	got := ToBB("## Title\nbody")
	if got != "[B]Title[/B]\nbody" {
		t.Fatalf("unexpected bb: %q", got)
	}
}

func TestToBB_BlockquoteAndTable(t *testing.T) {
	t.Parallel()

	got := ToBB("> quoted\n\n| a | b |\n|---|---|\n| 1 | 2 |")
	if !strings.Contains(got, ">> quoted") {
		t.Fatalf("expected double-chevron quote: %q", got)
	}
	if strings.Contains(got, "---") {
		t.Fatalf("expected table ruler dropped: %q", got)
	}
	if !strings.Contains(got, "| 1 | 2 |") {
		t.Fatalf("expected table rows kept as pipe lines: %q", got)
	}
}

// Round-trip over the bold/italic/link/url sublanguage preserves tag
// structure. Byte equality is not promised anywhere else: code blocks,
// headers, and tables flatten on the way out and stay flat.
func TestRoundTrip_Sublanguage(t *testing.T) {
	t.Parallel()

	cases := []string{
		"[B]bold[/B] plain [I]italic[/I]",
		"[B][I]nested[/I][/B]",
		"go to [URL=https://example.com]example[/URL] now",
	}
	for _, bb := range cases {
		md := ToMarkdown(bb)
		back := ToBB(md)
		for _, tag := range []string{"[B]", "[/B]", "[I]", "[/I]", "[URL="} {
			if strings.Count(bb, tag) != strings.Count(back, tag) {
				t.Fatalf("round trip changed %s structure: %q -> %q -> %q", tag, bb, md, back)
			}
		}
	}
}

func TestRoundTrip_BareURLBecomesExplicitLink(t *testing.T) {
	t.Parallel()

	// Documented lossiness: a bare [URL]x[/URL] comes back as [URL=x]x[/URL].
	back := ToBB(ToMarkdown("[URL]https://example.com[/URL]"))
	if back != "[URL=https://example.com]https://example.com[/URL]" {
		t.Fatalf("unexpected round trip: %q", back)
	}
}
