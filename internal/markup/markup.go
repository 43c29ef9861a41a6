// Package markup converts between the Bitrix24 BB-style bracket markup and
// the Markdown dialect used by the agent side. Both directions are pure
// text transforms. The two dialects do not cover each other: code blocks,
// headers, and tables have no bracket-markup primitive and are flattened on
// the way out, so round-trips are lossy outside the bold/italic/link
// sublanguage.
package markup

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	bbCode    = regexp.MustCompile(`(?is)\[CODE\]\n?(.*?)\[/CODE\]`)
	bbURLText = regexp.MustCompile(`(?is)\[URL=([^\]]+)\](.*?)\[/URL\]`)
	bbURLBare = regexp.MustCompile(`(?is)\[URL\](.*?)\[/URL\]`)
	bbBold    = regexp.MustCompile(`(?is)\[B\](.*?)\[/B\]`)
	bbItalic  = regexp.MustCompile(`(?is)\[I\](.*?)\[/I\]`)
	bbUnder   = regexp.MustCompile(`(?is)\[U\](.*?)\[/U\]`)
	bbStrike  = regexp.MustCompile(`(?is)\[S\](.*?)\[/S\]`)
	bbBreak   = regexp.MustCompile(`(?i)\[BR\]`)
	// Presentational tags carry no markdown equivalent; the content is kept.
	bbStrip = regexp.MustCompile(`(?i)\[/?(?:SIZE|COLOR|FONT)(?:=[^\]]*)?\]`)
)

// ToMarkdown converts bracket markup to markdown.
func ToMarkdown(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	out := text
	out = bbCode.ReplaceAllString(out, "```\n$1\n```")
	out = bbURLText.ReplaceAllString(out, "[$2]($1)")
	out = bbURLBare.ReplaceAllString(out, "$1")
	out = bbBold.ReplaceAllString(out, "**$1**")
	out = bbItalic.ReplaceAllString(out, "*$1*")
	out = bbUnder.ReplaceAllString(out, "__$1__")
	out = bbStrike.ReplaceAllString(out, "~~$1~~")
	out = bbBreak.ReplaceAllString(out, "\n")
	out = bbStrip.ReplaceAllString(out, "")
	return out
}

var (
	mdFence      = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)\n?```")
	mdHeader     = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	mdQuote      = regexp.MustCompile(`(?m)^>[ \t]?(.*)$`)
	mdTableSep   = regexp.MustCompile(`(?m)^[ \t]*\|?[ \t:|-]*-[ \t:|-]*\|?[ \t]*$\n?`)
	mdLink       = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	mdBoldItalic = regexp.MustCompile(`\*\*\*([^*]+)\*\*\*`)
	mdBold       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdUnder      = regexp.MustCompile(`__([^_]+)__`)
	mdItalicStar = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdItalicLow  = regexp.MustCompile(`\b_([^_\n]+)_\b`)
	mdStrike     = regexp.MustCompile(`~~([^~]+)~~`)
	mdInlineCode = regexp.MustCompile("`([^`\n]+)`")
	bareURL      = regexp.MustCompile(`https?://[^\s\[\]<>]+`)
)

// trailing sentence punctuation is not part of an auto-detected URL
const urlTrailingPunct = ".,;:!?'\")"

// ToBB converts markdown to bracket markup. Constructs the target markup
// cannot express are flattened: fenced code becomes tab-indented lines,
// headers become bold, table rulers are dropped, blockquotes become a
// double-chevron prefix.
func ToBB(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	out := text

	// Fenced code first so its content is exempt from inline rules.
	var stash []string
	out = mdFence.ReplaceAllStringFunc(out, func(match string) string {
		body := mdFence.FindStringSubmatch(match)[1]
		lines := strings.Split(body, "\n")
		for i, line := range lines {
			lines[i] = "\t" + line
		}
		stash = append(stash, strings.Join(lines, "\n"))
		return placeholder(len(stash) - 1)
	})

	out = mdTableSep.ReplaceAllString(out, "")
	out = mdHeader.ReplaceAllString(out, "[B]$1[/B]")
	out = mdQuote.ReplaceAllString(out, ">> $1")

	out = mdLink.ReplaceAllStringFunc(out, func(match string) string {
		parts := mdLink.FindStringSubmatch(match)
		label, target := parts[1], parts[2]
		if strings.TrimSpace(label) == "" {
			label = target
		}
		stash = append(stash, "[URL="+target+"]"+label+"[/URL]")
		return placeholder(len(stash) - 1)
	})

	out = mdBoldItalic.ReplaceAllString(out, "[B][I]$1[/I][/B]")
	out = mdBold.ReplaceAllString(out, "[B]$1[/B]")
	out = mdUnder.ReplaceAllString(out, "[U]$1[/U]")
	out = mdItalicStar.ReplaceAllString(out, "[I]$1[/I]")
	out = mdItalicLow.ReplaceAllString(out, "[I]$1[/I]")
	out = mdStrike.ReplaceAllString(out, "[S]$1[/S]")
	out = mdInlineCode.ReplaceAllString(out, "$1")

	out = bareURL.ReplaceAllStringFunc(out, func(match string) string {
		url, rest := splitTrailingPunct(match)
		if url == "" {
			return match
		}
		stash = append(stash, "[URL="+url+"]"+url+"[/URL]")
		return placeholder(len(stash)-1) + rest
	})

	for i := len(stash) - 1; i >= 0; i-- {
		out = strings.Replace(out, placeholder(i), stash[i], 1)
	}
	return out
}

func placeholder(i int) string {
	return fmt.Sprintf("\x00mk%d\x00", i)
}

func splitTrailingPunct(url string) (string, string) {
	end := len(url)
	for end > 0 && strings.ContainsRune(urlTrailingPunct, rune(url[end-1])) {
		// keep a closing paren that balances an opening one inside the URL
		if url[end-1] == ')' && strings.Count(url[:end], "(") >= strings.Count(url[:end], ")") {
			break
		}
		end--
	}
	return url[:end], url[end:]
}
