package bitrix

import "strings"

// pairedTags are the bracket tags the portal renders as open/close pairs.
// A chunk boundary must not leave one half of a pair behind.
var pairedTags = map[string]bool{
	"B":     true,
	"I":     true,
	"U":     true,
	"S":     true,
	"URL":   true,
	"CODE":  true,
	"QUOTE": true,
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
// Lines longer than the limit are cut mid-line, never inside a bracket
// token, and tags still open at a cut are closed there and reopened in the
// next chunk so every chunk renders on its own.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n"))
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

// openTag remembers the original open token so an attribute form like
// [URL=...] can be reopened verbatim in the next chunk.
type openTag struct {
	name  string
	token string
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0)
	var open []openTag
	start := 0
	for start < len(runes) {
		prefix := reopenTokens(open)
		room := limit - runeLen(prefix)
		if room <= 0 {
			// tag overhead alone exceeds the limit; give up on
			// balancing and make a plain cut
			prefix = ""
			open = nil
			room = limit
		}
		if start+room >= len(runes) {
			appendChunk(&chunks, prefix+string(runes[start:]))
			break
		}
		end := backOffTagToken(runes, start, start+room)
		segOpen := applyTags(open, string(runes[start:end]))
		suffix := closeTokens(segOpen)
		for end > start+1 && runeLen(prefix)+(end-start)+runeLen(suffix) > limit {
			end = backOffTagToken(runes, start, end-1)
			segOpen = applyTags(open, string(runes[start:end]))
			suffix = closeTokens(segOpen)
		}
		if end <= start {
			// a single token longer than the budget; cut through it
			end = start + room
			segOpen = applyTags(open, string(runes[start:end]))
			suffix = ""
		}
		appendChunk(&chunks, prefix+string(runes[start:end])+suffix)
		open = segOpen
		start = end
	}
	return chunks
}

func appendChunk(chunks *[]string, segment string) {
	segment = strings.TrimSpace(segment)
	if segment != "" {
		*chunks = append(*chunks, segment)
	}
}

// backOffTagToken moves a cut out of the middle of a bracket token. When
// the token itself starts at or before start the cut stays where it is.
func backOffTagToken(runes []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		switch runes[i] {
		case ']':
			return end
		case '[':
			if i > start {
				return i
			}
			return end
		}
	}
	return end
}

// applyTags replays the paired tags in segment on top of the carried-in
// stack and returns the tags still open afterwards.
func applyTags(open []openTag, segment string) []openTag {
	stack := append([]openTag(nil), open...)
	for i := 0; i < len(segment); i++ {
		if segment[i] != '[' {
			continue
		}
		end := strings.IndexByte(segment[i:], ']')
		if end < 0 {
			break
		}
		token := segment[i : i+end+1]
		inner := token[1 : len(token)-1]
		if strings.HasPrefix(inner, "/") {
			name := strings.ToUpper(strings.TrimSpace(inner[1:]))
			for j := len(stack) - 1; j >= 0; j-- {
				if stack[j].name == name {
					stack = append(stack[:j], stack[j+1:]...)
					break
				}
			}
		} else {
			name := strings.ToUpper(inner)
			if eq := strings.IndexByte(name, '='); eq >= 0 {
				name = name[:eq]
			}
			if pairedTags[strings.TrimSpace(name)] {
				stack = append(stack, openTag{name: strings.TrimSpace(name), token: token})
			}
		}
		i += end
	}
	return stack
}

func closeTokens(open []openTag) string {
	var sb strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		sb.WriteString("[/" + open[i].name + "]")
	}
	return sb.String()
}

func reopenTokens(open []openTag) string {
	var sb strings.Builder
	for _, tag := range open {
		sb.WriteString(tag.token)
	}
	return sb.String()
}
