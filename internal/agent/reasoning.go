package agent

import (
	"regexp"
	"strings"
)

// Reasoning spans are delimited inline in model output. Some models
// emit the span with no closing tag when the stream is cut short.
const (
	thinkStart = "<think>"
	thinkEnd   = "</think>"
)

var thinkSpanRe = regexp.MustCompile(`(?s)<think>(.*?)</think>\s*`)

// ExtractReasoning splits raw model output into the user-visible
// answer and the inline reasoning content. An opening delimiter with
// no close means the model was cut off mid-thought: everything from
// the delimiter on is reasoning, none of it visible.
func ExtractReasoning(raw string) (visible, reasoning string) {
	if !strings.Contains(raw, thinkStart) {
		return strings.TrimSpace(raw), ""
	}

	matches := thinkSpanRe.FindAllStringSubmatch(raw, -1)
	if len(matches) > 0 {
		var spans []string
		for _, m := range matches {
			if span := strings.TrimSpace(m[1]); span != "" {
				spans = append(spans, span)
			}
		}
		reasoning = strings.Join(spans, "\n")
		visible = strings.TrimSpace(thinkSpanRe.ReplaceAllString(raw, ""))
		return visible, reasoning
	}

	// Unclosed span.
	idx := strings.Index(raw, thinkStart)
	visible = strings.TrimSpace(raw[:idx])
	reasoning = strings.TrimSpace(raw[idx+len(thinkStart):])
	return visible, reasoning
}

// StreamFilter suppresses reasoning spans from a token stream as it
// arrives, so callers can print deltas live without showing the
// model's inline thinking. Delimiters may be split across deltas; the
// filter holds back any suffix that could still grow into one.
//
// Visible output matches what ExtractReasoning would leave: closed
// spans vanish along with trailing whitespace, and an unclosed span
// swallows everything after its opening delimiter.
type StreamFilter struct {
	pending string
	inThink bool
	trimWS  bool
}

// Feed consumes the next delta and returns the part that is safe to
// show now. Text that might belong to a delimiter is held until a
// later delta or Flush settles it.
func (f *StreamFilter) Feed(delta string) string {
	f.pending += delta
	var out strings.Builder
	for {
		if f.inThink {
			idx := strings.Index(f.pending, thinkEnd)
			if idx < 0 {
				// Keep only what could still complete the closing tag.
				f.pending = f.pending[len(f.pending)-suffixPrefixLen(f.pending, thinkEnd):]
				break
			}
			f.pending = f.pending[idx+len(thinkEnd):]
			f.inThink = false
			f.trimWS = true
			continue
		}
		if f.trimWS {
			trimmed := strings.TrimLeft(f.pending, " \t\r\n")
			if trimmed == "" {
				f.pending = ""
				break
			}
			f.pending = trimmed
			f.trimWS = false
		}
		idx := strings.Index(f.pending, thinkStart)
		if idx < 0 {
			hold := suffixPrefixLen(f.pending, thinkStart)
			out.WriteString(f.pending[:len(f.pending)-hold])
			f.pending = f.pending[len(f.pending)-hold:]
			break
		}
		out.WriteString(f.pending[:idx])
		f.pending = f.pending[idx+len(thinkStart):]
		f.inThink = true
	}
	return out.String()
}

// Flush settles held-back text at end of stream. Inside an unclosed
// span nothing is visible; otherwise a partial delimiter turns out to
// have been plain text.
func (f *StreamFilter) Flush() string {
	if f.inThink || f.trimWS {
		f.pending = ""
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// suffixPrefixLen reports the length of the longest suffix of s that
// is a proper prefix of delim.
func suffixPrefixLen(s, delim string) int {
	max := len(delim) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, delim[:n]) {
			return n
		}
	}
	return 0
}
