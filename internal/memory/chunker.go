// Package memory maintains the per-agent chunk index over memory
// documents: chunking, optional embeddings, full-text search, and
// hybrid retrieval.
package memory

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// DefaultChunkTarget is the accumulated character length at which a
// chunk is closed. Boundaries never split a line.
const DefaultChunkTarget = 1000

// Chunk is one contiguous line-range slice of a memory document.
type Chunk struct {
	ID             string
	Path           string
	StartLine      int // 1-based, inclusive
	EndLine        int // 1-based, inclusive
	Heading        string
	Text           string
	Hash           string // sha256 of Text, hex encoded
	Embedding      []float32
	EmbeddingModel string
	UpdatedAt      time.Time
}

type headingMark struct {
	line  int
	title string
}

// documentHeadings parses the markdown source and returns each
// heading with the 1-based line it starts on, in document order.
func documentHeadings(source []byte) []headingMark {
	md := goldmark.New()
	root := md.Parser().Parse(gmtext.NewReader(source))

	var marks []headingMark
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(0)
		line := 1 + bytes.Count(source[:seg.Start], []byte("\n"))
		marks = append(marks, headingMark{
			line:  line,
			title: string(h.Text(source)),
		})
		return ast.WalkSkipChildren, nil
	})
	return marks
}

// nearestHeading returns the title of the last heading at or before
// line, or "".
func nearestHeading(marks []headingMark, line int) string {
	idx := sort.Search(len(marks), func(i int) bool { return marks[i].line > line })
	if idx == 0 {
		return ""
	}
	return marks[idx-1].title
}

// SplitDocument partitions content into line-respecting chunks of
// roughly target characters. A chunk closes once its accumulated
// length reaches target; the final chunk takes whatever remains.
// All-whitespace chunks are dropped. Joining the returned texts with
// newlines reconstructs the original document (modulo dropped
// whitespace-only chunks).
func SplitDocument(path, content string, target int) []Chunk {
	if target <= 0 {
		target = DefaultChunkTarget
	}
	lines := strings.Split(content, "\n")
	marks := documentHeadings([]byte(content))

	var chunks []Chunk
	start := 0
	length := 0
	flush := func(end int) {
		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Path:      path,
				StartLine: start + 1,
				EndLine:   end,
				Heading:   nearestHeading(marks, start+1),
				Text:      text,
			})
		}
		start = end
		length = 0
	}

	for i, line := range lines {
		length += len(line) + 1
		if length >= target {
			flush(i + 1)
		}
	}
	if start < len(lines) {
		flush(len(lines))
	}
	return chunks
}
