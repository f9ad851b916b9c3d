// Package splitter turns markdown content into heading-scoped segments sized
// for the embedding model's context window.
package splitter

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	minSegmentRunes = 50
	maxSegmentRunes = 700 // Targets ~450 tokens for a 512-token embedding model
)

// Segment is one heading-scoped slice of a document.
type Segment struct {
	Index       int    // Position within the document, starts at 0
	HeadingPath string // Format: "# Heading1 > ## Heading2"
	Text        string
}

// Splitter parses markdown via the goldmark AST and emits size-bounded segments.
type Splitter struct {
	parser goldmark.Markdown
}

// New creates a markdown splitter.
func New() *Splitter {
	return &Splitter{
		parser: goldmark.New(
			goldmark.WithExtensions(extension.Table),
		),
	}
}

// Split parses markdown content and returns the document title and segments.
// Segments follow the heading hierarchy, then get merged or split to fit the
// size bounds. An empty document yields a filename-derived title and no segments.
func (s *Splitter) Split(content []byte, filename string) (string, []Segment, error) {
	if len(content) == 0 {
		return titleFromFilename(filename), nil, nil
	}

	doc := s.parser.Parser().Parse(text.NewReader(content))
	title := documentTitle(doc, content, filename)
	segments := s.collect(doc, content, title)
	segments = s.fitSizeBounds(segments)

	return title, segments, nil
}

// documentTitle picks the first H1, else the first H2, else the filename.
func documentTitle(doc ast.Node, content []byte, filename string) string {
	var firstH1, firstH2 string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		headingText := nodeText(heading, content)
		switch {
		case heading.Level == 1 && firstH1 == "":
			firstH1 = headingText
		case heading.Level == 2 && firstH2 == "" && firstH1 == "":
			firstH2 = headingText
		}
		if firstH1 != "" {
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	if firstH1 != "" {
		return firstH1
	}
	if firstH2 != "" {
		return firstH2
	}
	return titleFromFilename(filename)
}

// titleFromFilename strips the extension and capitalizes each word.
func titleFromFilename(filename string) string {
	name := path.Base(filename)
	if ext := path.Ext(name); ext != "" {
		name = name[:len(name)-len(ext)]
	}

	words := strings.Fields(name)
	for i, word := range words {
		runes := []rune(word)
		if len(runes) > 0 {
			runes[0] = unicode.ToUpper(runes[0])
			words[i] = string(runes)
		}
	}
	return strings.Join(words, " ")
}

type headingFrame struct {
	level int
	text  string
}

// collect walks the AST and groups text under the nearest heading.
func (s *Splitter) collect(doc ast.Node, content []byte, docTitle string) []Segment {
	var segments []Segment
	var current *Segment
	var stack []headingFrame
	index := 0
	seenHeading := false

	ensureCurrent := func() {
		if current == nil && !seenHeading {
			current = &Segment{Index: index, HeadingPath: "# " + docTitle}
		}
	}
	breakLine := func() {
		if current != nil && len(current.Text) > 0 && !strings.HasSuffix(current.Text, "\n") {
			current.Text += "\n"
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			seenHeading = true
			for len(stack) > 0 && stack[len(stack)-1].level >= node.Level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, headingFrame{level: node.Level, text: nodeText(node, content)})

			if current != nil && len(current.Text) > 0 {
				segments = append(segments, *current)
				index++
			}
			current = &Segment{Index: index, HeadingPath: headingPath(stack)}
			return ast.WalkContinue, nil

		case *ast.Text:
			ensureCurrent()
			if current != nil {
				current.Text += string(node.Segment.Value(content))
			}
			return ast.WalkContinue, nil

		case *ast.String:
			if current != nil {
				current.Text += string(node.Value)
			}
			return ast.WalkContinue, nil

		case *ast.CodeSpan:
			if current != nil {
				current.Text += nodeText(node, content)
			}
			return ast.WalkContinue, nil

		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if current != nil {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					current.Text += string(seg.Value(content))
				}
			}
			return ast.WalkContinue, nil

		case *ast.Paragraph, *ast.List, *ast.ListItem:
			breakLine()
			return ast.WalkContinue, nil

		default:
			// Table extension nodes are identified by kind name; rows are
			// flattened into pipe-separated lines.
			kind := n.Kind().String()
			if current != nil && (strings.Contains(kind, "TableRow") || strings.Contains(kind, "TableHeader")) {
				breakLine()
				current.Text += tableRowText(n, content) + "\n"
				return ast.WalkSkipChildren, nil
			}
			if strings.Contains(kind, "TableCell") {
				return ast.WalkSkipChildren, nil
			}
			if current != nil && strings.Contains(kind, "Table") {
				breakLine()
			}
			return ast.WalkContinue, nil
		}
	})

	if current != nil && len(current.Text) > 0 {
		segments = append(segments, *current)
	}

	if len(segments) == 0 {
		segments = append(segments, Segment{
			Index:       0,
			HeadingPath: "# " + docTitle,
			Text:        string(content),
		})
	}
	return segments
}

func headingPath(stack []headingFrame) string {
	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", h.level), h.text)
	}
	return strings.Join(parts, " > ")
}

// nodeText extracts the plain text of a node and its children.
func nodeText(n ast.Node, content []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(content))
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// tableRowText flattens a table row into "cell | cell | cell".
func tableRowText(row ast.Node, content []byte) string {
	var b strings.Builder
	cells := 0
	_ = ast.Walk(row, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if strings.Contains(node.Kind().String(), "TableCell") {
			if cells > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(nodeText(node, content))
			cells++
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// fitSizeBounds merges undersized neighbors (same heading path first) and
// splits oversized segments. Sizes are measured in runes to track the
// embedding model's token estimate.
func (s *Splitter) fitSizeBounds(segments []Segment) []Segment {
	if len(segments) == 0 {
		return segments
	}

	var result []Segment
	i := 0
	for i < len(segments) {
		current := segments[i]

		if i+1 < len(segments) {
			next := segments[i+1]
			sameHeading := current.HeadingPath == next.HeadingPath && current.HeadingPath != ""
			tooSmall := utf8.RuneCountInString(current.Text) < minSegmentRunes
			if sameHeading || tooSmall {
				merged := current.Text + "\n\n" + next.Text
				if utf8.RuneCountInString(merged) <= maxSegmentRunes {
					current.Text = merged
					i++
				}
			}
		}

		if utf8.RuneCountInString(current.Text) > maxSegmentRunes {
			result = append(result, splitOversized(current)...)
		} else {
			result = append(result, current)
		}
		i++
	}

	for i := range result {
		result[i].Index = i
	}
	return result
}

// splitOversized cuts a segment at paragraph, newline, or sentence boundaries,
// hard-splitting only when no boundary falls inside the window.
func splitOversized(segment Segment) []Segment {
	runes := []rune(segment.Text)
	if len(runes) <= maxSegmentRunes {
		return []Segment{segment}
	}

	var splits []Segment
	start := 0
	for start < len(runes) {
		end := start + maxSegmentRunes
		if end >= len(runes) {
			splits = append(splits, Segment{HeadingPath: segment.HeadingPath, Text: string(runes[start:])})
			break
		}

		window := string(runes[start:end])
		cut := end
		if b := strings.LastIndex(window, "\n\n"); b != -1 {
			cut = start + utf8.RuneCountInString(window[:b]) + 2
		} else if b := strings.LastIndex(window, "\n"); b != -1 {
			cut = start + utf8.RuneCountInString(window[:b]) + 1
		} else if b := strings.LastIndex(window, ". "); b != -1 {
			cut = start + utf8.RuneCountInString(window[:b]) + 2
		}

		splits = append(splits, Segment{HeadingPath: segment.HeadingPath, Text: string(runes[start:cut])})
		start = cut
	}
	return splits
}
