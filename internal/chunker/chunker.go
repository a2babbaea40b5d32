// Package chunker splits memory content into passages for the text index.
// Long memories are indexed passage by passage so a match deep inside a large
// note still ranks on the passage it occurs in.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures passage sizes in bytes.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns the sizes the sqlite index uses.
func DefaultOptions() Options {
	return Options{TargetSize: DefaultTargetSize, MaxSize: DefaultMaxSize}
}

func (o Options) normalized() Options {
	if o.TargetSize <= 0 {
		o.TargetSize = DefaultTargetSize
	}
	if o.MaxSize < o.TargetSize {
		o.MaxSize = o.TargetSize + o.TargetSize/2
	}
	return o
}

// Passage is one indexed slice of a memory.
type Passage struct {
	Seq       int
	Text      string
	StartLine int
	EndLine   int
}

// Split cuts text into passages. Content no longer than MaxSize is one
// passage. Otherwise it is split on headings and blank lines, small sections
// are merged up to TargetSize, and sections still above MaxSize are cut on
// line and then word boundaries.
func Split(text string, opts Options) []Passage {
	opts = opts.normalized()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []Passage{{Text: text, StartLine: 1, EndLine: strings.Count(text, "\n") + 1}}
	}

	var out []Passage
	for _, s := range merge(sections(text), opts.TargetSize) {
		if len(s.text) <= opts.MaxSize {
			out = append(out, Passage{Text: s.text, StartLine: s.start, EndLine: s.end})
			continue
		}
		out = append(out, cutLines(s, opts)...)
	}
	for i := range out {
		out[i].Seq = i
	}
	return out
}

type section struct {
	text       string
	start, end int
}

// sections splits on markdown headings and blank lines. A heading stays
// attached to the paragraph that follows it.
func sections(text string) []section {
	lines := strings.Split(text, "\n")
	var (
		out         []section
		buf         []string
		start       = 1
		headingOnly bool
	)
	flush := func(end int) {
		t := strings.TrimSpace(strings.Join(buf, "\n"))
		if t != "" {
			out = append(out, section{text: t, start: start, end: end})
		}
		buf = nil
	}
	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		isHeading := strings.HasPrefix(trimmed, "#")
		switch {
		case trimmed == "" && headingOnly && len(buf) > 0:
			buf = append(buf, "")
			continue
		case trimmed == "":
			flush(n - 1)
			continue
		case isHeading && len(buf) > 0 && !headingOnly:
			flush(n - 1)
		}
		if len(buf) == 0 {
			start = n
			headingOnly = true
		}
		headingOnly = headingOnly && isHeading
		buf = append(buf, line)
	}
	flush(len(lines))
	return out
}

// merge joins consecutive sections while they fit in target.
func merge(in []section, target int) []section {
	var out []section
	for _, s := range in {
		if n := len(out); n > 0 && len(out[n-1].text)+2+len(s.text) <= target {
			out[n-1].text += "\n\n" + s.text
			out[n-1].end = s.end
			continue
		}
		out = append(out, s)
	}
	return out
}

// cutLines splits an oversized section on line boundaries, falling back to
// word boundaries for single lines above MaxSize.
func cutLines(s section, opts Options) []Passage {
	var (
		out   []Passage
		buf   strings.Builder
		start = s.start
	)
	emit := func(end int) {
		if t := strings.TrimSpace(buf.String()); t != "" {
			out = append(out, Passage{Text: t, StartLine: start, EndLine: end})
		}
		buf.Reset()
	}
	for i, line := range strings.Split(s.text, "\n") {
		n := s.start + i
		if buf.Len() > 0 && buf.Len()+1+len(line) > opts.TargetSize {
			emit(n - 1)
			start = n
		}
		if len(line) > opts.MaxSize {
			emit(n - 1)
			for _, w := range cutWords(line, opts.TargetSize) {
				out = append(out, Passage{Text: w, StartLine: n, EndLine: n})
			}
			start = n + 1
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
	}
	emit(s.end)
	return out
}

func cutWords(line string, target int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, w := range strings.FieldsFunc(line, unicode.IsSpace) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > target {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
