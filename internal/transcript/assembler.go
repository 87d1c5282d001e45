// Package transcript assembles incremental ASR fragments into display text.
package transcript

import "strings"

// Segment is one slot in the ordered transcript buffer.
type Segment struct {
	Text  string
	Final bool
}

// Assembler merges interim/final fragments into an ordered segment
// sequence. An interim fragment overwrites the segment at the cursor;
// a final fragment overwrites it and advances the cursor, freezing the
// segment behind it.
type Assembler struct {
	segments []Segment
	cursor   int
}

// Apply folds one fragment into the assembler and returns the display text.
func (a *Assembler) Apply(text string, isFinal bool) string {
	for len(a.segments) <= a.cursor {
		a.segments = append(a.segments, Segment{})
	}
	a.segments[a.cursor] = Segment{Text: text, Final: isFinal}
	if isFinal {
		a.cursor++
	}
	return a.Display()
}

// Display joins all segments in index order with single spaces,
// including a still-open interim segment. No trimming or deduplication
// happens here; presentation concerns belong to the caller.
func (a *Assembler) Display() string {
	parts := make([]string, 0, len(a.segments))
	for _, seg := range a.segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}

// Segments returns a snapshot of the current segment sequence.
func (a *Assembler) Segments() []Segment {
	out := make([]Segment, len(a.segments))
	copy(out, a.segments)
	return out
}

// Reset discards all segments and rewinds the cursor for a new session.
func (a *Assembler) Reset() {
	a.segments = nil
	a.cursor = 0
}
