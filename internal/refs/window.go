package refs

import "fmt"

// DefaultMaxSnapshotChars bounds the size of a single snapshot response.
const DefaultMaxSnapshotChars = 80000

// DefaultSnapshotTailChars is how much of the end of the snapshot is
// always appended, so pagination refs near the bottom of a long page stay
// addressable from any window.
const DefaultSnapshotTailChars = 5000

// WindowMeta describes how a windowed snapshot relates to the full text.
type WindowMeta struct {
	Truncated  bool
	TotalChars int
	Offset     int
	HasMore    bool
	NextOffset *int
}

// Window truncates annotated snapshot text to at most maxChars, starting
// at offset, always appending the tail of the text so refs near the
// bottom stay reachable regardless of window position.
func Window(text string, offset, maxChars, tailChars int) (string, WindowMeta) {
	total := len(text)
	if maxChars <= 0 {
		maxChars = DefaultMaxSnapshotChars
	}
	if tailChars < 0 {
		tailChars = DefaultSnapshotTailChars
	}

	if total <= maxChars {
		return text, WindowMeta{Truncated: false, TotalChars: total, Offset: 0, HasMore: false}
	}

	tail := tailChars
	if tail > total {
		tail = total
	}

	contentBudget := maxChars - tail - 200
	if contentBudget < 100 {
		contentBudget = 100
	}

	maxOffset := total - tail
	clampedOffset := offset
	if clampedOffset < 0 {
		clampedOffset = 0
	}
	if clampedOffset > maxOffset {
		clampedOffset = maxOffset
	}

	contentEnd := clampedOffset + contentBudget
	if contentEnd > total {
		contentEnd = total
	}
	body := text[clampedOffset:contentEnd]
	tailText := text[total-tail:]

	hasMore := contentEnd < total-tail
	var nextOffset *int
	marker := ""
	if hasMore {
		n := contentEnd
		nextOffset = &n
		marker = fmt.Sprintf("\n...truncated at char %d of %d; next offset = %d...\n", contentEnd, total, n)
	}

	return body + marker + tailText, WindowMeta{
		Truncated:  true,
		TotalChars: total,
		Offset:     clampedOffset,
		HasMore:    hasMore,
		NextOffset: nextOffset,
	}
}
