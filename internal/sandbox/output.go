package sandbox

import (
	"strings"
	"unicode/utf8"
)

// TruncationNotice is appended to every stream that was cut.
const TruncationNotice = "\n...[output truncated]"

// capture keeps the first headCap bytes and the last tailCap bytes written
// to it, so the display copy and the trailing report survive noisy output.
// The tail is a ring buffer that grows up to tailCap.
type capture struct {
	headCap int
	tailCap int
	head    []byte
	tail    []byte
	pos     int // oldest tail byte once wrapped
	wrapped bool
	total   int
}

func newCapture(headCap, tailCap int) *capture {
	return &capture{headCap: headCap, tailCap: tailCap}
}

func (c *capture) Write(p []byte) (int, error) {
	n := len(p)
	c.total += n
	if room := c.headCap - len(c.head); room > 0 {
		take := min(room, len(p))
		c.head = append(c.head, p[:take]...)
	}
	c.writeTail(p)
	return n, nil
}

func (c *capture) writeTail(p []byte) {
	if c.tailCap <= 0 {
		return
	}
	if len(p) > c.tailCap {
		p = p[len(p)-c.tailCap:]
	}
	if !c.wrapped {
		room := c.tailCap - len(c.tail)
		if len(p) <= room {
			c.tail = append(c.tail, p...)
			return
		}
		c.tail = append(c.tail, p[:room]...)
		p = p[room:]
		c.wrapped, c.pos = true, 0
	}
	for len(p) > 0 {
		k := copy(c.tail[c.pos:], p)
		p = p[k:]
		c.pos = (c.pos + k) % c.tailCap
	}
}

// Complete reports whether nothing was dropped from the head copy.
func (c *capture) Complete() bool {
	return c.total <= c.headCap
}

// Head is the display copy.
func (c *capture) Head() string {
	return string(c.head)
}

// Tail holds the last bytes written, oldest first.
func (c *capture) Tail() string {
	if !c.wrapped {
		return string(c.tail)
	}
	return string(c.tail[c.pos:]) + string(c.tail[:c.pos])
}

// Total is the number of bytes written.
func (c *capture) Total() int {
	return c.total
}

// stream is one output channel to be truncated: the content we hold and the
// full size the program produced.
type stream struct {
	content string
	total   int
}

// truncateStreams shares limit bytes between the streams in proportion to
// their sizes. A cut stream ends on a UTF-8 boundary followed by
// TruncationNotice, and the combined result never exceeds limit.
func truncateStreams(limit int, streams ...stream) ([]string, bool) {
	out := make([]string, len(streams))
	sum, nonEmpty := 0, 0
	fits := true
	for i, s := range streams {
		out[i] = s.content
		total := max(s.total, len(s.content))
		sum += total
		if total > 0 {
			nonEmpty++
		}
		if total > len(s.content) {
			fits = false
		}
	}
	if fits && sum <= limit {
		return out, false
	}

	notice := TruncationNotice
	budget := limit - len(notice)*nonEmpty
	if budget <= 0 {
		// Not even room for the notices.
		notice = ""
		budget = max(limit, 0)
	}

	for i, s := range streams {
		total := max(s.total, len(s.content))
		if total == 0 {
			continue
		}
		share := int(int64(budget) * int64(total) / int64(sum))
		if total <= share && len(s.content) == total {
			continue
		}
		out[i] = cutUTF8(s.content, share) + notice
	}
	return out, true
}

// cutUTF8 returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutUTF8(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// sanitize replaces invalid UTF-8 so the result is always valid text.
func sanitize(s string) string {
	return strings.ToValidUTF8(s, "�")
}
