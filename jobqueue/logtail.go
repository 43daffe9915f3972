package jobqueue

// DefaultLogTail is how many output lines a job keeps.
const DefaultLogTail = 200

// LogTail is a fixed-size ring of the most recent output lines. It is not
// safe for concurrent use; Job guards it.
type LogTail struct {
	buf   []string
	start int
	n     int
}

// NewLogTail returns a ring holding at most size lines (DefaultLogTail when size < 1).
func NewLogTail(size int) *LogTail {
	if size < 1 {
		size = DefaultLogTail
	}
	return &LogTail{buf: make([]string, size)}
}

// Append adds a line, evicting the oldest when full.
func (t *LogTail) Append(line string) {
	if t.n < len(t.buf) {
		t.buf[(t.start+t.n)%len(t.buf)] = line
		t.n++
		return
	}
	t.buf[t.start] = line
	t.start = (t.start + 1) % len(t.buf)
}

// Len returns the number of lines held.
func (t *LogTail) Len() int { return t.n }

// Cap returns the ring size.
func (t *LogTail) Cap() int { return len(t.buf) }

// Lines returns a copy of all lines, oldest first.
func (t *LogTail) Lines() []string {
	return t.Last(t.n)
}

// Last returns a copy of the newest k lines, oldest first.
func (t *LogTail) Last(k int) []string {
	if k > t.n {
		k = t.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]string, k)
	first := t.n - k
	for i := 0; i < k; i++ {
		out[i] = t.buf[(t.start+first+i)%len(t.buf)]
	}
	return out
}
