package ffmpeg

// tailBuffer keeps the last max bytes of the lines written to it. It is used
// by a single goroutine.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0:0], t.buf[len(t.buf)-t.max:]...)
	}
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf
}
