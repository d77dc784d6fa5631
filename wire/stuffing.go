package wire

// Stuff escapes a frame for the air: every marker byte after the first is doubled so that a
// lone marker always means "frame starts here".
func Stuff(frame []byte) []byte {
	if len(frame) == 0 {
		return nil
	}
	out := make([]byte, 0, len(frame)+len(frame)/8)
	out = append(out, frame[0])
	for _, b := range frame[1:] {
		out = append(out, b)
		if b == Marker {
			out = append(out, Marker)
		}
	}
	return out
}

// Destuff reverses Stuff for one complete frame.
func Destuff(stuffed []byte) []byte {
	if len(stuffed) == 0 {
		return nil
	}
	out := make([]byte, 0, len(stuffed))
	out = append(out, stuffed[0])
	escaped := false
	for _, b := range stuffed[1:] {
		if b == Marker && !escaped {
			escaped = true
			continue
		}
		escaped = false
		out = append(out, b)
	}
	if escaped {
		out = append(out, Marker)
	}
	return out
}

// Deframer splits a stuffed byte stream into destuffed frames. Bytes outside a frame are
// skipped, a lone marker inside a frame abandons the partial frame and starts a new one, and a
// header declaring an impossible length is dropped. A Deframer is not safe for concurrent use.
type Deframer struct {
	buf     []byte
	inFrame bool
	escaped bool
	want    int

	dropped int
}

// Write feeds stream bytes and returns every frame they complete, in order.
func (d *Deframer) Write(p []byte) [][]byte {
	var frames [][]byte
	for _, b := range p {
		if frame := d.feed(b); frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Dropped returns how many partial or malformed frames were discarded so far.
func (d *Deframer) Dropped() int {
	return d.dropped
}

// Reset discards any partial frame.
func (d *Deframer) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.escaped = false
	d.want = 0
}

func (d *Deframer) feed(b byte) []byte {
	if !d.inFrame {
		if b == Marker {
			d.start()
		}
		return nil
	}

	if d.escaped {
		d.escaped = false
		if b != Marker {
			// The previous marker was not an escape: it opened a new frame.
			d.dropped++
			d.start()
			return d.accept(b)
		}
		return d.accept(Marker)
	}
	if b == Marker {
		d.escaped = true
		return nil
	}
	return d.accept(b)
}

func (d *Deframer) start() {
	d.buf = append(d.buf[:0], Marker)
	d.inFrame = true
	d.escaped = false
	d.want = 0
}

func (d *Deframer) accept(b byte) []byte {
	d.buf = append(d.buf, b)
	if len(d.buf) == HeaderSize {
		declared := int(d.buf[1])<<8 | int(d.buf[2])
		if declared > MaxFrameLength || declared+1 < MinFrameSize {
			d.dropped++
			d.Reset()
			return nil
		}
		d.want = declared + 1
	}
	if d.want == 0 || len(d.buf) < d.want {
		return nil
	}
	frame := make([]byte, len(d.buf))
	copy(frame, d.buf)
	d.Reset()
	return frame
}
