package console

import "aurora/kernel/sync"

const (
	defaultFg = LightGrey
	defaultBg = Black

	tabWidth = uint16(4)
)

// Terminal is a simple terminal on top of a text console. It processes CR,
// LF, TAB and BS and scrolls once the cursor moves past the last line. It
// implements io.Writer so it can serve as the kfmt output sink.
type Terminal struct {
	lock sync.Spinlock
	cons *Text

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr Attr
}

// AttachTo connects the terminal to cons and resets the cursor and color.
func (t *Terminal) AttachTo(cons *Text) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX, t.curY = 0, 0
	t.curAttr = MakeAttr(defaultFg, defaultBg)
}

// Dimensions returns the terminal width and height in characters.
func (t *Terminal) Dimensions() (uint16, uint16) {
	return t.width, t.height
}

// Clear clears the terminal and homes the cursor.
func (t *Terminal) Clear() {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	t.cons.Clear(0, 0, t.width, t.height)
	t.curX, t.curY = 0, 0
}

// SetColor changes the attribute used by subsequent writes.
func (t *Terminal) SetColor(fg, bg Attr) {
	t.curAttr = MakeAttr(fg, bg)
}

// Position returns the current cursor position (x, y).
func (t *Terminal) Position() (uint16, uint16) {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y), clipped to the
// terminal.
func (t *Terminal) SetPosition(x, y uint16) {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// Write implements io.Writer.
func (t *Terminal) Write(data []byte) (int, error) {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	for _, b := range data {
		t.writeByte(b)
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *Terminal) WriteByte(b byte) error {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	t.writeByte(b)
	return nil
}

func (t *Terminal) writeByte(b byte) {
	switch b {
	case '\r':
		t.curX = 0
	case '\n':
		t.curX = 0
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.curX--
			t.cons.Write(clearChar, t.curAttr, t.curX, t.curY)
		}
	case '\t':
		for i := uint16(0); i < tabWidth; i++ {
			t.put(clearChar)
		}
	default:
		t.put(b)
	}
}

func (t *Terminal) put(ch byte) {
	t.cons.Write(ch, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// lf advances the cursor by one line scrolling the terminal contents if the
// end of the last line is reached.
func (t *Terminal) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}

// MakeAttr combines a foreground and background color.
func MakeAttr(fg, bg Attr) Attr {
	return (bg << 4) | (fg & 0xf)
}
