// Package console drives the legacy text-mode display that carries the
// kernel log when the machine was booted through the legacy path.
package console

import "unsafe"

// Attr defines a color attribute.
type Attr uint16

// The set of attributes that can be passed to Write().
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// ScrollDir defines a scroll direction.
type ScrollDir uint8

// The supported list of scroll directions for the console Scroll() calls.
const (
	Up ScrollDir = iota
	Down
)

// Geometry of the legacy text buffer.
const (
	TextBufferAddress = uintptr(0xb8000)
	TextWidth         = uint16(80)
	TextHeight        = uint16(25)
)

const (
	clearColor = Black
	clearChar  = byte(' ')
)

// Text is an EGA-compatible text console. Every cell holds a character in
// the low byte and its color attribute in the high byte.
type Text struct {
	width  uint16
	height uint16

	fb []uint16
}

// Init points the console at a width x height cell buffer located at
// fbAddr. The buffer is identity mapped so the address is used directly.
func (cons *Text) Init(width, height uint16, fbAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), int(width)*int(height))
}

// Dimensions returns the console width and height in characters.
func (cons *Text) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Clear clears the specified rectangular region. The region is clipped to
// the console.
func (cons *Text) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr<<8 | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll moves the console contents by lines rows in the specified
// direction. Rows that scroll in keep their old contents.
func (cons *Text) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := lines * cons.width
	switch dir {
	case Up:
		copy(cons.fb, cons.fb[offset:])
	case Down:
		copy(cons.fb[offset:], cons.fb[:(cons.height-lines)*cons.width])
	}
}

// Write a char to the specified location. Off-screen writes are ignored.
func (cons *Text) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}

// Read returns the character and attribute at the specified location.
func (cons *Text) Read(x, y uint16) (byte, Attr) {
	if x >= cons.width || y >= cons.height {
		return 0, 0
	}

	cell := cons.fb[(y*cons.width)+x]
	return byte(cell), Attr(cell >> 8)
}
