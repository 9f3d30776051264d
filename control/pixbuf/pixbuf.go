// Package pixbuf holds the monochrome pixel buffer shared by the animation scheduler, which writes
// one rectangular region at a time, and the matrix scanner, which reads whole frames.
package pixbuf

import (
	"fmt"
	"image"
	"image/color"
	"sync"
)

// Bitmap is a small monochrome image, used for glyphs and animation frames.
type Bitmap struct {
	W, H int
	Pix  []bool // row-major, W*H
}

// NewBitmap returns an all-off bitmap.
func NewBitmap(w, h int) Bitmap {
	return Bitmap{W: w, H: h, Pix: make([]bool, w*h)}
}

// At reports whether the pixel at (x,y) is on.  Pixels outside the bitmap are off.
func (b Bitmap) At(x, y int) bool {
	if x < 0 || y < 0 || x >= b.W || y >= b.H {
		return false
	}
	return b.Pix[y*b.W+x]
}

// Set turns the pixel at (x,y) on or off.
func (b Bitmap) Set(x, y int, on bool) {
	if x < 0 || y < 0 || x >= b.W || y >= b.H {
		return
	}
	b.Pix[y*b.W+x] = on
}

// Clone returns a copy of b that shares no memory with it.
func (b Bitmap) Clone() Bitmap {
	c := Bitmap{W: b.W, H: b.H, Pix: make([]bool, len(b.Pix))}
	copy(c.Pix, b.Pix)
	return c
}

// Equal reports whether two bitmaps have the same size and pixels.
func (b Bitmap) Equal(o Bitmap) bool {
	if b.W != o.W || b.H != o.H {
		return false
	}
	for i := range b.Pix {
		if b.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Count returns the number of lit pixels.
func (b Bitmap) Count() int {
	var n int
	for _, on := range b.Pix {
		if on {
			n++
		}
	}
	return n
}

// String draws the bitmap with '#' and '.', one line per row.  Handy in test failures.
func (b Bitmap) String() string {
	buf := make([]byte, 0, (b.W+1)*b.H)
	for y := 0; y < b.H; y++ {
		for x := 0; x < b.W; x++ {
			if b.At(x, y) {
				buf = append(buf, '#')
			} else {
				buf = append(buf, '.')
			}
		}
		buf = append(buf, '\n')
	}
	return string(buf)
}

// Frame is an immutable copy of the buffer.  Rows are packed 64 columns per word, column 0 in the
// most significant bit.
type Frame struct {
	Rows, Cols int
	stride     int // words per row
	words      []uint64
}

func newFrame(rows, cols int) Frame {
	stride := (cols + 63) / 64
	return Frame{Rows: rows, Cols: cols, stride: stride, words: make([]uint64, rows*stride)}
}

// At reports whether the pixel at column x of row y is lit.
func (f *Frame) At(x, y int) bool {
	if x < 0 || y < 0 || x >= f.Cols || y >= f.Rows {
		return false
	}
	return f.words[y*f.stride+x/64]&(1<<(63-uint(x%64))) != 0
}

// PackRow appends row y to dst as bytes, eight columns per byte with the leftmost column in the most
// significant bit.  This is the order in which column data is shifted into a panel.
func (f *Frame) PackRow(dst []byte, y int) []byte {
	row := f.words[y*f.stride : (y+1)*f.stride]
	for i := 0; i < f.Cols/8; i++ {
		w := row[i/8]
		dst = append(dst, byte(w>>(56-8*uint(i%8))))
	}
	return dst
}

func (f *Frame) set(x, y int, on bool) {
	i, bit := y*f.stride+x/64, uint64(1)<<(63-uint(x%64))
	if on {
		f.words[i] |= bit
	} else {
		f.words[i] &^= bit
	}
}

// Buffer is the pixel buffer shared between the scheduler and the scanner.  Its dimensions never
// change after NewBuffer.
type Buffer struct {
	mu    sync.RWMutex
	frame Frame // must hold mu to read or write.
}

// NewBuffer returns an all-off buffer.
func NewBuffer(cols, rows int) (*Buffer, error) {
	if cols <= 0 || rows <= 0 || cols%8 != 0 {
		return nil, fmt.Errorf("invalid buffer size %dx%d", cols, rows)
	}
	return &Buffer{frame: newFrame(rows, cols)}, nil
}

// Bounds returns the buffer's rectangle.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.frame.Cols, b.frame.Rows)
}

// WriteRegion copies bm into the buffer with its top-left corner at r.Min.  The whole region is
// written under one lock, so a reader sees either the old or the new contents of the region and
// never a mixture.
func (b *Buffer) WriteRegion(r image.Rectangle, bm Bitmap) error {
	if r.Dx() != bm.W || r.Dy() != bm.H {
		return fmt.Errorf("bitmap is %dx%d, region %v is %dx%d", bm.W, bm.H, r, r.Dx(), r.Dy())
	}
	if !r.In(b.Bounds()) {
		return fmt.Errorf("region %v outside buffer %v", r, b.Bounds())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for y := 0; y < bm.H; y++ {
		for x := 0; x < bm.W; x++ {
			b.frame.set(r.Min.X+x, r.Min.Y+y, bm.At(x, y))
		}
	}
	return nil
}

// Clear turns every pixel off.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frame.words {
		b.frame.words[i] = 0
	}
}

// Snapshot copies the buffer into dst, reusing dst's storage when it is the right size.
func (b *Buffer) Snapshot(dst *Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(dst.words) != len(b.frame.words) {
		dst.words = make([]uint64, len(b.frame.words))
	}
	dst.Rows, dst.Cols, dst.stride = b.frame.Rows, b.frame.Cols, b.frame.stride
	copy(dst.words, b.frame.words)
}

// Image renders a snapshot of the buffer with lit pixels in c.
func (b *Buffer) Image(c color.Color) *image.NRGBA {
	var f Frame
	b.Snapshot(&f)
	return f.Image(c)
}

// Image renders the frame with lit pixels in c and unlit pixels black.
func (f *Frame) Image(c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Cols, f.Rows))
	for y := 0; y < f.Rows; y++ {
		for x := 0; x < f.Cols; x++ {
			if f.At(x, y) {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}
