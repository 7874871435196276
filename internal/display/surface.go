package display

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"
)

// Surface is a drawable canvas. Drawing goes to a back buffer and nothing is
// visible until Commit, which must show the whole frame at once.
type Surface interface {
	Size() (cols, rows int)
	Clear()
	DrawText(x, y int, text string)
	DrawLine(x0, y0, x1, y1 int)
	Commit() error
}

// TextSurface renders a character grid to a terminal-like writer.
type TextSurface struct {
	mu    sync.Mutex
	w     io.Writer
	cols  int
	rows  int
	back  [][]rune
	ansi  bool
	frame bytes.Buffer
}

type SurfaceOption func(*TextSurface)

// WithoutANSI drops the cursor-home/clear escape before each frame, for
// writers that are not terminals.
func WithoutANSI() SurfaceOption {
	return func(s *TextSurface) { s.ansi = false }
}

func NewTextSurface(w io.Writer, cols, rows int, opts ...SurfaceOption) (*TextSurface, error) {
	if w == nil {
		return nil, fmt.Errorf("surface writer is nil")
	}
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", cols, rows)
	}
	s := &TextSurface{w: w, cols: cols, rows: rows, ansi: true}
	for _, o := range opts {
		o(s)
	}
	s.back = make([][]rune, rows)
	for i := range s.back {
		s.back[i] = make([]rune, cols)
	}
	s.Clear()
	return s, nil
}

func (s *TextSurface) Size() (int, int) { return s.cols, s.rows }

func (s *TextSurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.back {
		for i := range row {
			row[i] = ' '
		}
	}
}

// DrawText writes text starting at column x of row y, clipping at the edges.
func (s *TextSurface) DrawText(x, y int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if y < 0 || y >= s.rows {
		return
	}
	col := x
	for _, r := range text {
		if col >= s.cols {
			break
		}
		if col >= 0 {
			if r == utf8.RuneError || r < ' ' {
				r = '?'
			}
			s.back[y][col] = r
		}
		col++
	}
}

// DrawLine supports horizontal and vertical lines only; a character grid has
// no sensible diagonal.
func (s *TextSurface) DrawLine(x0, y0, x1, y1 int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case y0 == y1:
		if y0 < 0 || y0 >= s.rows {
			return
		}
		if x0 > x1 {
			x0, x1 = x1, x0
		}
		for x := max(x0, 0); x <= x1 && x < s.cols; x++ {
			s.back[y0][x] = '-'
		}
	case x0 == x1:
		if x0 < 0 || x0 >= s.cols {
			return
		}
		if y0 > y1 {
			y0, y1 = y1, y0
		}
		for y := max(y0, 0); y <= y1 && y < s.rows; y++ {
			s.back[y][x0] = '|'
		}
	}
}

// Commit writes the back buffer as a single Write call.
func (s *TextSurface) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Reset()
	if s.ansi {
		s.frame.WriteString("\x1b[H\x1b[2J")
	}
	for _, row := range s.back {
		s.frame.WriteString(string(row))
		s.frame.WriteByte('\n')
	}
	n, err := s.w.Write(s.frame.Bytes())
	if err != nil {
		return fmt.Errorf("commit frame: %w", err)
	}
	if n != s.frame.Len() {
		return fmt.Errorf("commit frame: short write %d of %d bytes", n, s.frame.Len())
	}
	return nil
}
