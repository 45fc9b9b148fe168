package models

import (
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi/parser"
)

// ansiStrippingWriter drops terminal escape sequences (colours, cursor
// moves, titles) and keeps printable text and C0 controls. The parser state
// survives between writes, so a sequence split over two writes is dropped
// too.
type ansiStrippingWriter struct {
	underlying io.Writer

	mu    sync.Mutex
	state parser.State
	// continuation bytes still owed to the current UTF-8 rune
	pending int
	buf     []byte
}

// StripANSI wraps w so that terminal escape codes never reach it.
func StripANSI(w io.Writer) io.Writer {
	return &ansiStrippingWriter{underlying: w, state: parser.GroundState}
}

func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = w.buf[:0]
	for _, b := range p {
		if w.pending > 0 {
			w.buf = append(w.buf, b)
			w.pending--
			continue
		}

		state, action := parser.Table.Transition(w.state, b)
		switch action {
		case parser.CollectAction:
			if state == parser.Utf8State {
				w.buf = append(w.buf, b)
				w.pending = runeLen(b) - 1
				continue
			}
		case parser.PrintAction:
			w.buf = append(w.buf, b)
		case parser.ExecuteAction:
			// single-byte C1 controls are not text
			if b < 0x80 {
				w.buf = append(w.buf, b)
			}
		}
		w.state = state
	}

	if len(w.buf) > 0 {
		if _, err := w.underlying.Write(w.buf); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func runeLen(lead byte) int {
	switch {
	case lead >= 0xF0:
		return 4
	case lead >= 0xE0:
		return 3
	case lead >= 0xC0:
		return 2
	}
	return 1
}
