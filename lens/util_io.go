package lens

import (
	"errors"
	"fmt"
	"io"
)

type teeWriter struct {
	one io.Writer
	two io.Writer
}

// TeeWriter duplicates writes across the non-nil writers. Close closes every writer which is an
// io.WriteCloser.
func TeeWriter(writers ...io.Writer) io.WriteCloser {
	var last io.Writer
	for _, w := range writers {
		if w == nil {
			continue
		} else if last == nil {
			last = w
		} else {
			last = &teeWriter{one: last, two: w}
		}
	}
	if last == nil {
		last = io.Discard
	}

	if wc, ok := last.(*teeWriter); ok {
		return wc
	}
	return &teeWriter{one: last, two: io.Discard} // wrap for the close interface
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n1, err1 := w.one.Write(p)
	n2, err2 := w.two.Write(p)
	if err1 == nil && err2 == nil && n1 != n2 {
		return 0, fmt.Errorf("uneven write %d != %d", n1, n2)
	}
	return n1, errors.Join(err1, err2)
}

func (w *teeWriter) Close() error {
	var err1, err2 error
	if v, ok := w.one.(io.WriteCloser); ok {
		err1 = v.Close()
	}
	if v, ok := w.two.(io.WriteCloser); ok {
		err2 = v.Close()
	}
	return errors.Join(err1, err2)
}
