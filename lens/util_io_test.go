package lens

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	data       []byte
	writeCount int
	err        error
}

func (m *mockWriter) Write(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	} else if m.writeCount > 0 && len(p) > m.writeCount {
		p = p[:m.writeCount]
	}
	m.data = append(m.data, p...)
	return len(p), nil
}

type mockCloser struct {
	closed bool
	err    error
}

func (m *mockCloser) Write(p []byte) (int, error) {
	return len(p), nil
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.err
}

func TestTeeWriterWrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		writers []io.Writer
		data    []byte
		wantN   int
		wantErr bool
	}{
		{
			name: "all_success",
			writers: func() []io.Writer {
				return []io.Writer{&mockWriter{}, &mockWriter{}}
			}(),
			data:  []byte("test"),
			wantN: 4,
		},
		{
			name: "different_counts",
			writers: func() []io.Writer {
				m1 := &mockWriter{}
				m2 := &mockWriter{writeCount: 3}
				return []io.Writer{m1, m2}
			}(),
			data:    []byte("test"),
			wantN:   0,
			wantErr: true,
		},
		{
			name: "one_error",
			writers: func() []io.Writer {
				m1 := &mockWriter{err: errors.New("error1")}
				m2 := &mockWriter{}
				return []io.Writer{m1, m2}
			}(),
			data:    []byte("test"),
			wantN:   0,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := TeeWriter(tt.writers...)
			n, err := writer.Write(tt.data)
			assert.Equal(t, tt.wantN, n)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)

				if len(tt.writers) > 1 {
					for _, w := range tt.writers {
						if mw, ok := w.(*mockWriter); ok {
							assert.True(t, bytes.HasSuffix(mw.data, tt.data))
						} else if bb, ok := w.(*bytes.Buffer); ok {
							assert.True(t, bytes.HasSuffix(bb.Bytes(), tt.data))
						}
					}
				}
			}
		})
	}
}

func TestTeeWriterClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		writers []io.Writer
		wantErr bool
	}{
		{
			name:    "no_closers",
			writers: []io.Writer{bytes.NewBuffer(nil), bytes.NewBuffer(nil)},
		},
		{
			name: "one_writer_success",
			writers: func() []io.Writer {
				return []io.Writer{io.Discard}
			}(),
		},
		{
			name: "one_closer_success",
			writers: func() []io.Writer {
				return []io.Writer{&mockCloser{}, bytes.NewBuffer(nil)}
			}(),
		},
		{
			name: "two_closers_success",
			writers: func() []io.Writer {
				return []io.Writer{&mockCloser{}, &mockCloser{}}
			}(),
		},
		{
			name: "one_closer_error",
			writers: func() []io.Writer {
				mc := &mockCloser{err: errors.New("error")}
				return []io.Writer{mc, bytes.NewBuffer(nil)}
			}(),
			wantErr: true,
		},
		{
			name: "two_closers_error",
			writers: func() []io.Writer {
				mc1 := &mockCloser{err: errors.New("error1")}
				mc2 := &mockCloser{err: errors.New("error2")}
				return []io.Writer{mc1, mc2}
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := TeeWriter(tt.writers...)
			err := writer.Close()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			for _, w := range tt.writers {
				if mc, ok := w.(*mockCloser); ok {
					assert.True(t, mc.closed)
				}
			}
		})
	}
}

func TestTeeWriterSkipsNil(t *testing.T) {
	t.Parallel()

	t.Run("nil_writers", func(t *testing.T) {
		var buf bytes.Buffer
		w := TeeWriter(nil, &buf, nil)
		n, err := w.Write([]byte("log line\n"))
		require.NoError(t, err)
		assert.Equal(t, 9, n)
		assert.Equal(t, "log line\n", buf.String())
		require.NoError(t, w.Close())
	})

	t.Run("no_writers", func(t *testing.T) {
		w := TeeWriter()
		n, err := w.Write([]byte("dropped"))
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})

	t.Run("three_writers", func(t *testing.T) {
		var b1, b2, b3 bytes.Buffer
		w := TeeWriter(&b1, &b2, &b3)
		_, err := w.Write([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, "x", b1.String())
		assert.Equal(t, "x", b2.String())
		assert.Equal(t, "x", b3.String())
	})
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.buf.Write(p)
}

func (lb *lockedBuffer) Len() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.buf.Len()
}

func TestTeeWriterConcurrentWrite(t *testing.T) {
	t.Parallel()

	var b1, b2 lockedBuffer
	w := TeeWriter(&b1, &b2)
	var wg sync.WaitGroup
	const workers = 10
	const loops = 100
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < loops; j++ {
				_, _ = w.Write([]byte("a"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*loops, b1.Len())
	assert.Equal(t, workers*loops, b2.Len())
	require.NoError(t, w.Close())
}
