package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBacktrace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		expected Backtrace
	}{
		{
			name: "simple",
			text: "#0  work (n=3) at src/work.c:42\n" +
				"#1  0x0000555555555189 in main () at src/main.c:7\n",
			expected: Backtrace{{"src/work.c", 42}, {"src/main.c", 7}},
		},
		{
			name: "no_source",
			text: "#0  work () at work.c:5\n" +
				"#1  0x00007ffff7a05b97 in __libc_start_main () from /lib/libc.so.6\n" +
				"#2  0x000055555555507a in _start ()",
			expected: Backtrace{{"work.c", 5}, {}, {}},
		},
		{
			name: "wrapped_entry",
			text: "#0  handler (req=0x6020, opts=...)\n" +
				"    at /src/server/handler.cc:118\n" +
				"#1  0x1 in run () at run.cc:3",
			expected: Backtrace{{"/src/server/handler.cc", 118}, {"run.cc", 3}},
		},
		{
			name:     "level_gap",
			text:     "#0  a () at a.c:1\n#2  c () at c.c:3",
			expected: Backtrace{{"a.c", 1}, {}, {"c.c", 3}},
		},
		{
			name:     "duplicate_level",
			text:     "#0  a () at a.c:1\n#0  b () at b.c:2",
			expected: Backtrace{{"a.c", 1}},
		},
		{
			name:     "leading_noise",
			text:     "warning: no debug info\n#0  a () at a.c:1",
			expected: Backtrace{{"a.c", 1}},
		},
		{
			name:     "windows_path",
			text:     `#0  a () at C:\src\a.c:9`,
			expected: Backtrace{{`C:\src\a.c`, 9}},
		},
		{
			name:     "bad_line_number",
			text:     "#0  a () at a.c:xyz",
			expected: Backtrace{{}},
		},
		{
			name:     "empty",
			text:     "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseBacktrace(tt.text))
		})
	}
}

func TestBacktraceAt(t *testing.T) {
	t.Parallel()

	bt := Backtrace{{"a.c", 1}}
	assert.Equal(t, SourceLocation{"a.c", 1}, bt.At(0))
	assert.Equal(t, SourceLocation{}, bt.At(1))
	assert.Equal(t, SourceLocation{}, bt.At(-1))
	assert.Equal(t, SourceLocation{}, Backtrace(nil).At(0))
}
