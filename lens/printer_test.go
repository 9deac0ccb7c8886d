package lens

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPrinter(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewEventPrinter(&buf, false)
		ev := sampleTraceEvent()
		ev.Frames[0].Fields = append(ev.Frames[0].Fields,
			Field{Name: Named("u"), Type: KindUnion, Value: strPtr("{i = 1}")},
			Field{Name: Named("empty"), Type: KindStruct, Fields: []Field{}})

		require.NoError(t, p.PrintEvent(ev))
		assert.Equal(t, "[net.rx] packet dropped\n"+
			"#0 work at src/work.c:42\n"+
			"    a: struct\n"+
			"        x = 1\n"+
			"        y = 2\n"+
			"    arr: array\n"+
			"        [0] = 7\n"+
			"    gone = <unavailable>\n"+
			"    u = {i = 1} (union)\n"+
			"    empty: struct {}\n"+
			"#1 main at src/main.c:7\n", buf.String())
	})

	t.Run("no_location", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewEventPrinter(&buf, false)

		require.NoError(t, p.PrintEvent(AssembleTraceEvent("ch", "", []Frame{{Function: "stripped"}})))
		assert.Equal(t, "[ch]\n#0 stripped\n", buf.String())
	})

	t.Run("colorized", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewEventPrinter(&buf, true)

		require.NoError(t, p.PrintEvent(sampleTraceEvent()))
		assert.Contains(t, buf.String(), "\x1b[")
		assert.Contains(t, buf.String(), "packet dropped")
	})
}
