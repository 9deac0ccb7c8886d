package lens

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

// EventPrinter writes trace events in a readable, optionally colorized, form.
type EventPrinter struct {
	w        io.Writer
	header   *color.Color
	function *color.Color
	location *color.Color
	name     *color.Color
	kind     *color.Color
	missing  *color.Color
}

// NewStdoutEventPrinter prints to stdout, colorized when the terminal supports it.
func NewStdoutEventPrinter() *EventPrinter {
	return NewEventPrinter(colorable.NewColorableStdout(), !color.NoColor)
}

// NewEventPrinter prints to w.
func NewEventPrinter(w io.Writer, colorize bool) *EventPrinter {
	p := &EventPrinter{
		w:        w,
		header:   color.New(color.FgYellow, color.Bold),
		function: color.New(color.FgGreen, color.Bold),
		location: color.New(color.FgBlue),
		name:     color.New(color.FgCyan),
		kind:     color.New(color.FgMagenta),
		missing:  color.New(color.FgRed, color.Faint),
	}
	for _, c := range []*color.Color{p.header, p.function, p.location, p.name, p.kind, p.missing} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// PrintEvent writes one event, frames innermost first:
//
//	[channel] log message
//	#0 function at file:line
//	    name = value
func (p *EventPrinter) PrintEvent(ev TraceEvent) error {
	bw := bufio.NewWriter(p.w)
	bw.WriteString(p.header.Sprint("[" + ev.Channel + "]"))
	if ev.LogMsg != "" {
		bw.WriteString(" " + ev.LogMsg)
	}
	bw.WriteByte('\n')
	for i, frame := range ev.Frames {
		p.writeFrame(bw, i, frame)
	}
	return bw.Flush()
}

func (p *EventPrinter) writeFrame(bw *bufio.Writer, level int, frame Frame) {
	bw.WriteString("#" + strconv.Itoa(level) + " " + p.function.Sprint(frame.Function))
	if frame.File != "" {
		bw.WriteString(" at " + p.location.Sprint(frame.File+":"+strconv.Itoa(frame.Line)))
	}
	bw.WriteByte('\n')
	p.writeFields(bw, frame.Fields, 1)
}

func (p *EventPrinter) writeFields(bw *bufio.Writer, fields []Field, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, f := range fields {
		bw.WriteString(indent + p.name.Sprint(f.Name.String()))
		if f.Type.HasFields() {
			bw.WriteString(": " + p.kind.Sprint(f.Type.String()))
			if len(f.Fields) == 0 {
				bw.WriteString(" {}")
			}
			bw.WriteByte('\n')
			p.writeFields(bw, f.Fields, depth+1)
			continue
		}
		bw.WriteString(" = ")
		if f.Value == nil {
			bw.WriteString(p.missing.Sprint("<unavailable>"))
		} else {
			bw.WriteString(*f.Value)
		}
		if f.Type != KindScalar {
			bw.WriteString(" " + p.kind.Sprint("("+f.Type.String()+")"))
		}
		bw.WriteByte('\n')
	}
}
