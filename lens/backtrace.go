package lens

import (
	"strconv"
	"strings"
)

// SourceLocation is a file and line pair. The zero value means the location is unknown.
type SourceLocation struct {
	File string
	Line int
}

// Backtrace holds the source locations parsed from a textual backtrace, indexed by frame level.
type Backtrace []SourceLocation

// At returns the location of the frame at level, or the unknown location when the backtrace
// does not cover that level.
func (b Backtrace) At(level int) SourceLocation {
	if level < 0 || level >= len(b) {
		return SourceLocation{}
	}
	return b[level]
}

// ParseBacktrace parses debugger backtrace text such as:
//
//	#0  work (n=3) at src/work.c:42
//	#1  0x00007ffff7a05b97 in __libc_start_main () from /lib/libc.so.6
//
// Entries wrapped across several lines are joined before parsing. Entries without a trailing
// file:line token produce the unknown location.
func ParseBacktrace(text string) Backtrace {
	var entries []string
	var levels []int
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if level, ok := backtraceLevel(trimmed); ok {
			entries = append(entries, trimmed)
			levels = append(levels, level)
		} else if len(entries) > 0 { // continuation of a wrapped entry
			entries[len(entries)-1] += " " + trimmed
		}
	}

	var bt Backtrace
	for i, entry := range entries {
		level := levels[i]
		if level < len(bt) {
			continue // duplicate level, keep the first
		}
		for len(bt) < level {
			bt = append(bt, SourceLocation{}) // level gap
		}
		bt = append(bt, parseBacktraceLocation(entry))
	}
	return bt
}

func backtraceLevel(line string) (int, bool) {
	if !strings.HasPrefix(line, "#") {
		return 0, false
	}
	end := 1
	for end < len(line) && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	if end == 1 {
		return 0, false
	}
	level, err := strconv.Atoi(line[1:end])
	if err != nil {
		return 0, false
	}
	return level, true
}

func parseBacktraceLocation(entry string) SourceLocation {
	tokens := strings.Fields(entry)
	if len(tokens) < 2 {
		return SourceLocation{}
	}
	last := tokens[len(tokens)-1]
	idx := strings.LastIndex(last, ":")
	if idx <= 0 {
		return SourceLocation{}
	}
	line, err := strconv.Atoi(last[idx+1:])
	if err != nil || line < 0 {
		return SourceLocation{}
	}
	return SourceLocation{File: last[:idx], Line: line}
}
