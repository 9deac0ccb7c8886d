package lens

import (
	"fmt"
	"log"
)

// WalkConfig controls a stack walk.
type WalkConfig struct {
	Scope ScopeConfig
	// MaxFrames limits the number of frames captured, zero means unlimited.
	MaxFrames int
}

// WalkResult is the outcome of walking one stopped stack.
type WalkResult struct {
	Frames  []Frame
	Channel string
	LogMsg  string
}

// WalkStack captures every frame of the stopped thread, innermost first. Each frame is selected
// before its variables are evaluated. The sentinel values are taken from the innermost frame that
// declares them.
func WalkStack(host Host, cfg WalkConfig) (WalkResult, error) {
	result := WalkResult{Frames: []Frame{}}
	frame, err := host.NewestFrame()
	if err != nil {
		return result, fmt.Errorf("newest frame unavailable: %w", err)
	}

	var bt Backtrace
	if text, err := host.Backtrace(); err != nil {
		log.Printf("WARN: backtrace unavailable, frame locations limited: %v", err)
	} else {
		bt = ParseBacktrace(text)
	}

	var haveChannel, haveLogMsg bool
	for level := 0; frame != nil; level++ {
		if cfg.MaxFrames > 0 && level >= cfg.MaxFrames {
			break
		}

		loc := frameLocation(frame, bt, level)
		captured := Frame{
			Function: frame.Name(),
			File:     loc.File,
			Line:     loc.Line,
			Fields:   []Field{},
		}
		if err := frame.Select(); err != nil {
			log.Printf("%sUnable to select frame %d (%s): %v", ErrorLogPrefix, level, captured.Function, err)
		} else {
			scope := ResolveScope(frame, loc.Line, cfg.Scope)
			captured.Fields = scope.Fields
			if scope.HasChannel && !haveChannel {
				result.Channel, haveChannel = scope.Channel, true
			}
			if scope.HasLogMsg && !haveLogMsg {
				result.LogMsg, haveLogMsg = scope.LogMsg, true
			}
		}
		result.Frames = append(result.Frames, captured)

		frame = frame.Older()
	}
	return result, nil
}

func frameLocation(frame HostFrame, bt Backtrace, level int) SourceLocation {
	if locator, ok := frame.(FrameLocator); ok {
		if file, line, ok := locator.Location(); ok {
			return SourceLocation{File: file, Line: line}
		}
	}
	return bt.At(level)
}
