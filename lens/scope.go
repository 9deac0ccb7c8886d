package lens

import (
	"log"
	"regexp"
	"strconv"
)

const (
	DefaultChannelSentinel = "ox::trace::debugger::channel"
	DefaultLogMsgSentinel  = "ox::trace::debugger::logMsg"
)

// ScopeConfig controls variable capture for a single frame.
type ScopeConfig struct {
	ChannelSentinel string
	LogMsgSentinel  string
	Render          RenderOptions
}

// ScopeResult holds the variables captured from one frame.
type ScopeResult struct {
	Fields     []Field
	Channel    string
	LogMsg     string
	HasChannel bool
	HasLogMsg  bool
}

// a char pointer prints as `0x4006f4 "text"`
var charPointerTextRe = regexp.MustCompile(`^0x[0-9a-fA-F]+ (".*")$`)

// ResolveScope walks the blocks of frame from the innermost block outward and captures every
// argument, local and constant declared before line. The first (innermost) declaration of a name
// wins. The two sentinel variables are diverted into the channel and log message.
func ResolveScope(frame HostFrame, line int, cfg ScopeConfig) ScopeResult {
	result := ScopeResult{Fields: []Field{}}
	block, err := frame.Block()
	if err != nil {
		if probeDebugLogging {
			log.Printf("no block for frame %s: %v", frame.Name(), err)
		}
		return result
	}

	seen := make(map[string]bool)
	for ; block != nil; block = block.Superblock() {
		for _, sym := range block.Symbols() {
			if !capturedClass(sym.Class()) {
				continue
			}
			name := sym.Name()
			if seen[name] || sym.Line() >= line {
				continue
			}

			switch name {
			case cfg.ChannelSentinel:
				if !result.HasChannel {
					result.Channel, result.HasChannel = sentinelText(frame, sym, cfg.Render)
				}
				continue
			case cfg.LogMsgSentinel:
				if !result.HasLogMsg {
					result.LogMsg, result.HasLogMsg = sentinelText(frame, sym, cfg.Render)
				}
				continue
			}

			val, err := sym.Value(frame)
			if err != nil {
				log.Printf("WARN: unable to evaluate %s in %s: %v", name, frame.Name(), err)
				val = nil
			}
			// recorded even when unavailable so it still shadows outer declarations
			result.Fields = append(result.Fields, NewField(Named(name), val, cfg.Render))
			seen[name] = true
		}
	}
	return result
}

func capturedClass(c SymbolClass) bool {
	switch c {
	case SymbolArgument, SymbolVariable, SymbolConstant:
		return true
	default:
		return false
	}
}

func sentinelText(frame HostFrame, sym HostSymbol, opts RenderOptions) (string, bool) {
	val, err := sym.Value(frame)
	if err != nil {
		log.Printf("WARN: unable to evaluate %s in %s: %v", sym.Name(), frame.Name(), err)
		return "", false
	}
	rendered, ok := Render(val, opts)
	if !ok || rendered.Kind != KindScalar {
		text, err := val.Text()
		if err != nil {
			return "", false
		}
		return unquoteCharPointer(text), true
	}
	return unquoteCharPointer(rendered.Text), true
}

// unquoteCharPointer reduces a debugger char pointer print to its string contents.
func unquoteCharPointer(text string) string {
	m := charPointerTextRe.FindStringSubmatch(text)
	if m == nil {
		if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
			if s, err := strconv.Unquote(text); err == nil {
				return s
			}
		}
		return text
	}
	if s, err := strconv.Unquote(m[1]); err == nil {
		return s
	}
	return m[1][1 : len(m[1])-1]
}
