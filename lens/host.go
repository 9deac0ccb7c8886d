package lens

import (
	"errors"
	"sync"
)

// TypeCode is the type classification reported by the debugger for a value.
type TypeCode int

const (
	TypeCodeOther TypeCode = iota
	TypeCodeStruct
	TypeCodeUnion
	TypeCodeEnum
	TypeCodeArray
	TypeCodePointer
	TypeCodeInt
	TypeCodeFloat
	TypeCodeBool
	TypeCodeChar
	TypeCodeString
	TypeCodeFunc
	TypeCodeTypedef
	TypeCodeVoid
)

// SymbolClass describes what a symbol declared in a block refers to.
type SymbolClass int

const (
	SymbolOther SymbolClass = iota
	SymbolArgument
	SymbolVariable
	SymbolConstant
)

// HostType is the debugger's view of a value type.
type HostType interface {
	// Code returns the type classification.
	Code() TypeCode
	// Keys returns the member names in declaration order, or nil when the type has no members.
	Keys() []string
	// Range returns the inclusive index bounds of an array type.
	Range() (low, high int64, ok bool)
}

// HostValue is a value read from the paused target.
type HostValue interface {
	// Type returns the value type, or nil when no type information is available.
	Type() HostType
	// Member returns the named member of a struct, union or enum value.
	Member(key string) (HostValue, error)
	// Index returns an array element.
	Index(i int64) (HostValue, error)
	// Text returns the canonical textual form, the same text the debugger prints for the value.
	Text() (string, error)
}

// HostSymbol is a symbol declared within a lexical block.
type HostSymbol interface {
	Name() string
	// Line is the source line of the declaration.
	Line() int
	Class() SymbolClass
	// Value evaluates the symbol in the context of the given frame.
	Value(frame HostFrame) (HostValue, error)
}

// HostBlock is a lexical block within a frame.
type HostBlock interface {
	Symbols() []HostSymbol
	// Superblock returns the enclosing block, or nil once the block chain is exhausted.
	Superblock() HostBlock
}

// HostFrame is a single activation record on the paused thread's stack.
type HostFrame interface {
	Name() string
	// Select makes this the active frame for subsequent evaluation.
	Select() error
	// Block returns the innermost block at the frame's current program point.
	Block() (HostBlock, error)
	// Older returns the calling frame, or nil for the outermost frame.
	Older() HostFrame
}

// FrameLocator is optionally implemented by a HostFrame that can report its source position
// directly. When absent (or not ok) the textual backtrace is used.
type FrameLocator interface {
	Location() (file string, line int, ok bool)
}

// DeferredAction is work the host runs once the current notification handler has returned.
type DeferredAction func() error

// Host is the debugger process and thread control surface consumed by the probe.
type Host interface {
	NewestFrame() (HostFrame, error)
	// Backtrace returns the whole stack as text, one frame per line.
	Backtrace() (string, error)
	// SetSchedulerLocking freezes (or releases) scheduling of all threads but the stopped one.
	SetSchedulerLocking(on bool) error
	// Post schedules an action to run after the current handler returns.
	Post(action DeferredAction)
	Continue() error
	Quit() error
}

// StopEvent is delivered when the target halts at a tracepoint.
type StopEvent struct {
	ThreadID int
	Reason   string
}

// ExitEvent is delivered when the target process terminates.
type ExitEvent struct {
	ExitCode int
}

// EventSource delivers host notifications to the probe.
type EventSource interface {
	OnStop(func(StopEvent))
	OnExited(func(ExitEvent))
}

// ActionQueue is a FIFO of deferred actions. Hosts without a native deferred-execution
// primitive can embed one and Drain it after each notification handler returns.
type ActionQueue struct {
	mu      sync.Mutex
	pending []DeferredAction
}

// NewActionQueue returns an empty queue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{}
}

// Post appends an action to the queue.
func (q *ActionQueue) Post(action DeferredAction) {
	if action == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, action)
}

// Len returns the number of queued actions.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Drain runs queued actions in order, including any posted while draining. All actions run
// even if one fails; the errors are joined.
func (q *ActionQueue) Drain() error {
	var errs []error
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return errors.Join(errs...)
		}
		action := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := action(); err != nil {
			errs = append(errs, err)
		}
	}
}
