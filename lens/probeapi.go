package lens

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	MsgTypeInit       = "Init"
	MsgTypeTraceEvent = "TraceEvent"
)

// Kind is the closed set of shapes a rendered value can take.
type Kind uint8

const (
	KindScalar Kind = iota
	KindStruct
	KindUnion
	KindEnum
	KindArray
)

var kindNames = [...]string{
	KindScalar: "scalar",
	KindStruct: "struct",
	KindUnion:  "union",
	KindEnum:   "enum",
	KindArray:  "array",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// HasFields reports if a field of this kind carries nested fields rather than a text value.
func (k Kind) HasFields() bool {
	return k == KindStruct || k == KindArray
}

func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("unknown field kind %d", k)
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if string(b) == name {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown field type %q", b)
}

// FieldName is either a member/variable name or an array index.
type FieldName struct {
	Name    string
	Index   int64
	IsIndex bool
}

// Named returns a FieldName for a member or variable.
func Named(name string) FieldName {
	return FieldName{Name: name}
}

// Indexed returns a FieldName for an array element.
func Indexed(i int64) FieldName {
	return FieldName{Index: i, IsIndex: true}
}

func (n FieldName) String() string {
	if n.IsIndex {
		return "[" + strconv.FormatInt(n.Index, 10) + "]"
	}
	return n.Name
}

func (n FieldName) MarshalJSON() ([]byte, error) {
	if n.IsIndex {
		return strconv.AppendInt(nil, n.Index, 10), nil
	}
	return json.Marshal(n.Name)
}

func (n *FieldName) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		*n = FieldName{}
		return json.Unmarshal(b, &n.Name)
	}
	i, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("field name must be a string or integer: %s", b)
	}
	*n = Indexed(i)
	return nil
}

// Value is a rendered value tree node. Scalars carry Text, composites and arrays carry Fields.
type Value struct {
	Kind   Kind
	Text   string
	Fields []Field
}

// Field is one named (or indexed) entry in a rendered tree. Exactly one of Value and Fields is
// populated, selected by Type.
type Field struct {
	Name   FieldName `json:"name"`
	Type   Kind      `json:"type"`
	Value  *string   `json:"value"`
	Fields []Field   `json:"fields"`
}

// Frame is one activation record captured at a stop.
type Frame struct {
	Function string  `json:"function"`
	File     string  `json:"file"`
	Line     int     `json:"line"`
	Fields   []Field `json:"fields"`
}

// TraceEvent is the snapshot of a whole stack at one stop, innermost frame first.
type TraceEvent struct {
	Channel string  `json:"channel"`
	LogMsg  string  `json:"log_msg"`
	Frames  []Frame `json:"frames"`
}

// InitData is the payload of the handshake sent once a collector connection is established.
type InitData struct {
	Cmd string `json:"cmd"`
}

// Msg is the envelope for every message sent to the collector.
type Msg struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
