package lens

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// HashFieldValuePrefix marks a flattened value replaced by its hash.
	HashFieldValuePrefix = "vsha1-"
	// UnavailableFieldValue is the flattened form of a field the debugger could not read.
	UnavailableFieldValue = "<unavailable>"
	emptyCompositeValue   = "{}"
)

// StoredEvent is a trace event as recorded by the collector.
type StoredEvent struct {
	// Seq is the per channel sequence number, starting at 1.
	Seq uint64
	// Remote is the address of the probe connection.
	Remote string
	// TimeMillis is the receive time in unix milliseconds.
	TimeMillis int64
	TraceEvent
}

// BlobCodec identifies the compression applied to an encoded event blob.
type BlobCodec byte

const (
	BlobCodecNone BlobCodec = iota
	BlobCodecZstd
	BlobCodecSnappy
)

func (c BlobCodec) String() string {
	switch c {
	case BlobCodecNone:
		return "none"
	case BlobCodecZstd:
		return "zstd"
	case BlobCodecSnappy:
		return "snappy"
	default:
		return "codec(" + strconv.Itoa(int(c)) + ")"
	}
}

// ParseBlobCodec parses a codec name, an empty name selects zstd.
func ParseBlobCodec(name string) (BlobCodec, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return BlobCodecZstd, nil
	case "snappy":
		return BlobCodecSnappy, nil
	case "none":
		return BlobCodecNone, nil
	default:
		return 0, fmt.Errorf("unknown codec %q, values can be: zstd, snappy, none", name)
	}
}

// structs and code below encode a StoredEvent into a compact form, repeated field subtrees
// (common between frames of a deep stack) are stored once in a node dictionary

type encField struct {
	Ni *int       `msgpack:"ni,omitempty"` // -> node dictionary
	N  string     `msgpack:"n,omitempty"`
	I  *int64     `msgpack:"i,omitempty"` // array index name
	T  uint8      `msgpack:"t,omitempty"`
	V  *string    `msgpack:"v,omitempty"`
	F  []encField `msgpack:"f,omitempty"`
}

type encFrame struct {
	Fn string     `msgpack:"fn"`
	Fi string     `msgpack:"fi,omitempty"`
	L  int        `msgpack:"l,omitempty"`
	F  []encField `msgpack:"f,omitempty"`
}

type encStoredEvent struct {
	S  uint64     `msgpack:"s"`
	R  string     `msgpack:"r,omitempty"`
	T  int64      `msgpack:"t"`
	C  string     `msgpack:"c"`
	M  string     `msgpack:"m"`
	Fr []encFrame `msgpack:"fr"`
	Nd []encField `msgpack:"nd,omitempty"`
}

// fieldID returns a key for the field name, kind, value and children.
func fieldID(f *Field) string {
	h := sha1.New()
	writeFieldHash(h, f)
	return string(h.Sum(nil))
}

type hashWriter interface {
	Write([]byte) (int, error)
}

func writeFieldHash(h hashWriter, f *Field) {
	_, _ = h.Write([]byte(f.Name.String()))
	_, _ = h.Write([]byte{0, byte(f.Type)})
	if f.Value != nil {
		_, _ = h.Write([]byte{1})
		_, _ = h.Write([]byte(*f.Value))
	}
	_, _ = h.Write([]byte{byte(len(f.Fields) >> 8), byte(len(f.Fields))})
	for i := range f.Fields {
		writeFieldHash(h, &f.Fields[i])
	}
	_, _ = h.Write([]byte{0xff})
}

// FieldsID returns a hash of the field tree, equal trees produce equal ids.
func FieldsID(fields []Field) string {
	if fields == nil {
		return ""
	} else if len(fields) == 0 {
		return "empty"
	}
	h := sha1.New()
	for i := range fields {
		writeFieldHash(h, &fields[i])
	}
	return string(h.Sum(nil))
}

func dictionaryCandidate(f *Field) bool {
	// a reference costs a few bytes, only worth it for subtrees or larger values
	return len(f.Fields) > 0 || (f.Value != nil && len(*f.Value) > 4)
}

func (ev *StoredEvent) MarshalMsgpack() ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	// count occurrences of each subtree
	count := make(map[string]int)
	var walk func(fields []Field)
	walk = func(fields []Field) {
		for i := range fields {
			if f := &fields[i]; dictionaryCandidate(f) {
				count[fieldID(f)]++
				walk(f.Fields)
			}
		}
	}
	for _, frame := range ev.Frames {
		walk(frame.Fields)
	}

	var index map[string]int
	if hasDup(count) {
		index = make(map[string]int)
	}
	var dict []encField
	var encodeFields func(fields []Field) []encField
	encodeField := func(f *Field) encField {
		ef := encField{T: uint8(f.Type), V: f.Value, F: encodeFields(f.Fields)}
		if f.Name.IsIndex {
			i := f.Name.Index
			ef.I = &i
		} else {
			ef.N = f.Name.Name
		}
		return ef
	}
	encodeFields = func(fields []Field) []encField {
		if len(fields) == 0 {
			return nil
		}
		out := make([]encField, len(fields))
		for i := range fields {
			f := &fields[i]
			if index != nil && dictionaryCandidate(f) {
				if key := fieldID(f); count[key] > 1 {
					pos, ok := index[key]
					if !ok {
						pos = len(dict)
						index[key] = pos
						dict = append(dict, encField{}) // reserve the slot before encoding children
						ef := encodeField(f)
						dict[pos] = ef
					}
					out[i] = encField{Ni: &pos}
					continue
				}
			}
			out[i] = encodeField(f)
		}
		return out
	}

	frames := make([]encFrame, len(ev.Frames))
	for i, frame := range ev.Frames {
		frames[i] = encFrame{
			Fn: frame.Function,
			Fi: frame.File,
			L:  frame.Line,
			F:  encodeFields(frame.Fields),
		}
	}

	var buf bytes.Buffer
	enc.Reset(&buf)
	err := enc.Encode(encStoredEvent{
		S:  ev.Seq,
		R:  ev.Remote,
		T:  ev.TimeMillis,
		C:  ev.Channel,
		M:  ev.LogMsg,
		Fr: frames,
		Nd: dict,
	})
	return buf.Bytes(), err
}

func (ev *StoredEvent) UnmarshalMsgpack(data []byte) error {
	var enc encStoredEvent
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}

	var decodeFields func(efs []encField, kind Kind, depth int) ([]Field, error)
	var decodeField func(ef encField, depth int) (Field, error)
	decodeField = func(ef encField, depth int) (Field, error) {
		if ef.Ni != nil {
			if *ef.Ni < 0 || *ef.Ni >= len(enc.Nd) || depth > len(enc.Nd) {
				return Field{}, fmt.Errorf("invalid encoded node index: %d", *ef.Ni)
			}
			return decodeField(enc.Nd[*ef.Ni], depth+1)
		}
		f := Field{Type: Kind(ef.T), Value: ef.V}
		if ef.I != nil {
			f.Name = Indexed(*ef.I)
		} else {
			f.Name = Named(ef.N)
		}
		var err error
		f.Fields, err = decodeFields(ef.F, f.Type, depth)
		return f, err
	}
	decodeFields = func(efs []encField, kind Kind, depth int) ([]Field, error) {
		if len(efs) == 0 {
			if kind.HasFields() {
				return []Field{}, nil
			}
			return nil, nil
		}
		fields := make([]Field, len(efs))
		for i, ef := range efs {
			f, err := decodeField(ef, depth)
			if err != nil {
				return nil, err
			}
			fields[i] = f
		}
		return fields, nil
	}

	ev.Seq = enc.S
	ev.Remote = enc.R
	ev.TimeMillis = enc.T
	ev.Channel = enc.C
	ev.LogMsg = enc.M
	ev.Frames = make([]Frame, len(enc.Fr))
	for i, ef := range enc.Fr {
		fields, err := decodeFields(ef.F, KindStruct, 0) // frame fields are never nil
		if err != nil {
			return err
		}
		ev.Frames[i] = Frame{Function: ef.Fn, File: ef.Fi, Line: ef.L, Fields: fields}
	}
	return nil
}

func hasDup(freq map[string]int) bool {
	for _, n := range freq {
		if n > 1 {
			return true
		}
	}
	return false
}

// EncodeEventBlob encodes ev for storage, the first byte identifies the codec.
func EncodeEventBlob(ev *StoredEvent, codec BlobCodec) ([]byte, error) {
	raw, err := ev.MarshalMsgpack()
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	switch codec {
	case BlobCodecNone:
		return append([]byte{byte(codec)}, raw...), nil
	case BlobCodecZstd:
		return ZstdCompress([]byte{byte(codec)}, raw), nil
	case BlobCodecSnappy:
		return append([]byte{byte(codec)}, SnappyCompress(nil, raw)...), nil
	default:
		return nil, fmt.Errorf("unsupported codec %v", codec)
	}
}

// DecodeEventBlob decodes a blob produced by EncodeEventBlob.
func DecodeEventBlob(blob []byte) (*StoredEvent, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty event blob")
	}
	raw := blob[1:]
	var err error
	switch codec := BlobCodec(blob[0]); codec {
	case BlobCodecNone:
	case BlobCodecZstd:
		raw, err = ZstdDecompress(nil, raw)
	case BlobCodecSnappy:
		raw, err = SnappyDecompress(nil, raw)
	default:
		return nil, fmt.Errorf("unsupported codec %v", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress event: %w", err)
	}

	ev := &StoredEvent{}
	if err := ev.UnmarshalMsgpack(raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// FlattenFields converts a field tree into dotted paths mapped to leaf values. Array elements
// use an index suffix (items[0].name). Values longer than hashLimit are replaced by their hash,
// zero disables hashing.
func FlattenFields(fields []Field, hashLimit int) map[string]string {
	flat := make(map[string]string)
	var walk func(prefix string, cur []Field)
	walk = func(prefix string, cur []Field) {
		for i := range cur {
			f := &cur[i]
			key := f.Name.String()
			if f.Name.IsIndex {
				key = prefix + key
			} else if prefix != "" {
				key = prefix + "." + key
			}

			if f.Type.HasFields() && f.Value == nil {
				if len(f.Fields) == 0 {
					flat[key] = emptyCompositeValue
				} else {
					walk(key, f.Fields)
				}
				continue
			}
			if f.Value == nil {
				flat[key] = UnavailableFieldValue
			} else {
				flat[key] = hashLongValue(*f.Value, hashLimit)
			}
		}
	}
	walk("", fields)
	return flat
}

func hashLongValue(v string, limit int) string {
	if limit <= 0 || len(v) <= limit {
		return v
	}
	sha := sha1.Sum([]byte(v))
	return HashFieldValuePrefix + base91.StdEncoding.EncodeToString(sha[:])
}
