package lens

import (
	"log"
	"strconv"
	"unicode/utf8"
)

// TruncatedFieldName names the trailing field added to an array cut at MaxElements.
const TruncatedFieldName = "…"

// RenderOptions bound the size of a rendered value tree. Zero values mean unlimited.
type RenderOptions struct {
	// MaxDepth is the nesting depth at which composites collapse into their debugger text.
	MaxDepth int
	// MaxElements limits how many array elements are rendered. A capped array ends with a
	// TruncatedFieldName scalar holding the count of omitted elements.
	MaxElements int
	// MaxTextLen limits the length of scalar text.
	MaxTextLen int
}

// TypeStripper is optionally implemented by a HostType whose code is TypeCodeTypedef, returning
// the underlying type.
type TypeStripper interface {
	StripTypedefs() HostType
}

// Classify maps a debugger type classification onto the rendered kind.
func Classify(t HostType) Kind {
	if t == nil {
		return KindScalar
	}
	switch t.Code() {
	case TypeCodeStruct:
		return KindStruct
	case TypeCodeUnion:
		return KindUnion
	case TypeCodeEnum:
		return KindEnum
	case TypeCodeArray:
		return KindArray
	case TypeCodeOther, TypeCodePointer, TypeCodeInt, TypeCodeFloat, TypeCodeBool,
		TypeCodeChar, TypeCodeString, TypeCodeFunc, TypeCodeTypedef, TypeCodeVoid:
		return KindScalar
	default:
		return KindScalar
	}
}

func resolveType(t HostType) HostType {
	for i := 0; t != nil && t.Code() == TypeCodeTypedef && i < 32; i++ {
		s, ok := t.(TypeStripper)
		if !ok {
			break
		}
		t = s.StripTypedefs()
	}
	return t
}

// Render converts a debugger value into a portable value tree. The returned bool is false when
// the value has no type information, in which case nothing was captured.
func Render(v HostValue, opts RenderOptions) (Value, bool) {
	return renderValue(v, opts, 0)
}

func renderValue(v HostValue, opts RenderOptions, depth int) (Value, bool) {
	if v == nil {
		return Value{}, false
	}
	t := resolveType(v.Type())
	if t == nil {
		return Value{}, false
	}

	kind := Classify(t)
	if kind != KindScalar && opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		text, ok := valueText(v, opts)
		if !ok {
			return Value{}, false
		}
		return Value{Kind: KindScalar, Text: text}, true
	}

	switch kind {
	case KindStruct, KindUnion, KindEnum:
		keys := t.Keys()
		fields := make([]Field, 0, len(keys))
		for _, key := range keys {
			member, err := v.Member(key)
			if err != nil {
				if probeDebugLogging {
					log.Printf("member %q unavailable: %v", key, err)
				}
				member = nil
			}
			fields = append(fields, newField(Named(key), member, opts, depth+1))
		}
		return Value{Kind: kind, Fields: fields}, true
	case KindArray:
		low, high, ok := t.Range()
		if !ok || high < low {
			return Value{Kind: KindArray, Fields: []Field{}}, true
		}
		var omitted int64
		if opts.MaxElements > 0 && high-low+1 > int64(opts.MaxElements) {
			omitted = high - low + 1 - int64(opts.MaxElements)
			high = low + int64(opts.MaxElements) - 1
		}
		fields := make([]Field, 0, high-low+2)
		for i := low; i <= high; i++ {
			elem, err := v.Index(i)
			if err != nil {
				if probeDebugLogging {
					log.Printf("element [%d] unavailable: %v", i, err)
				}
				elem = nil
			}
			fields = append(fields, newField(Indexed(i), elem, opts, depth+1))
		}
		if omitted > 0 {
			more := "(" + strconv.FormatInt(omitted, 10) + " more)"
			fields = append(fields, Field{Name: Named(TruncatedFieldName), Type: KindScalar, Value: &more})
		}
		return Value{Kind: KindArray, Fields: fields}, true
	default:
		text, ok := valueText(v, opts)
		if !ok {
			return Value{}, false
		}
		return Value{Kind: KindScalar, Text: text}, true
	}
}

// NewField renders v and wraps it under name, tagged with v's own kind. Struct and array fields
// hold nested fields; scalar, union and enum fields hold the debugger text.
func NewField(name FieldName, v HostValue, opts RenderOptions) Field {
	return newField(name, v, opts, 0)
}

func newField(name FieldName, v HostValue, opts RenderOptions, depth int) Field {
	f := Field{Name: name, Type: KindScalar}
	if v == nil {
		return f
	}
	t := resolveType(v.Type())
	if t == nil {
		return f
	}

	f.Type = Classify(t)
	if !f.Type.HasFields() {
		if text, ok := valueText(v, opts); ok {
			f.Value = &text
		}
		return f
	}

	rendered, ok := renderValue(v, opts, depth)
	if !ok {
		return f
	} else if rendered.Kind == KindScalar { // cut at max depth
		f.Type = KindScalar
		f.Value = &rendered.Text
		return f
	}
	f.Fields = rendered.Fields
	return f
}

func valueText(v HostValue, opts RenderOptions) (string, bool) {
	text, err := v.Text()
	if err != nil {
		if probeDebugLogging {
			log.Printf("value text unavailable: %v", err)
		}
		return "", false
	}
	return limitTextSize(text, opts.MaxTextLen), true
}

// limitTextSize cuts s to at most limit bytes on a rune boundary, noting how many bytes were cut.
func limitTextSize(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "…(" + strconv.Itoa(len(s)-limit) + " more)"
}
