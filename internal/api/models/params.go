package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

type ParamKind uint8

const (
	ParamNumber ParamKind = iota + 1
	ParamBool
	ParamEnum
	ParamColor
	ParamRecord
)

func (k ParamKind) String() string {
	switch k {
	case ParamNumber:
		return "number"
	case ParamBool:
		return "boolean"
	case ParamEnum:
		return "enum"
	case ParamColor:
		return "color"
	case ParamRecord:
		return "record"
	default:
		return "invalid"
	}
}

// ParamValue is a closed variant over the parameter shapes an operation accepts:
// number, boolean, enumerated string, color triple or nested record.
type ParamValue struct {
	kind   ParamKind
	num    float64
	flag   bool
	str    string
	color  [3]uint8
	fields map[string]ParamValue
}

func Number(v float64) ParamValue { return ParamValue{kind: ParamNumber, num: v} }

func Bool(v bool) ParamValue { return ParamValue{kind: ParamBool, flag: v} }

func Enum(v string) ParamValue { return ParamValue{kind: ParamEnum, str: v} }

func Color(r, g, b uint8) ParamValue { return ParamValue{kind: ParamColor, color: [3]uint8{r, g, b}} }

func Record(fields map[string]ParamValue) ParamValue {
	out := make(map[string]ParamValue, len(fields))
	for k, v := range fields {
		out[k] = v.Clone()
	}
	return ParamValue{kind: ParamRecord, fields: out}
}

func (v ParamValue) Kind() ParamKind { return v.kind }

func (v ParamValue) IsZero() bool { return v.kind == 0 }

func (v ParamValue) Number() float64 { return v.num }

// Int rounds the numeric value to the nearest integer.
func (v ParamValue) Int() int { return int(math.Round(v.num)) }

func (v ParamValue) Bool() bool { return v.flag }

func (v ParamValue) Enum() string { return v.str }

func (v ParamValue) Color() [3]uint8 { return v.color }

// Field returns a member of a record value.
func (v ParamValue) Field(name string) (ParamValue, bool) {
	f, ok := v.fields[name]
	return f, ok
}

func (v ParamValue) FieldNames() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (v ParamValue) Clone() ParamValue {
	if v.kind != ParamRecord {
		return v
	}
	return Record(v.fields)
}

// Overlay returns o laid over v. When both are records the fields of o
// replace those of v one by one; otherwise o wins whole.
func (v ParamValue) Overlay(o ParamValue) ParamValue {
	if v.kind != ParamRecord || o.kind != ParamRecord {
		return o.Clone()
	}
	fields := make(map[string]ParamValue, len(v.fields)+len(o.fields))
	for k, f := range v.fields {
		fields[k] = f
	}
	for k, f := range o.fields {
		if base, ok := fields[k]; ok {
			fields[k] = base.Overlay(f)
			continue
		}
		fields[k] = f
	}
	return Record(fields)
}

// Equal reports deep equality. go-cmp picks this method up as well.
func (v ParamValue) Equal(o ParamValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ParamNumber:
		return v.num == o.num
	case ParamBool:
		return v.flag == o.flag
	case ParamEnum:
		return v.str == o.str
	case ParamColor:
		return v.color == o.color
	case ParamRecord:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for k, f := range v.fields {
			of, ok := o.fields[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return true
}

func (v ParamValue) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}

func (v ParamValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ParamNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("param value %v is not representable", v.num)
		}
		return json.Marshal(v.num)
	case ParamBool:
		return json.Marshal(v.flag)
	case ParamEnum:
		return json.Marshal(v.str)
	case ParamColor:
		return json.Marshal([]int{int(v.color[0]), int(v.color[1]), int(v.color[2])})
	case ParamRecord:
		return json.Marshal(v.fields)
	default:
		return nil, errors.New("empty param value")
	}
}

func (v *ParamValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty param value")
	}

	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Enum(s)
	case '[':
		var parts []float64
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("color must be an array of 3 numbers: %w", err)
		}
		if len(parts) != 3 {
			return fmt.Errorf("color must have 3 components, got %d", len(parts))
		}
		var c [3]uint8
		for i, p := range parts {
			if p < 0 || p > 255 || p != math.Trunc(p) {
				return fmt.Errorf("color component %v out of range 0..255", p)
			}
			c[i] = uint8(p)
		}
		*v = Color(c[0], c[1], c[2])
	case '{':
		var fields map[string]ParamValue
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		*v = Record(fields)
	case 'n':
		return errors.New("param value cannot be null")
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// Params maps parameter names to values.
type Params map[string]ParamValue

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// Merge returns a copy of p with every key of partial overwriting p's value.
// Records are merged field by field, so a partial record keeps the fields it
// does not name.
func (p Params) Merge(partial Params) Params {
	out := make(Params, len(p)+len(partial))
	for k, v := range p {
		out[k] = v.Clone()
	}
	for k, v := range partial {
		if base, ok := out[k]; ok {
			out[k] = base.Overlay(v)
			continue
		}
		out[k] = v.Clone()
	}
	return out
}

func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Params) Equal(o Params) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
