package checkpoints

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// AttrType is the value type of a global attribute
type AttrType int

const (
	AttrString AttrType = iota
	AttrUint32
	AttrUint64
	AttrFloat32
)

func (t AttrType) String() string {
	switch t {
	case AttrString:
		return "string"
	case AttrUint32:
		return "uint32"
	case AttrUint64:
		return "uint64"
	case AttrFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// Attribute is a named, typed scalar. Only the field matching Type is used.
type Attribute struct {
	Name string
	Type AttrType
	Str  string
	Uint uint64
	Flt  float32
}

// Dimension names the length of one or more variables
type Dimension struct {
	Name   string
	Length uint64
}

// Variable is a one-dimensional float32 array over a named dimension
type Variable struct {
	Name      string
	Dimension string
	Data      []float32
}

// ErrMissingAttribute is wrapped by every lookup of an absent attribute
var ErrMissingAttribute = errors.New("missing attribute")

// ErrForeignContainer reports a NetCDF classic or HDF5 file. Only the
// attribute container written by File is read.
var ErrForeignContainer = errors.New("foreign container format")

var fileMagic = []byte("DSNC")

// magic prefixes of the NetCDF classic, 64-bit offset and HDF5 formats
var foreignMagic = map[string]string{
	"CDF\x01": "NetCDF classic",
	"CDF\x02": "NetCDF 64-bit offset",
	"\x89HDF": "NetCDF-4/HDF5",
}

const fileVersion uint32 = 1

// protowire field numbers
const (
	fieldAttribute protowire.Number = 1
	fieldDimension protowire.Number = 2
	fieldVariable  protowire.Number = 3

	fieldName      protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldStr       protowire.Number = 3
	fieldUint      protowire.Number = 4
	fieldFlt       protowire.Number = 5
	fieldLength    protowire.Number = 2
	fieldDimName   protowire.Number = 2
	fieldFloatData protowire.Number = 3
)

// File is an ordered collection of global attributes, dimensions and
// float32 variables, the layout networks are persisted in
type File struct {
	attrs []Attribute
	dims  []Dimension
	vars  []Variable

	attrIndex map[string]int
	dimIndex  map[string]int
	varIndex  map[string]int
}

// NewFile creates an empty file
func NewFile() *File {
	return &File{
		attrIndex: make(map[string]int),
		dimIndex:  make(map[string]int),
		varIndex:  make(map[string]int),
	}
}

func (f *File) putAttr(a Attribute) {
	if i, ok := f.attrIndex[a.Name]; ok {
		f.attrs[i] = a
		return
	}
	f.attrIndex[a.Name] = len(f.attrs)
	f.attrs = append(f.attrs, a)
}

// PutString sets a string attribute
func (f *File) PutString(name, v string) {
	f.putAttr(Attribute{Name: name, Type: AttrString, Str: v})
}

// PutUint32 sets a uint32 attribute
func (f *File) PutUint32(name string, v uint32) {
	f.putAttr(Attribute{Name: name, Type: AttrUint32, Uint: uint64(v)})
}

// PutUint64 sets a uint64 attribute
func (f *File) PutUint64(name string, v uint64) {
	f.putAttr(Attribute{Name: name, Type: AttrUint64, Uint: v})
}

// PutFloat32 sets a float32 attribute
func (f *File) PutFloat32(name string, v float32) {
	f.putAttr(Attribute{Name: name, Type: AttrFloat32, Flt: v})
}

// PutBool stores a flag as a uint32 attribute
func (f *File) PutBool(name string, v bool) {
	var u uint32
	if v {
		u = 1
	}
	f.PutUint32(name, u)
}

// Attributes returns the attributes in insertion order
func (f *File) Attributes() []Attribute {
	return f.attrs
}

// Attribute looks up an attribute by name
func (f *File) Attribute(name string) (Attribute, bool) {
	i, ok := f.attrIndex[name]
	if !ok {
		return Attribute{}, false
	}
	return f.attrs[i], true
}

// Has reports whether the attribute exists
func (f *File) Has(name string) bool {
	_, ok := f.attrIndex[name]
	return ok
}

func (f *File) typed(name string, want ...AttrType) (Attribute, error) {
	a, ok := f.Attribute(name)
	if !ok {
		return a, errors.Wrap(ErrMissingAttribute, name)
	}
	for _, t := range want {
		if a.Type == t {
			return a, nil
		}
	}
	return a, errors.Errorf("attribute %s has type %s, want %s", name, a.Type, want[0])
}

// GetString returns a string attribute
func (f *File) GetString(name string) (string, error) {
	a, err := f.typed(name, AttrString)
	return a.Str, err
}

// GetUint32 returns an integer attribute that fits in 32 bits
func (f *File) GetUint32(name string) (uint32, error) {
	a, err := f.typed(name, AttrUint32, AttrUint64)
	if err != nil {
		return 0, err
	}
	if a.Uint > math.MaxUint32 {
		return 0, errors.Errorf("attribute %s value %d overflows uint32", name, a.Uint)
	}
	return uint32(a.Uint), nil
}

// GetUint64 returns an integer attribute
func (f *File) GetUint64(name string) (uint64, error) {
	a, err := f.typed(name, AttrUint64, AttrUint32)
	return a.Uint, err
}

// GetFloat32 returns a float32 attribute
func (f *File) GetFloat32(name string) (float32, error) {
	a, err := f.typed(name, AttrFloat32)
	return a.Flt, err
}

// GetBool returns a flag stored with PutBool
func (f *File) GetBool(name string) (bool, error) {
	v, err := f.GetUint32(name)
	return v != 0, err
}

// AddDimension declares a dimension. Redeclaring one is an error.
func (f *File) AddDimension(name string, length uint64) error {
	if _, ok := f.dimIndex[name]; ok {
		return errors.Errorf("dimension %s already defined", name)
	}
	f.dimIndex[name] = len(f.dims)
	f.dims = append(f.dims, Dimension{Name: name, Length: length})
	return nil
}

// Dimension returns the length of a dimension
func (f *File) Dimension(name string) (uint64, bool) {
	i, ok := f.dimIndex[name]
	if !ok {
		return 0, false
	}
	return f.dims[i].Length, true
}

// AddVariable stores data over an existing dimension of the same length
func (f *File) AddVariable(name, dim string, data []float32) error {
	n, ok := f.Dimension(dim)
	if !ok {
		return errors.Errorf("variable %s uses undefined dimension %s", name, dim)
	}
	if uint64(len(data)) != n {
		return errors.Errorf("variable %s has %d values, dimension %s has length %d", name, len(data), dim, n)
	}
	if _, ok := f.varIndex[name]; ok {
		return errors.Errorf("variable %s already defined", name)
	}
	f.varIndex[name] = len(f.vars)
	f.vars = append(f.vars, Variable{Name: name, Dimension: dim, Data: append([]float32(nil), data...)})
	return nil
}

// Variable returns a variable's data
func (f *File) Variable(name string) ([]float32, bool) {
	i, ok := f.varIndex[name]
	if !ok {
		return nil, false
	}
	return f.vars[i].Data, true
}

// MarshalBinary encodes the file: magic, little-endian version, then one
// length-delimited protowire record per attribute, dimension and variable
func (f *File) MarshalBinary() ([]byte, error) {
	b := append([]byte(nil), fileMagic...)
	b = binary.LittleEndian.AppendUint32(b, fileVersion)

	for _, a := range f.attrs {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldName, protowire.BytesType)
		rec = protowire.AppendString(rec, a.Name)
		rec = protowire.AppendTag(rec, fieldType, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(a.Type))
		switch a.Type {
		case AttrString:
			rec = protowire.AppendTag(rec, fieldStr, protowire.BytesType)
			rec = protowire.AppendString(rec, a.Str)
		case AttrUint32, AttrUint64:
			rec = protowire.AppendTag(rec, fieldUint, protowire.VarintType)
			rec = protowire.AppendVarint(rec, a.Uint)
		case AttrFloat32:
			rec = protowire.AppendTag(rec, fieldFlt, protowire.Fixed32Type)
			rec = protowire.AppendFixed32(rec, math.Float32bits(a.Flt))
		default:
			return nil, errors.Errorf("attribute %s has unknown type %d", a.Name, a.Type)
		}
		b = protowire.AppendTag(b, fieldAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}

	for _, d := range f.dims {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldName, protowire.BytesType)
		rec = protowire.AppendString(rec, d.Name)
		rec = protowire.AppendTag(rec, fieldLength, protowire.VarintType)
		rec = protowire.AppendVarint(rec, d.Length)
		b = protowire.AppendTag(b, fieldDimension, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}

	for _, v := range f.vars {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldName, protowire.BytesType)
		rec = protowire.AppendString(rec, v.Name)
		rec = protowire.AppendTag(rec, fieldDimName, protowire.BytesType)
		rec = protowire.AppendString(rec, v.Dimension)
		packed := make([]byte, 0, 4*len(v.Data))
		for _, x := range v.Data {
			packed = binary.LittleEndian.AppendUint32(packed, math.Float32bits(x))
		}
		rec = protowire.AppendTag(rec, fieldFloatData, protowire.BytesType)
		rec = protowire.AppendBytes(rec, packed)
		b = protowire.AppendTag(b, fieldVariable, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	return b, nil
}

// UnmarshalBinary replaces f's contents with the decoded data
func (f *File) UnmarshalBinary(data []byte) error {
	if len(data) >= 4 {
		if name, found := foreignMagic[string(data[:4])]; found {
			return errors.Wrapf(ErrForeignContainer, "%s file must be converted to attribute container", name)
		}
	}
	if len(data) < len(fileMagic)+4 || !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return errors.New("not a network file: bad magic")
	}
	data = data[len(fileMagic):]
	if v := binary.LittleEndian.Uint32(data); v != fileVersion {
		return errors.Errorf("unsupported file version %d", v)
	}
	data = data[4:]

	*f = *NewFile()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "failed to read record tag")
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return errors.Errorf("record %d has wire type %d", num, typ)
		}
		rec, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "failed to read record")
		}
		data = data[n:]

		var err error
		switch num {
		case fieldAttribute:
			err = f.decodeAttribute(rec)
		case fieldDimension:
			err = f.decodeDimension(rec)
		case fieldVariable:
			err = f.decodeVariable(rec)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// consumeFields walks a record calling fn for every field
func consumeFields(rec []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return protowire.ParseError(n)
		}
		rec = rec[n:]
		m, err := fn(num, typ, rec)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, rec)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		rec = rec[m:]
	}
	return nil
}

func (f *File) decodeAttribute(rec []byte) error {
	var a Attribute
	err := consumeFields(rec, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var n int
		switch {
		case num == fieldName && typ == protowire.BytesType:
			a.Name, n = protowire.ConsumeString(v)
		case num == fieldType && typ == protowire.VarintType:
			var t uint64
			t, n = protowire.ConsumeVarint(v)
			a.Type = AttrType(t)
		case num == fieldStr && typ == protowire.BytesType:
			a.Str, n = protowire.ConsumeString(v)
		case num == fieldUint && typ == protowire.VarintType:
			a.Uint, n = protowire.ConsumeVarint(v)
		case num == fieldFlt && typ == protowire.Fixed32Type:
			var bits uint32
			bits, n = protowire.ConsumeFixed32(v)
			a.Flt = math.Float32frombits(bits)
		}
		return n, nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode attribute")
	}
	if a.Type > AttrFloat32 {
		return errors.Errorf("attribute %s has unknown type %d", a.Name, a.Type)
	}
	f.putAttr(a)
	return nil
}

func (f *File) decodeDimension(rec []byte) error {
	var d Dimension
	err := consumeFields(rec, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var n int
		switch {
		case num == fieldName && typ == protowire.BytesType:
			d.Name, n = protowire.ConsumeString(v)
		case num == fieldLength && typ == protowire.VarintType:
			d.Length, n = protowire.ConsumeVarint(v)
		}
		return n, nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode dimension")
	}
	return f.AddDimension(d.Name, d.Length)
}

func (f *File) decodeVariable(rec []byte) error {
	var name, dim string
	var data []float32
	err := consumeFields(rec, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var n int
		switch {
		case num == fieldName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(v)
		case num == fieldDimName && typ == protowire.BytesType:
			dim, n = protowire.ConsumeString(v)
		case num == fieldFloatData && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(v)
			if n >= 0 {
				if len(packed)%4 != 0 {
					return 0, errors.Errorf("variable data of %d bytes is not float32 aligned", len(packed))
				}
				data = make([]float32, len(packed)/4)
				for i := range data {
					data[i] = math.Float32frombits(binary.LittleEndian.Uint32(packed[4*i:]))
				}
			}
		}
		return n, nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode variable")
	}
	return f.AddVariable(name, dim, data)
}

// WriteFile encodes f to path
func (f *File) WriteFile(path string) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// ReadFile decodes the file at path
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	f := NewFile()
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return f, nil
}
