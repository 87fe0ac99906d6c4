package flow

import "fmt"

// DataType tags the kind of value a port carries. It is a closed set so
// port-compatibility checks can be exhaustive.
type DataType int

const (
	// DataAny matches every other data type on either side of a connection.
	DataAny DataType = iota
	// DataImage is a raster image backed by a contiguous pixel block.
	DataImage
	// DataScalar is a single numeric measurement.
	DataScalar
	// DataPointSet is an ordered set of 2D points.
	DataPointSet
	// DataText is a string value.
	DataText
	// DataBool is a boolean value.
	DataBool
)

// String returns the human-readable name of the data type.
func (t DataType) String() string {
	switch t {
	case DataAny:
		return "any"
	case DataImage:
		return "image"
	case DataScalar:
		return "scalar"
	case DataPointSet:
		return "pointset"
	case DataText:
		return "text"
	case DataBool:
		return "bool"
	default:
		return fmt.Sprintf("datatype(%d)", int(t))
	}
}

// Compatible reports whether a value of type t may flow into a port of
// type other. Any is a wildcard on either side.
func (t DataType) Compatible(other DataType) bool {
	return t == DataAny || other == DataAny || t == other
}

// ImageShape describes the dimensions of an image block. It doubles as the
// declared working size of a node, from which the scheduler sizes pooled
// buffers.
type ImageShape struct {
	Width           int
	Height          int
	Channels        int
	BytesPerChannel int
}

// Bytes returns the byte footprint of one image of this shape.
func (s ImageShape) Bytes() int {
	return s.Width * s.Height * s.Channels * s.BytesPerChannel
}

// IsZero reports whether no working size was declared.
func (s ImageShape) IsZero() bool {
	return s == ImageShape{}
}

// Image is a raster image value. Pix holds Shape.Bytes() bytes in row-major
// order. An Image handed to an operator is read-only; an Image produced by
// an operator must own its pixel block.
type Image struct {
	Shape ImageShape
	Pix   []byte
}

// Point is a single 2D coordinate within an image.
type Point struct {
	X float64
	Y float64
}

// Value is a closed tagged variant carrying exactly one of the port data
// types. The zero Value is a null of type Any.
type Value struct {
	kind   DataType
	img    *Image
	scalar float64
	points []Point
	text   string
	flag   bool
	any    any
}

// ImageValue wraps an image.
func ImageValue(img *Image) Value { return Value{kind: DataImage, img: img} }

// ScalarValue wraps a numeric measurement.
func ScalarValue(v float64) Value { return Value{kind: DataScalar, scalar: v} }

// PointSetValue wraps a set of points.
func PointSetValue(pts []Point) Value { return Value{kind: DataPointSet, points: pts} }

// TextValue wraps a string.
func TextValue(s string) Value { return Value{kind: DataText, text: s} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{kind: DataBool, flag: b} }

// AnyValue wraps an opaque value for Any-typed ports.
func AnyValue(v any) Value { return Value{kind: DataAny, any: v} }

// Kind returns the variant's data type tag.
func (v Value) Kind() DataType { return v.kind }

// AsImage returns the image arm, or false if the value holds another type.
func (v Value) AsImage() (*Image, bool) {
	return v.img, v.kind == DataImage
}

// AsScalar returns the scalar arm, or false if the value holds another type.
func (v Value) AsScalar() (float64, bool) {
	return v.scalar, v.kind == DataScalar
}

// AsPointSet returns the point-set arm, or false if the value holds another type.
func (v Value) AsPointSet() ([]Point, bool) {
	return v.points, v.kind == DataPointSet
}

// AsText returns the text arm, or false if the value holds another type.
func (v Value) AsText() (string, bool) {
	return v.text, v.kind == DataText
}

// AsBool returns the bool arm, or false if the value holds another type.
func (v Value) AsBool() (bool, bool) {
	return v.flag, v.kind == DataBool
}

// AsAny returns the value as an opaque interface regardless of its arm.
func (v Value) AsAny() any {
	switch v.kind {
	case DataImage:
		return v.img
	case DataScalar:
		return v.scalar
	case DataPointSet:
		return v.points
	case DataText:
		return v.text
	case DataBool:
		return v.flag
	default:
		return v.any
	}
}
