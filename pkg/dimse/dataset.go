package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Element is a single DICOM data element. Value holds one of []string,
// []int, []float64, []byte or []*Dataset depending on the VR.
//
// Elements decoded from the wire keep their original value bytes so that
// re-encoding in the same transfer syntax reproduces the input exactly,
// including private tags and non-standard padding.
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}

	undefinedLength bool   // sequence was encoded with undefined length
	raw             []byte // value bytes as read off the wire
	rawSyntax       string // transfer syntax raw was read in
}

// Dataset is an ordered collection of DICOM elements.
type Dataset struct {
	Elements []*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{}
}

// byteOrder returns the byte order for a transfer syntax.
func byteOrder(transferSyntax string) binary.ByteOrder {
	if transferSyntax == ExplicitVRBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func isExplicitVR(transferSyntax string) bool {
	return transferSyntax != ImplicitVRLittleEndian
}

// longVRs use the 12-byte explicit-VR header (2 reserved bytes + 32-bit length).
var longVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true,
	"OW": true, "SQ": true, "UC": true, "UN": true, "UR": true, "UT": true,
}

// stringVRs decode to a backslash-separated string list.
var stringVRs = map[string]bool{
	"AE": true, "AS": true, "CS": true, "DA": true, "DS": true, "DT": true,
	"IS": true, "LO": true, "LT": true, "PN": true, "SH": true, "ST": true,
	"TM": true, "UC": true, "UI": true, "UR": true, "UT": true,
}

// Find returns the element with the given tag, or nil.
func (d *Dataset) Find(tag Tag) *Element {
	for _, el := range d.Elements {
		if el.Tag == tag {
			return el
		}
	}
	return nil
}

// Add appends or replaces an element, keeping the element list sorted by tag.
func (d *Dataset) Add(el *Element) {
	for i, existing := range d.Elements {
		switch existing.Tag.Compare(el.Tag) {
		case 0:
			d.Elements[i] = el
			return
		case 1:
			d.Elements = append(d.Elements, nil)
			copy(d.Elements[i+1:], d.Elements[i:])
			d.Elements[i] = el
			return
		}
	}
	d.Elements = append(d.Elements, el)
}

// SetString sets a tag to a single string value.
func (d *Dataset) SetString(tag Tag, vr, value string) {
	d.Add(&Element{Tag: tag, VR: vr, Value: []string{value}})
}

// SetStrings sets a tag to a multi-valued string.
func (d *Dataset) SetStrings(tag Tag, vr string, values []string) {
	d.Add(&Element{Tag: tag, VR: vr, Value: values})
}

// SetInt sets a binary integer tag (US/UL/SS/SL).
func (d *Dataset) SetInt(tag Tag, vr string, value int) {
	d.Add(&Element{Tag: tag, VR: vr, Value: []int{value}})
}

// SetBytes sets a byte-blob tag (OB/OW/UN).
func (d *Dataset) SetBytes(tag Tag, vr string, value []byte) {
	d.Add(&Element{Tag: tag, VR: vr, Value: value})
}

// SetSequence sets a nested sequence.
func (d *Dataset) SetSequence(tag Tag, items []*Dataset) {
	d.Add(&Element{Tag: tag, VR: "SQ", Value: items})
}

// GetIntValue returns the element's first integer value.
func (el *Element) GetIntValue() (int, bool) {
	if v, ok := el.Value.([]int); ok && len(v) > 0 {
		return v[0], true
	}
	return 0, false
}

// GetString returns the first string value for tag, or "".
func (d *Dataset) GetString(tag Tag) string {
	if vals := d.GetStrings(tag); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// GetStrings returns all string values for tag, or nil.
func (d *Dataset) GetStrings(tag Tag) []string {
	el := d.Find(tag)
	if el == nil {
		return nil
	}
	switch v := el.Value.(type) {
	case []string:
		return v
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return out
	}
	return nil
}

// GetInt returns the first integer value for tag. Handles binary VRs and
// IS strings; ok is false when the tag is missing or unparseable.
func (d *Dataset) GetInt(tag Tag) (int, bool) {
	if vals := d.GetInts(tag); len(vals) > 0 {
		return vals[0], true
	}
	return 0, false
}

// GetInts returns all integer values for tag.
func (d *Dataset) GetInts(tag Tag) []int {
	el := d.Find(tag)
	if el == nil {
		return nil
	}
	switch v := el.Value.(type) {
	case []int:
		return v
	case []string:
		out := make([]int, 0, len(v))
		for _, s := range v {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil
			}
			out = append(out, n)
		}
		return out
	case []float64:
		out := make([]int, len(v))
		for i, f := range v {
			out[i] = int(f)
		}
		return out
	}
	return nil
}

// GetFloat returns the first floating-point value for tag.
func (d *Dataset) GetFloat(tag Tag) (float64, bool) {
	if vals := d.GetFloats(tag); len(vals) > 0 {
		return vals[0], true
	}
	return 0, false
}

// GetFloats returns all floating-point values for tag. DS strings parse;
// unparseable values yield nil rather than an error.
func (d *Dataset) GetFloats(tag Tag) []float64 {
	el := d.Find(tag)
	if el == nil {
		return nil
	}
	switch v := el.Value.(type) {
	case []float64:
		return v
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}

// GetBytes returns the raw byte value for tag, or nil.
func (d *Dataset) GetBytes(tag Tag) []byte {
	el := d.Find(tag)
	if el == nil {
		return nil
	}
	if b, ok := el.Value.([]byte); ok {
		return b
	}
	return nil
}

// GetSequence returns the nested datasets for a SQ tag, or nil.
func (d *Dataset) GetSequence(tag Tag) []*Dataset {
	el := d.Find(tag)
	if el == nil {
		return nil
	}
	if items, ok := el.Value.([]*Dataset); ok {
		return items
	}
	return nil
}

// GetPixelData returns the PixelData bytes.
func (d *Dataset) GetPixelData() ([]byte, error) {
	el := d.Find(TagPixelData)
	if el == nil {
		return nil, &CodecError{Reason: "dataset has no PixelData element"}
	}
	b, ok := el.Value.([]byte)
	if !ok {
		return nil, &CodecError{Reason: fmt.Sprintf("PixelData has unexpected value type %T", el.Value)}
	}
	return b, nil
}

// DecodeDataset reads a full dataset from r in the given transfer syntax.
func DecodeDataset(r io.Reader, transferSyntax string) (*Dataset, error) {
	if !IsCoreTransferSyntax(transferSyntax) {
		return nil, &CodecError{Reason: fmt.Sprintf("unsupported transfer syntax %q", transferSyntax)}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &CodecError{Reason: "reading dataset", Err: err}
	}
	return DecodeDatasetBytes(data, transferSyntax)
}

// DecodeDatasetBytes decodes a dataset held fully in memory.
func DecodeDatasetBytes(data []byte, transferSyntax string) (*Dataset, error) {
	if !IsCoreTransferSyntax(transferSyntax) {
		return nil, &CodecError{Reason: fmt.Sprintf("unsupported transfer syntax %q", transferSyntax)}
	}
	ds := NewDataset()
	offset := 0
	for offset < len(data) {
		el, next, err := decodeElement(data, offset, transferSyntax)
		if err != nil {
			return nil, err
		}
		ds.Elements = append(ds.Elements, el)
		offset = next
	}
	return ds, nil
}

// DecodeDatasetHead decodes elements up to, but not including, pixel data.
// Compressed transfer syntaxes keep their attribute section in explicit VR
// little endian, so header attributes parse even when the pixel stream does
// not.
func DecodeDatasetHead(data []byte, transferSyntax string) (*Dataset, error) {
	ts := transferSyntax
	if !IsCoreTransferSyntax(ts) {
		ts = ExplicitVRLittleEndian
	}
	ds := NewDataset()
	offset := 0
	for offset < len(data) {
		order := byteOrder(ts)
		if offset+4 > len(data) {
			break
		}
		tag := Tag{
			Group:   order.Uint16(data[offset : offset+2]),
			Element: order.Uint16(data[offset+2 : offset+4]),
		}
		if tag.Compare(TagPixelData) >= 0 {
			break
		}
		el, next, err := decodeElement(data, offset, ts)
		if err != nil {
			return nil, err
		}
		ds.Elements = append(ds.Elements, el)
		offset = next
	}
	return ds, nil
}

const undefinedLength = 0xFFFFFFFF

func decodeElement(data []byte, offset int, ts string) (*Element, int, error) {
	order := byteOrder(ts)
	if offset+8 > len(data) {
		return nil, 0, &CodecError{Reason: "truncated element header"}
	}
	tag := Tag{
		Group:   order.Uint16(data[offset : offset+2]),
		Element: order.Uint16(data[offset+2 : offset+4]),
	}

	var vr string
	var length uint32
	var valueOffset int

	if isExplicitVR(ts) && tag.Group != 0xFFFE {
		vr = string(data[offset+4 : offset+6])
		if longVRs[vr] {
			if offset+12 > len(data) {
				return nil, 0, &CodecError{Reason: fmt.Sprintf("truncated long header for %s", tag)}
			}
			length = order.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(order.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
	} else {
		vr = LookupVR(tag)
		length = order.Uint32(data[offset+4 : offset+8])
		valueOffset = offset + 8
	}

	// Sequences nest; everything else is a leaf value.
	if vr == "SQ" || (length == undefinedLength && tag.Group != 0xFFFE) {
		items, next, undef, err := decodeSequence(data, valueOffset, length, ts)
		if err != nil {
			return nil, 0, err
		}
		return &Element{Tag: tag, VR: "SQ", Value: items, undefinedLength: undef}, next, nil
	}

	if length == undefinedLength {
		return nil, 0, &CodecError{Reason: fmt.Sprintf("undefined length on non-sequence %s", tag)}
	}
	end := valueOffset + int(length)
	if end > len(data) {
		return nil, 0, &CodecError{Reason: fmt.Sprintf("value of %s exceeds buffer", tag)}
	}
	raw := data[valueOffset:end]
	el := &Element{
		Tag:       tag,
		VR:        vr,
		Value:     decodeValue(vr, raw, order),
		raw:       append([]byte(nil), raw...),
		rawSyntax: ts,
	}
	return el, end, nil
}

func decodeSequence(data []byte, offset int, length uint32, ts string) ([]*Dataset, int, bool, error) {
	order := byteOrder(ts)
	undef := length == undefinedLength
	end := len(data)
	if !undef {
		end = offset + int(length)
		if end > len(data) {
			return nil, 0, false, &CodecError{Reason: "sequence exceeds buffer"}
		}
	}

	var items []*Dataset
	for offset < end {
		if offset+8 > len(data) {
			return nil, 0, false, &CodecError{Reason: "truncated sequence item header"}
		}
		itemTag := Tag{
			Group:   order.Uint16(data[offset : offset+2]),
			Element: order.Uint16(data[offset+2 : offset+4]),
		}
		itemLen := order.Uint32(data[offset+4 : offset+8])
		offset += 8

		if itemTag == TagSequenceDelimiter {
			return items, offset, undef, nil
		}
		if itemTag != TagItem {
			return nil, 0, false, &CodecError{Reason: fmt.Sprintf("unexpected tag %s in sequence", itemTag)}
		}

		item := NewDataset()
		if itemLen == undefinedLength {
			for {
				if offset+8 > len(data) {
					return nil, 0, false, &CodecError{Reason: "unterminated sequence item"}
				}
				peek := Tag{
					Group:   order.Uint16(data[offset : offset+2]),
					Element: order.Uint16(data[offset+2 : offset+4]),
				}
				if peek == TagItemDelimiter {
					offset += 8
					break
				}
				el, next, err := decodeElement(data, offset, ts)
				if err != nil {
					return nil, 0, false, err
				}
				item.Elements = append(item.Elements, el)
				offset = next
			}
		} else {
			itemEnd := offset + int(itemLen)
			if itemEnd > len(data) {
				return nil, 0, false, &CodecError{Reason: "sequence item exceeds buffer"}
			}
			for offset < itemEnd {
				el, next, err := decodeElement(data, offset, ts)
				if err != nil {
					return nil, 0, false, err
				}
				item.Elements = append(item.Elements, el)
				offset = next
			}
		}
		items = append(items, item)
	}
	if undef {
		return nil, 0, false, &CodecError{Reason: "unterminated sequence"}
	}
	return items, offset, false, nil
}

func decodeValue(vr string, raw []byte, order binary.ByteOrder) interface{} {
	switch {
	case stringVRs[vr]:
		s := strings.TrimRight(string(raw), "\x00 ")
		if s == "" {
			return []string{}
		}
		return strings.Split(s, "\\")
	case vr == "US":
		return decodeInts(raw, 2, false, order)
	case vr == "SS":
		return decodeInts(raw, 2, true, order)
	case vr == "UL":
		return decodeInts(raw, 4, false, order)
	case vr == "SL":
		return decodeInts(raw, 4, true, order)
	case vr == "FL":
		out := make([]float64, 0, len(raw)/4)
		for i := 0; i+4 <= len(raw); i += 4 {
			out = append(out, float64(math.Float32frombits(order.Uint32(raw[i:i+4]))))
		}
		return out
	case vr == "FD":
		out := make([]float64, 0, len(raw)/8)
		for i := 0; i+8 <= len(raw); i += 8 {
			out = append(out, math.Float64frombits(order.Uint64(raw[i:i+8])))
		}
		return out
	default:
		// OB/OW/UN/AT and friends stay opaque.
		return append([]byte(nil), raw...)
	}
}

func decodeInts(raw []byte, width int, signed bool, order binary.ByteOrder) []int {
	out := make([]int, 0, len(raw)/width)
	for i := 0; i+width <= len(raw); i += width {
		switch width {
		case 2:
			v := order.Uint16(raw[i : i+2])
			if signed {
				out = append(out, int(int16(v)))
			} else {
				out = append(out, int(v))
			}
		case 4:
			v := order.Uint32(raw[i : i+4])
			if signed {
				out = append(out, int(int32(v)))
			} else {
				out = append(out, int(v))
			}
		}
	}
	return out
}

// EncodeDataset writes the dataset to w in the given transfer syntax.
func EncodeDataset(w io.Writer, ds *Dataset, transferSyntax string) error {
	data, err := EncodeDatasetBytes(ds, transferSyntax)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return &CodecError{Reason: "writing dataset", Err: err}
	}
	return nil
}

// EncodeDatasetBytes encodes the dataset to a byte slice.
func EncodeDatasetBytes(ds *Dataset, transferSyntax string) ([]byte, error) {
	if !IsCoreTransferSyntax(transferSyntax) {
		return nil, &CodecError{Reason: fmt.Sprintf("unsupported transfer syntax %q", transferSyntax)}
	}
	var buf bytes.Buffer
	for _, el := range ds.Elements {
		if err := encodeElement(&buf, el, transferSyntax); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeElement(buf *bytes.Buffer, el *Element, ts string) error {
	order := byteOrder(ts)

	if el.VR == "SQ" {
		items, ok := el.Value.([]*Dataset)
		if !ok {
			return &CodecError{Reason: fmt.Sprintf("SQ element %s holds %T", el.Tag, el.Value)}
		}
		return encodeSequence(buf, el, items, ts)
	}

	value, err := encodeValue(el, order, ts)
	if err != nil {
		return err
	}
	writeElementHeader(buf, el.Tag, el.VR, uint32(len(value)), ts)
	buf.Write(value)
	return nil
}

func writeElementHeader(buf *bytes.Buffer, tag Tag, vr string, length uint32, ts string) {
	order := byteOrder(ts)
	var hdr [12]byte
	order.PutUint16(hdr[0:2], tag.Group)
	order.PutUint16(hdr[2:4], tag.Element)
	if isExplicitVR(ts) && tag.Group != 0xFFFE {
		copy(hdr[4:6], vr)
		if longVRs[vr] {
			order.PutUint32(hdr[8:12], length)
			buf.Write(hdr[:12])
		} else {
			order.PutUint16(hdr[6:8], uint16(length))
			buf.Write(hdr[:8])
		}
	} else {
		order.PutUint32(hdr[4:8], length)
		buf.Write(hdr[:8])
	}
}

func encodeSequence(buf *bytes.Buffer, el *Element, items []*Dataset, ts string) error {
	order := byteOrder(ts)
	var body bytes.Buffer
	for _, item := range items {
		itemData, err := EncodeDatasetBytes(item, ts)
		if err != nil {
			return err
		}
		var itemHdr [8]byte
		order.PutUint16(itemHdr[0:2], TagItem.Group)
		order.PutUint16(itemHdr[2:4], TagItem.Element)
		if el.undefinedLength {
			order.PutUint32(itemHdr[4:8], undefinedLength)
			body.Write(itemHdr[:])
			body.Write(itemData)
			var delim [8]byte
			order.PutUint16(delim[0:2], TagItemDelimiter.Group)
			order.PutUint16(delim[2:4], TagItemDelimiter.Element)
			body.Write(delim[:])
		} else {
			order.PutUint32(itemHdr[4:8], uint32(len(itemData)))
			body.Write(itemHdr[:])
			body.Write(itemData)
		}
	}
	if el.undefinedLength {
		writeElementHeader(buf, el.Tag, "SQ", undefinedLength, ts)
		buf.Write(body.Bytes())
		var delim [8]byte
		order.PutUint16(delim[0:2], TagSequenceDelimiter.Group)
		order.PutUint16(delim[2:4], TagSequenceDelimiter.Element)
		buf.Write(delim[:])
	} else {
		writeElementHeader(buf, el.Tag, "SQ", uint32(body.Len()), ts)
		buf.Write(body.Bytes())
	}
	return nil
}

func encodeValue(el *Element, order binary.ByteOrder, ts string) ([]byte, error) {
	// Elements decoded off the wire re-encode from their original bytes as
	// long as the target syntax matches, preserving padding exactly.
	if el.raw != nil && el.rawSyntax == ts {
		return el.raw, nil
	}

	switch v := el.Value.(type) {
	case []string:
		joined := strings.Join(v, "\\")
		b := []byte(joined)
		if len(b)%2 == 1 {
			if el.VR == "UI" {
				b = append(b, 0x00)
			} else {
				b = append(b, ' ')
			}
		}
		return b, nil
	case []int:
		width := 2
		if el.VR == "UL" || el.VR == "SL" {
			width = 4
		}
		b := make([]byte, 0, len(v)*width)
		for _, n := range v {
			switch width {
			case 2:
				var tmp [2]byte
				order.PutUint16(tmp[:], uint16(n))
				b = append(b, tmp[:]...)
			case 4:
				var tmp [4]byte
				order.PutUint32(tmp[:], uint32(n))
				b = append(b, tmp[:]...)
			}
		}
		return b, nil
	case []float64:
		width := 8
		if el.VR == "FL" {
			width = 4
		}
		b := make([]byte, 0, len(v)*width)
		for _, f := range v {
			switch width {
			case 4:
				var tmp [4]byte
				order.PutUint32(tmp[:], math.Float32bits(float32(f)))
				b = append(b, tmp[:]...)
			case 8:
				var tmp [8]byte
				order.PutUint64(tmp[:], math.Float64bits(f))
				b = append(b, tmp[:]...)
			}
		}
		return b, nil
	case []byte:
		if len(v)%2 == 1 {
			v = append(append([]byte(nil), v...), 0x00)
		}
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, &CodecError{Reason: fmt.Sprintf("element %s holds unsupported value type %T", el.Tag, el.Value)}
	}
}
