package volume

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

type sliceSpec struct {
	sopUID         string
	instanceNumber int
	sliceLocation  string // DS string, "" to omit
	rows, cols     int
	bitsAllocated  int
	sampleValue    uint16 // every pixel sample carries this value
	syntax         string // transfer syntax, "" for explicit VR little endian
}

func encodeSlice(t *testing.T, spec sliceSpec) SliceSource {
	t.Helper()
	ds := dimse.NewDataset()
	ds.SetString(dimse.TagSOPClassUID, "UI", dimse.CTImageStorage)
	ds.SetString(dimse.TagSOPInstanceUID, "UI", spec.sopUID)
	ds.SetString(dimse.TagStudyInstanceUID, "UI", "1.2.3")
	ds.SetString(dimse.TagSeriesInstanceUID, "UI", "1.2.3.1")
	ds.SetString(dimse.TagInstanceNumber, "IS", fmt.Sprintf("%d", spec.instanceNumber))
	if spec.sliceLocation != "" {
		ds.SetString(dimse.TagSliceLocation, "DS", spec.sliceLocation)
	}
	ds.SetInt(dimse.TagRows, "US", spec.rows)
	ds.SetInt(dimse.TagColumns, "US", spec.cols)
	ds.SetInt(dimse.TagBitsAllocated, "US", spec.bitsAllocated)
	ds.SetInt(dimse.TagPixelRepresentation, "US", 1)
	ds.SetStrings(dimse.TagPixelSpacing, "DS", []string{"0.7", "0.7"})
	ds.SetString(dimse.TagRescaleIntercept, "DS", "-1024")
	ds.SetString(dimse.TagRescaleSlope, "DS", "1")
	ds.SetString(dimse.TagWindowCenter, "DS", "40")
	ds.SetString(dimse.TagWindowWidth, "DS", "400")

	syntax := spec.syntax
	if syntax == "" {
		syntax = dimse.ExplicitVRLittleEndian
	}
	var order binary.ByteOrder = binary.LittleEndian
	if syntax == dimse.ExplicitVRBigEndian {
		order = binary.BigEndian
	}

	count := spec.rows * spec.cols
	var pixels []byte
	if spec.bitsAllocated == 16 {
		pixels = make([]byte, count*2)
		for i := 0; i < count; i++ {
			order.PutUint16(pixels[i*2:], spec.sampleValue)
		}
	} else {
		pixels = make([]byte, count)
		for i := range pixels {
			pixels[i] = byte(spec.sampleValue)
		}
	}
	ds.SetBytes(dimse.TagPixelData, "OW", pixels)

	data, err := dimse.EncodeFileBytes(ds, syntax)
	if err != nil {
		t.Fatalf("encode slice: %v", err)
	}
	return SliceSource{
		Record: models.InstanceRecord{SOPInstanceUID: spec.sopUID},
		Data:   data,
	}
}

func firstSample(body []byte, sliceIndex, rows, cols int) uint16 {
	offset := sliceIndex * rows * cols * 2
	return binary.LittleEndian.Uint16(body[offset:])
}

func TestExtractSubsamples(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	var sources []SliceSource
	for i := 0; i < 8; i++ {
		sources = append(sources, encodeSlice(t, sliceSpec{
			sopUID:         fmt.Sprintf("1.2.3.1.%d", i+1),
			instanceNumber: i + 1,
			sliceLocation:  fmt.Sprintf("%d", i*2), // 2mm native spacing
			rows:           4,
			cols:           4,
			bitsAllocated:  16,
			sampleValue:    uint16(i + 1),
		}))
	}

	meta, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 4 || meta.OriginalSliceCount != 8 {
		t.Errorf("slice counts = %d/%d", meta.SliceCount, meta.OriginalSliceCount)
	}
	if meta.SubsampleFactor != 2 {
		t.Errorf("subsample = %d", meta.SubsampleFactor)
	}
	if meta.SpacingBetweenSlices != 4 {
		t.Errorf("spacing = %f, want 4", meta.SpacingBetweenSlices)
	}
	if meta.Rows != 4 || meta.Columns != 4 {
		t.Errorf("dimensions = %dx%d", meta.Rows, meta.Columns)
	}
	if meta.PixelSpacingX != 0.7 || meta.PixelSpacingY != 0.7 {
		t.Errorf("pixel spacing = %f/%f", meta.PixelSpacingX, meta.PixelSpacingY)
	}
	if meta.RescaleIntercept != -1024 || meta.RescaleSlope != 1 {
		t.Errorf("rescale = %f/%f", meta.RescaleIntercept, meta.RescaleSlope)
	}
	if meta.DataFormat != "INT16" {
		t.Errorf("data format = %q", meta.DataFormat)
	}
	if len(body) != 4*4*4*2 {
		t.Fatalf("body length = %d", len(body))
	}
	// Stride 2 keeps slices 1, 3, 5, 7 (by sample value).
	for i, want := range []uint16{1, 3, 5, 7} {
		if got := firstSample(body, i, 4, 4); got != want {
			t.Errorf("slice %d sample = %d, want %d", i, got, want)
		}
	}
}

func TestExtractOrdersBySliceLocation(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	// Supplied out of order; positions decide.
	sources := []SliceSource{
		encodeSlice(t, sliceSpec{sopUID: "1.1", instanceNumber: 3, sliceLocation: "30", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 30}),
		encodeSlice(t, sliceSpec{sopUID: "1.2", instanceNumber: 1, sliceLocation: "10", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 10}),
		encodeSlice(t, sliceSpec{sopUID: "1.3", instanceNumber: 2, sliceLocation: "20", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 20}),
	}

	_, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for i, want := range []uint16{10, 20, 30} {
		if got := firstSample(body, i, 2, 2); got != want {
			t.Errorf("slice %d sample = %d, want %d", i, got, want)
		}
	}
}

func TestExtractFallsBackToInstanceNumber(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	// No SliceLocation and no position attributes: instance number orders.
	sources := []SliceSource{
		encodeSlice(t, sliceSpec{sopUID: "1.1", instanceNumber: 2, rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 2}),
		encodeSlice(t, sliceSpec{sopUID: "1.2", instanceNumber: 1, rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 1}),
	}

	_, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for i, want := range []uint16{1, 2} {
		if got := firstSample(body, i, 2, 2); got != want {
			t.Errorf("slice %d sample = %d, want %d", i, got, want)
		}
	}
}

func TestExtractDropsDimensionMismatches(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	sources := []SliceSource{
		encodeSlice(t, sliceSpec{sopUID: "1.1", instanceNumber: 1, sliceLocation: "0", rows: 4, cols: 4, bitsAllocated: 16, sampleValue: 1}),
		encodeSlice(t, sliceSpec{sopUID: "1.2", instanceNumber: 2, sliceLocation: "2", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 2}),
		encodeSlice(t, sliceSpec{sopUID: "1.3", instanceNumber: 3, sliceLocation: "4", rows: 4, cols: 4, bitsAllocated: 16, sampleValue: 3}),
	}

	meta, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 2 || meta.OriginalSliceCount != 2 {
		t.Errorf("slice counts = %d/%d", meta.SliceCount, meta.OriginalSliceCount)
	}
	if len(body) != 2*4*4*2 {
		t.Errorf("body length = %d", len(body))
	}
}

func TestExtractWidensEightBitPixels(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	sources := []SliceSource{
		encodeSlice(t, sliceSpec{sopUID: "1.1", instanceNumber: 1, sliceLocation: "0", rows: 2, cols: 2, bitsAllocated: 8, sampleValue: 0xAB}),
	}

	_, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(body) != 2*2*2 {
		t.Fatalf("body length = %d", len(body))
	}
	for i := 0; i < 4; i++ {
		if got := binary.LittleEndian.Uint16(body[i*2:]); got != 0xAB {
			t.Errorf("sample %d = 0x%04X", i, got)
		}
	}
}

func TestExtractSwapsBigEndianPixels(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	sources := []SliceSource{
		encodeSlice(t, sliceSpec{sopUID: "1.1", instanceNumber: 1, sliceLocation: "0", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 0x0102, syntax: dimse.ExplicitVRBigEndian}),
	}

	_, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(body) != 2*2*2 {
		t.Fatalf("body length = %d", len(body))
	}
	// The volume body is little endian regardless of the source syntax.
	for i := 0; i < 4; i++ {
		if got := binary.LittleEndian.Uint16(body[i*2:]); got != 0x0102 {
			t.Errorf("sample %d = 0x%04X, want 0x0102", i, got)
		}
	}
}

func TestExtractNoUsableSlices(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	sources := []SliceSource{
		{Record: models.InstanceRecord{SOPInstanceUID: "1.1"}, Data: []byte("not a dicom file")},
	}

	meta, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("body length = %d", len(body))
	}
	if meta.SliceCount != 0 || meta.SubsampleFactor != 2 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestExtractSubsampleBeyondCount(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	sources := []SliceSource{
		encodeSlice(t, sliceSpec{sopUID: "1.1", instanceNumber: 1, sliceLocation: "0", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 1}),
		encodeSlice(t, sliceSpec{sopUID: "1.2", instanceNumber: 2, sliceLocation: "2", rows: 2, cols: 2, bitsAllocated: 16, sampleValue: 2}),
	}

	meta, body, err := e.Extract("1.2.3", "1.2.3.1", sources, 10)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.SliceCount != 1 {
		t.Errorf("slice count = %d", meta.SliceCount)
	}
	if got := firstSample(body, 0, 2, 2); got != 1 {
		t.Errorf("kept sample = %d", got)
	}
}

func TestExtractRejectsBadSubsample(t *testing.T) {
	e := NewExtractor(zerolog.Nop())
	if _, _, err := e.Extract("1.2.3", "1.2.3.1", nil, 0); err == nil {
		t.Error("subsample 0 accepted")
	}
	if _, _, err := e.Extract("1.2.3", "1.2.3.1", nil, -1); err == nil {
		t.Error("negative subsample accepted")
	}
}

func TestParseFirstFloat(t *testing.T) {
	if f, ok := ParseFirstFloat("40\\80"); !ok || f != 40 {
		t.Errorf("got %f, %v", f, ok)
	}
	if f, ok := ParseFirstFloat(" -1024 "); !ok || f != -1024 {
		t.Errorf("got %f, %v", f, ok)
	}
	if _, ok := ParseFirstFloat(""); ok {
		t.Error("empty string parsed")
	}
	if _, ok := ParseFirstFloat("abc"); ok {
		t.Error("junk parsed")
	}
}
