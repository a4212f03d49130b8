package dimse

import (
	"bytes"
	"testing"
)

func buildImageDataset() *Dataset {
	ds := NewDataset()
	ds.SetString(TagSOPClassUID, "UI", CTImageStorage)
	ds.SetString(TagSOPInstanceUID, "UI", "1.2.840.113619.2.1.1")
	ds.SetString(TagStudyDate, "DA", "20260115")
	ds.SetString(TagModality, "CS", "CT")
	ds.SetString(TagPatientName, "PN", "DOE^JANE")
	ds.SetString(TagPatientID, "LO", "PID-42")
	ds.SetString(TagStudyInstanceUID, "UI", "1.2.840.113619.2.1.2")
	ds.SetString(TagSeriesInstanceUID, "UI", "1.2.840.113619.2.1.3")
	ds.SetString(TagInstanceNumber, "IS", "7")
	ds.SetStrings(TagPixelSpacing, "DS", []string{"0.5", "0.5"})
	ds.SetInt(TagRows, "US", 4)
	ds.SetInt(TagColumns, "US", 4)
	ds.SetInt(TagBitsAllocated, "US", 16)
	ds.SetBytes(TagPixelData, "OW", bytes.Repeat([]byte{0x01, 0x02}, 16))
	return ds
}

func TestDatasetRoundTripCoreSyntaxes(t *testing.T) {
	for _, ts := range CoreTransferSyntaxes {
		t.Run(ts, func(t *testing.T) {
			src := buildImageDataset()
			encoded, err := EncodeDatasetBytes(src, ts)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeDatasetBytes(encoded, ts)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if v := got.GetString(TagPatientName); v != "DOE^JANE" {
				t.Errorf("patient name = %q", v)
			}
			if v := got.GetString(TagStudyInstanceUID); v != "1.2.840.113619.2.1.2" {
				t.Errorf("study uid = %q", v)
			}
			if rows, _ := got.GetInt(TagRows); rows != 4 {
				t.Errorf("rows = %d", rows)
			}
			if n, ok := got.GetInt(TagInstanceNumber); !ok || n != 7 {
				t.Errorf("instance number = %d, ok=%v", n, ok)
			}
			spacing := got.GetFloats(TagPixelSpacing)
			if len(spacing) != 2 || spacing[0] != 0.5 || spacing[1] != 0.5 {
				t.Errorf("pixel spacing = %v", spacing)
			}
			pixels, err := got.GetPixelData()
			if err != nil {
				t.Fatalf("pixel data: %v", err)
			}
			if len(pixels) != 32 {
				t.Errorf("pixel data length = %d", len(pixels))
			}

			// Decoded elements keep their wire bytes, so re-encoding in
			// the same syntax must reproduce the input exactly.
			again, err := EncodeDatasetBytes(got, ts)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if !bytes.Equal(encoded, again) {
				t.Error("re-encoded bytes differ from original")
			}
		})
	}
}

func TestDatasetAddKeepsTagOrder(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagStudyInstanceUID, "UI", "1.2.3")
	ds.SetString(TagPatientID, "LO", "PID-1")
	ds.SetString(TagModality, "CS", "MR")
	ds.SetString(TagPatientID, "LO", "PID-2")

	want := []Tag{TagModality, TagPatientID, TagStudyInstanceUID}
	if len(ds.Elements) != len(want) {
		t.Fatalf("element count = %d, want %d", len(ds.Elements), len(want))
	}
	for i, tag := range want {
		if ds.Elements[i].Tag != tag {
			t.Errorf("element %d tag = %s, want %s", i, ds.Elements[i].Tag, tag)
		}
	}
	if v := ds.GetString(TagPatientID); v != "PID-2" {
		t.Errorf("replaced value = %q", v)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	for _, ts := range []string{ExplicitVRLittleEndian, ExplicitVRBigEndian} {
		t.Run(ts, func(t *testing.T) {
			item1 := NewDataset()
			item1.SetString(TagSOPClassUID, "UI", CTImageStorage)
			item1.SetString(TagSOPInstanceUID, "UI", "1.2.3.1")
			item2 := NewDataset()
			item2.SetString(TagSOPClassUID, "UI", MRImageStorage)
			item2.SetString(TagSOPInstanceUID, "UI", "1.2.3.2")

			src := NewDataset()
			src.SetString(TagStudyInstanceUID, "UI", "1.2.3")
			src.SetSequence(Tag{Group: 0x0008, Element: 0x1140}, []*Dataset{item1, item2})

			encoded, err := EncodeDatasetBytes(src, ts)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeDatasetBytes(encoded, ts)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			items := got.GetSequence(Tag{Group: 0x0008, Element: 0x1140})
			if len(items) != 2 {
				t.Fatalf("sequence items = %d", len(items))
			}
			if v := items[0].GetString(TagSOPInstanceUID); v != "1.2.3.1" {
				t.Errorf("item 0 sop uid = %q", v)
			}
			if v := items[1].GetString(TagSOPClassUID); v != MRImageStorage {
				t.Errorf("item 1 sop class = %q", v)
			}
		})
	}
}

func TestDecodeDatasetHeadStopsBeforePixelData(t *testing.T) {
	ds := buildImageDataset()
	encoded, err := EncodeDatasetBytes(ds, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	head, err := DecodeDatasetHead(encoded, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode head: %v", err)
	}
	if head.Find(TagPixelData) != nil {
		t.Error("head includes pixel data")
	}
	if v := head.GetString(TagSOPInstanceUID); v != "1.2.840.113619.2.1.1" {
		t.Errorf("sop uid = %q", v)
	}
	if rows, _ := head.GetInt(TagRows); rows != 4 {
		t.Errorf("rows = %d", rows)
	}
}

func TestDecodeDatasetHeadCompressedSyntax(t *testing.T) {
	// A compressed object's attribute section is explicit VR little endian.
	// Simulate one by encoding attributes in EVR-LE and appending an
	// encapsulated pixel stream the codec cannot parse.
	attrs := NewDataset()
	attrs.SetString(TagSOPClassUID, "UI", CTImageStorage)
	attrs.SetString(TagSOPInstanceUID, "UI", "1.2.3.4")
	attrs.SetString(TagStudyInstanceUID, "UI", "1.2.3")
	attrs.SetString(TagSeriesInstanceUID, "UI", "1.2.3.9")
	body, err := EncodeDatasetBytes(attrs, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// PixelData (7FE0,0010) OB with undefined length, as encapsulated
	// syntaxes encode it.
	body = append(body, 0xE0, 0x7F, 0x10, 0x00, 'O', 'B', 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF)
	body = append(body, 0xDE, 0xAD, 0xBE, 0xEF)

	head, err := DecodeDatasetHead(body, JPEG2000Lossless)
	if err != nil {
		t.Fatalf("decode head: %v", err)
	}
	if v := head.GetString(TagStudyInstanceUID); v != "1.2.3" {
		t.Errorf("study uid = %q", v)
	}
	if head.Find(TagPixelData) != nil {
		t.Error("head includes pixel data")
	}
}

func TestPart10RoundTrip(t *testing.T) {
	ds := buildImageDataset()
	data, err := EncodeFileBytes(ds, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode file: %v", err)
	}
	if !HasPart10Header(data) {
		t.Fatal("missing part-10 header")
	}

	f, err := ReadFileBytes(data)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if ts := f.TransferSyntax(); ts != ExplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q", ts)
	}
	if v := f.Meta.GetString(TagMediaStorageSOPInstanceUID); v != "1.2.840.113619.2.1.1" {
		t.Errorf("meta sop uid = %q", v)
	}
	if v := f.Dataset.GetString(TagPatientName); v != "DOE^JANE" {
		t.Errorf("patient name = %q", v)
	}
}

func TestEncodeFileFromRawPreservesBody(t *testing.T) {
	// Compressed objects are stored verbatim; only the meta group is added.
	body := []byte{0x08, 0x00, 0x16, 0x00, 'U', 'I', 0x04, 0x00, '1', '.', '2', 0x00}
	data, err := EncodeFileFromRaw(CTImageStorage, "1.2.3.4", JPEGBaseline8Bit, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	meta, gotBody, err := SplitFileBytes(data)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !bytes.Equal(gotBody, body) {
		t.Error("dataset bytes were altered")
	}
	if ts := meta.GetString(TagTransferSyntaxUID); ts != JPEGBaseline8Bit {
		t.Errorf("transfer syntax = %q", ts)
	}
	if v := meta.GetString(TagMediaStorageSOPClassUID); v != CTImageStorage {
		t.Errorf("sop class = %q", v)
	}
}

func TestHasPart10HeaderRejectsShortInput(t *testing.T) {
	if HasPart10Header(nil) {
		t.Error("nil input accepted")
	}
	if HasPart10Header(make([]byte, 64)) {
		t.Error("short input accepted")
	}
	junk := make([]byte, 200)
	if HasPart10Header(junk) {
		t.Error("input without DICM accepted")
	}
}

func TestDecodeRejectsUnsupportedSyntax(t *testing.T) {
	if _, err := DecodeDatasetBytes(nil, JPEGBaseline8Bit); err == nil {
		t.Error("compressed syntax accepted by full decode")
	}
	if _, err := EncodeDatasetBytes(NewDataset(), RLELossless); err == nil {
		t.Error("compressed syntax accepted by encode")
	}
}
