package dimse

import (
	"bytes"
	"fmt"
	"io"
)

const (
	preambleLength = 128
	magicWord      = "DICM"
)

// File is a DICOM Part-10 file: file meta information plus the dataset
// encoded in the transfer syntax the meta group names.
type File struct {
	Meta    *Dataset
	Dataset *Dataset
}

// TransferSyntax returns the transfer syntax the dataset is encoded in.
func (f *File) TransferSyntax() string {
	return f.Meta.GetString(TagTransferSyntaxUID)
}

// HasPart10Header reports whether data starts with a DICOM preamble.
func HasPart10Header(data []byte) bool {
	if len(data) < preambleLength+4 {
		return false
	}
	return string(data[preambleLength:preambleLength+4]) == magicWord
}

// ReadFile parses a Part-10 stream: 128-byte preamble, "DICM", file meta
// group in Explicit VR LE, then the dataset in the meta group's transfer
// syntax.
func ReadFile(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &CodecError{Reason: "reading part-10 stream", Err: err}
	}
	return ReadFileBytes(data)
}

// ReadFileBytes parses a Part-10 file held in memory.
func ReadFileBytes(data []byte) (*File, error) {
	if !HasPart10Header(data) {
		return nil, &CodecError{Reason: "missing DICM magic word"}
	}
	offset := preambleLength + 4

	// The group length element bounds the rest of the meta group.
	glEl, next, err := decodeElement(data, offset, ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	if glEl.Tag != TagFileMetaInformationGroupLength {
		return nil, &CodecError{Reason: fmt.Sprintf("expected file meta group length, got %s", glEl.Tag)}
	}
	groupLen, ok := glEl.GetIntValue()
	if !ok {
		return nil, &CodecError{Reason: "unreadable file meta group length"}
	}
	metaEnd := next + groupLen
	if metaEnd > len(data) {
		return nil, &CodecError{Reason: "file meta group exceeds buffer"}
	}

	meta := NewDataset()
	meta.Elements = append(meta.Elements, glEl)
	for next < metaEnd {
		el, n, err := decodeElement(data, next, ExplicitVRLittleEndian)
		if err != nil {
			return nil, err
		}
		meta.Elements = append(meta.Elements, el)
		next = n
	}

	ts := meta.GetString(TagTransferSyntaxUID)
	if ts == "" {
		return nil, &CodecError{Reason: "file meta has no transfer syntax"}
	}
	if !IsCoreTransferSyntax(ts) {
		return nil, &CodecError{Reason: fmt.Sprintf("unsupported transfer syntax %q", ts)}
	}
	ds, err := DecodeDatasetBytes(data[metaEnd:], ts)
	if err != nil {
		return nil, err
	}
	return &File{Meta: meta, Dataset: ds}, nil
}

// NewFileMeta builds a file meta group for the given SOP identity and
// transfer syntax, group length included.
func NewFileMeta(sopClassUID, sopInstanceUID, transferSyntax string) (*Dataset, error) {
	meta := NewDataset()
	meta.SetBytes(TagFileMetaInformationVersion, "OB", []byte{0x00, 0x01})
	meta.SetString(TagMediaStorageSOPClassUID, "UI", sopClassUID)
	meta.SetString(TagMediaStorageSOPInstanceUID, "UI", sopInstanceUID)
	meta.SetString(TagTransferSyntaxUID, "UI", transferSyntax)
	meta.SetString(TagImplementationClassUID, "UI", ImplementationClassUID)
	meta.SetString(TagImplementationVersionName, "SH", ImplementationVersionName)

	body, err := EncodeDatasetBytes(meta, ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	full := NewDataset()
	full.SetInt(TagFileMetaInformationGroupLength, "UL", len(body))
	full.Elements = append(full.Elements, meta.Elements...)
	return full, nil
}

// EncodeFileFromRaw wraps already-encoded dataset bytes in a Part-10 header.
// Used to persist received objects verbatim, compressed syntaxes included.
func EncodeFileFromRaw(sopClassUID, sopInstanceUID, transferSyntax string, body []byte) ([]byte, error) {
	meta, err := NewFileMeta(sopClassUID, sopInstanceUID, transferSyntax)
	if err != nil {
		return nil, err
	}
	metaBytes, err := EncodeDatasetBytes(meta, ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(preambleLength + 4 + len(metaBytes) + len(body))
	buf.Write(make([]byte, preambleLength))
	buf.WriteString(magicWord)
	buf.Write(metaBytes)
	buf.Write(body)
	return buf.Bytes(), nil
}

// SplitFileBytes parses the file meta group and returns the dataset bytes
// undecoded, so compressed objects can be served or forwarded verbatim.
func SplitFileBytes(data []byte) (*Dataset, []byte, error) {
	if !HasPart10Header(data) {
		return nil, nil, &CodecError{Reason: "missing DICM magic word"}
	}
	offset := preambleLength + 4

	glEl, next, err := decodeElement(data, offset, ExplicitVRLittleEndian)
	if err != nil {
		return nil, nil, err
	}
	if glEl.Tag != TagFileMetaInformationGroupLength {
		return nil, nil, &CodecError{Reason: fmt.Sprintf("expected file meta group length, got %s", glEl.Tag)}
	}
	groupLen, ok := glEl.GetIntValue()
	if !ok {
		return nil, nil, &CodecError{Reason: "unreadable file meta group length"}
	}
	metaEnd := next + groupLen
	if metaEnd > len(data) {
		return nil, nil, &CodecError{Reason: "file meta group exceeds buffer"}
	}

	meta := NewDataset()
	meta.Elements = append(meta.Elements, glEl)
	for next < metaEnd {
		el, n, err := decodeElement(data, next, ExplicitVRLittleEndian)
		if err != nil {
			return nil, nil, err
		}
		meta.Elements = append(meta.Elements, el)
		next = n
	}
	return meta, data[metaEnd:], nil
}

// WriteFile serializes a dataset as a Part-10 file in the given transfer
// syntax. SOP class and instance UIDs are taken from the dataset.
func WriteFile(w io.Writer, ds *Dataset, transferSyntax string) error {
	data, err := EncodeFileBytes(ds, transferSyntax)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return &CodecError{Reason: "writing part-10 stream", Err: err}
	}
	return nil
}

// EncodeFileBytes serializes a dataset as a Part-10 file in memory.
func EncodeFileBytes(ds *Dataset, transferSyntax string) ([]byte, error) {
	sopClass := ds.GetString(TagSOPClassUID)
	sopInstance := ds.GetString(TagSOPInstanceUID)
	if sopClass == "" || sopInstance == "" {
		return nil, &CodecError{Reason: "dataset missing SOP class or instance UID"}
	}
	meta, err := NewFileMeta(sopClass, sopInstance, transferSyntax)
	if err != nil {
		return nil, err
	}
	metaBytes, err := EncodeDatasetBytes(meta, ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	body, err := EncodeDatasetBytes(ds, transferSyntax)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(preambleLength + 4 + len(metaBytes) + len(body))
	buf.Write(make([]byte, preambleLength))
	buf.WriteString(magicWord)
	buf.Write(metaBytes)
	buf.Write(body)
	return buf.Bytes(), nil
}
