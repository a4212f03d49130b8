package volume

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

// Extractor assembles an ordered 16-bit pixel volume from a cached series.
type Extractor struct {
	log zerolog.Logger
}

// NewExtractor creates a new volume extractor
func NewExtractor(log zerolog.Logger) *Extractor {
	return &Extractor{log: log.With().Str("component", "volume_extractor").Logger()}
}

// SliceSource supplies the raw bytes of one cached instance file.
type SliceSource struct {
	Record models.InstanceRecord
	Data   []byte
}

type slice struct {
	position       float64
	instanceNumber int
	pixels         []byte
	rows           int
	columns        int
	bitsAllocated  int
	bigEndian      bool
}

// Extract parses the series' instances, sorts them spatially, stride
// subsamples, and packs the pixels as little-endian 16-bit values.
// A series that yields no usable slices returns an empty buffer, not an
// error.
func (e *Extractor) Extract(studyUID, seriesUID string, sources []SliceSource, subsample int) (*models.VolumeMetadata, []byte, error) {
	if subsample <= 0 {
		return nil, nil, fmt.Errorf("subsample must be positive, got %d", subsample)
	}

	var (
		slices  []slice
		refMeta *models.VolumeMetadata
	)
	for _, src := range sources {
		sl, meta, err := e.parseSlice(src)
		if err != nil {
			e.log.Warn().Err(err).
				Str("sop_instance_uid", src.Record.SOPInstanceUID).
				Msg("skipping unusable slice")
			continue
		}
		if refMeta == nil {
			refMeta = meta
		} else if sl.rows != refMeta.Rows || sl.columns != refMeta.Columns {
			e.log.Warn().
				Str("sop_instance_uid", src.Record.SOPInstanceUID).
				Int("rows", sl.rows).
				Int("columns", sl.columns).
				Msg("dropping dimension-mismatched slice")
			continue
		}
		slices = append(slices, sl)
	}

	if len(slices) == 0 {
		return &models.VolumeMetadata{
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			SubsampleFactor:   subsample,
			DataFormat:        "INT16",
		}, []byte{}, nil
	}

	sort.SliceStable(slices, func(i, j int) bool {
		if slices[i].position != slices[j].position {
			return slices[i].position < slices[j].position
		}
		return slices[i].instanceNumber < slices[j].instanceNumber
	})

	originalCount := len(slices)
	var picked []slice
	for i := 0; i < len(slices); i += subsample {
		picked = append(picked, slices[i])
	}

	meta := *refMeta
	meta.StudyInstanceUID = studyUID
	meta.SeriesInstanceUID = seriesUID
	meta.SliceCount = len(picked)
	meta.OriginalSliceCount = originalCount
	meta.SubsampleFactor = subsample
	meta.SpacingBetweenSlices = nativeSpacing(slices) * float64(subsample)

	sliceLen := meta.Rows * meta.Columns * 2
	out := make([]byte, 0, len(picked)*sliceLen)
	for _, sl := range picked {
		out = append(out, widenPixels(sl, meta.Rows*meta.Columns)...)
	}
	return &meta, out, nil
}

// parseSlice reads one instance's geometry and pixel data.
func (e *Extractor) parseSlice(src SliceSource) (slice, *models.VolumeMetadata, error) {
	file, err := dimse.ReadFileBytes(src.Data)
	if err != nil {
		return slice{}, nil, err
	}
	ds := file.Dataset

	rows, _ := ds.GetInt(dimse.TagRows)
	cols, _ := ds.GetInt(dimse.TagColumns)
	if rows <= 0 || cols <= 0 {
		return slice{}, nil, fmt.Errorf("instance has no pixel geometry")
	}
	bits, ok := ds.GetInt(dimse.TagBitsAllocated)
	if !ok {
		bits = 16
	}
	if bits != 8 && bits != 16 {
		return slice{}, nil, fmt.Errorf("unsupported bits allocated %d", bits)
	}
	pixels, err := ds.GetPixelData()
	if err != nil {
		return slice{}, nil, err
	}
	want := rows * cols * bits / 8
	if len(pixels) < want {
		return slice{}, nil, fmt.Errorf("pixel data short: have %d want %d", len(pixels), want)
	}

	pixelRep, _ := ds.GetInt(dimse.TagPixelRepresentation)
	meta := &models.VolumeMetadata{
		Rows:         rows,
		Columns:      cols,
		RescaleSlope: 1,
		DataFormat:   "UINT16",
	}
	if pixelRep == 1 {
		meta.DataFormat = "INT16"
	}
	if f, ok := ds.GetFloat(dimse.TagRescaleIntercept); ok {
		meta.RescaleIntercept = f
	}
	if f, ok := ds.GetFloat(dimse.TagRescaleSlope); ok && f != 0 {
		meta.RescaleSlope = f
	}
	// Window values can be multi-valued; the first pair is the default
	// presentation. Fall back to the indexed values when the dataset has
	// none.
	if f, ok := ds.GetFloat(dimse.TagWindowCenter); ok {
		meta.WindowCenter = f
	} else if f, ok := ParseFirstFloat(src.Record.WindowCenter); ok {
		meta.WindowCenter = f
	}
	if f, ok := ds.GetFloat(dimse.TagWindowWidth); ok {
		meta.WindowWidth = f
	} else if f, ok := ParseFirstFloat(src.Record.WindowWidth); ok {
		meta.WindowWidth = f
	}
	if spacing := ds.GetFloats(dimse.TagPixelSpacing); len(spacing) >= 2 {
		meta.PixelSpacingY = spacing[0]
		meta.PixelSpacingX = spacing[1]
	}

	instanceNumber, _ := ds.GetInt(dimse.TagInstanceNumber)
	return slice{
		position:       slicePosition(ds, instanceNumber),
		instanceNumber: instanceNumber,
		pixels:         pixels[:want],
		rows:           rows,
		columns:        cols,
		bitsAllocated:  bits,
		bigEndian:      file.TransferSyntax() == dimse.ExplicitVRBigEndian,
	}, meta, nil
}

// slicePosition ranks a slice along the scan axis: SliceLocation when
// present, else the projection of ImagePositionPatient onto the slice
// normal, else the instance number.
func slicePosition(ds *dimse.Dataset, instanceNumber int) float64 {
	if loc, ok := ds.GetFloat(dimse.TagSliceLocation); ok {
		return loc
	}
	ipp := ds.GetFloats(dimse.TagImagePositionPatient)
	iop := ds.GetFloats(dimse.TagImageOrientationPatient)
	if len(ipp) == 3 && len(iop) == 6 {
		// Normal is row direction cross column direction.
		nx := iop[1]*iop[5] - iop[2]*iop[4]
		ny := iop[2]*iop[3] - iop[0]*iop[5]
		nz := iop[0]*iop[4] - iop[1]*iop[3]
		return ipp[0]*nx + ipp[1]*ny + ipp[2]*nz
	}
	return float64(instanceNumber)
}

// nativeSpacing derives the inter-slice distance from sorted positions.
func nativeSpacing(slices []slice) float64 {
	if len(slices) < 2 {
		return 0
	}
	return (slices[len(slices)-1].position - slices[0].position) / float64(len(slices)-1)
}

// widenPixels emits little-endian 16-bit samples, widening 8-bit input and
// swapping byte order for big-endian sources.
func widenPixels(sl slice, sampleCount int) []byte {
	if sl.bitsAllocated == 16 {
		if !sl.bigEndian {
			return sl.pixels[:sampleCount*2]
		}
		out := make([]byte, sampleCount*2)
		for i := 0; i < sampleCount; i++ {
			binary.LittleEndian.PutUint16(out[i*2:], binary.BigEndian.Uint16(sl.pixels[i*2:]))
		}
		return out
	}
	out := make([]byte, sampleCount*2)
	for i := 0; i < sampleCount; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sl.pixels[i]))
	}
	return out
}

// ParseFirstFloat reads the leading numeric value of a backslash-joined
// attribute string, as stored in the instance index.
func ParseFirstFloat(joined string) (float64, bool) {
	if joined == "" {
		return 0, false
	}
	first := joined
	if idx := strings.IndexByte(joined, '\\'); idx >= 0 {
		first = joined[:idx]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
