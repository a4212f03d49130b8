package dimse

import "fmt"

// Tag identifies a DICOM data element as a (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag in (GGGG,EEEE) format.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Compare orders tags by group then element.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.Group != o.Group:
		if t.Group < o.Group {
			return -1
		}
		return 1
	case t.Element != o.Element:
		if t.Element < o.Element {
			return -1
		}
		return 1
	}
	return 0
}

// IsPrivate reports whether the tag is in an odd (private) group.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// Well-known tags used by the gateway.
var (
	TagCommandGroupLength        = Tag{0x0000, 0x0000}
	TagAffectedSOPClassUID       = Tag{0x0000, 0x0002}
	TagCommandField              = Tag{0x0000, 0x0100}
	TagMessageID                 = Tag{0x0000, 0x0110}
	TagMessageIDBeingRespondedTo = Tag{0x0000, 0x0120}
	TagMoveDestination           = Tag{0x0000, 0x0600}
	TagPriority                  = Tag{0x0000, 0x0700}
	TagCommandDataSetType        = Tag{0x0000, 0x0800}
	TagStatus                    = Tag{0x0000, 0x0900}
	TagAffectedSOPInstanceUID    = Tag{0x0000, 0x1000}
	TagRemainingSubOperations    = Tag{0x0000, 0x1020}
	TagCompletedSubOperations    = Tag{0x0000, 0x1021}
	TagFailedSubOperations       = Tag{0x0000, 0x1022}
	TagWarningSubOperations      = Tag{0x0000, 0x1023}
	TagMoveOriginatorAETitle     = Tag{0x0000, 0x1030}
	TagMoveOriginatorMessageID   = Tag{0x0000, 0x1031}

	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagFileMetaInformationVersion     = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}

	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagSeriesDate           = Tag{0x0008, 0x0021}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagSeriesTime           = Tag{0x0008, 0x0031}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel   = Tag{0x0008, 0x0052}
	TagRetrieveAETitle      = Tag{0x0008, 0x0054}
	TagModality             = Tag{0x0008, 0x0060}
	TagModalitiesInStudy    = Tag{0x0008, 0x0061}
	TagReferringPhysician   = Tag{0x0008, 0x0090}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}

	TagPatientName      = Tag{0x0010, 0x0010}
	TagPatientID        = Tag{0x0010, 0x0020}
	TagPatientBirthDate = Tag{0x0010, 0x0030}
	TagPatientSex       = Tag{0x0010, 0x0040}

	TagBodyPartExamined = Tag{0x0018, 0x0015}
	TagSliceThickness   = Tag{0x0018, 0x0050}
	TagProtocolName     = Tag{0x0018, 0x1030}

	TagStudyInstanceUID             = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID            = Tag{0x0020, 0x000E}
	TagStudyID                      = Tag{0x0020, 0x0010}
	TagSeriesNumber                 = Tag{0x0020, 0x0011}
	TagInstanceNumber               = Tag{0x0020, 0x0013}
	TagImagePositionPatient         = Tag{0x0020, 0x0032}
	TagImageOrientationPatient      = Tag{0x0020, 0x0037}
	TagSliceLocation                = Tag{0x0020, 0x1041}
	TagNumberOfStudyRelatedSeries   = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}

	TagSamplesPerPixel           = Tag{0x0028, 0x0002}
	TagPhotometricInterpretation = Tag{0x0028, 0x0004}
	TagNumberOfFrames            = Tag{0x0028, 0x0008}
	TagRows                      = Tag{0x0028, 0x0010}
	TagColumns                   = Tag{0x0028, 0x0011}
	TagPixelSpacing              = Tag{0x0028, 0x0030}
	TagBitsAllocated             = Tag{0x0028, 0x0100}
	TagBitsStored                = Tag{0x0028, 0x0101}
	TagHighBit                   = Tag{0x0028, 0x0102}
	TagPixelRepresentation       = Tag{0x0028, 0x0103}
	TagWindowCenter              = Tag{0x0028, 0x1050}
	TagWindowWidth               = Tag{0x0028, 0x1051}
	TagRescaleIntercept          = Tag{0x0028, 0x1052}
	TagRescaleSlope              = Tag{0x0028, 0x1053}

	TagPixelData = Tag{0x7FE0, 0x0010}

	TagItem              = Tag{0xFFFE, 0xE000}
	TagItemDelimiter     = Tag{0xFFFE, 0xE00D}
	TagSequenceDelimiter = Tag{0xFFFE, 0xE0DD}
)

// vrDictionary maps well-known tags to their VR for implicit-VR decoding.
// Tags outside the dictionary decode as UN, which preserves the raw bytes.
var vrDictionary = map[Tag]string{
	TagCommandGroupLength:        "UL",
	TagAffectedSOPClassUID:       "UI",
	TagCommandField:              "US",
	TagMessageID:                 "US",
	TagMessageIDBeingRespondedTo: "US",
	TagMoveDestination:           "AE",
	TagPriority:                  "US",
	TagCommandDataSetType:        "US",
	TagStatus:                    "US",
	TagAffectedSOPInstanceUID:    "UI",
	TagRemainingSubOperations:    "US",
	TagCompletedSubOperations:    "US",
	TagFailedSubOperations:       "US",
	TagWarningSubOperations:      "US",
	TagMoveOriginatorAETitle:     "AE",
	TagMoveOriginatorMessageID:   "US",

	TagFileMetaInformationGroupLength: "UL",
	TagFileMetaInformationVersion:     "OB",
	TagMediaStorageSOPClassUID:        "UI",
	TagMediaStorageSOPInstanceUID:     "UI",
	TagTransferSyntaxUID:              "UI",
	TagImplementationClassUID:         "UI",
	TagImplementationVersionName:      "SH",

	TagSpecificCharacterSet: "CS",
	TagSOPClassUID:          "UI",
	TagSOPInstanceUID:       "UI",
	TagStudyDate:            "DA",
	TagSeriesDate:           "DA",
	TagStudyTime:            "TM",
	TagSeriesTime:           "TM",
	TagAccessionNumber:      "SH",
	TagQueryRetrieveLevel:   "CS",
	TagRetrieveAETitle:      "AE",
	TagModality:             "CS",
	TagModalitiesInStudy:    "CS",
	TagReferringPhysician:   "PN",
	TagStudyDescription:     "LO",
	TagSeriesDescription:    "LO",

	TagPatientName:      "PN",
	TagPatientID:        "LO",
	TagPatientBirthDate: "DA",
	TagPatientSex:       "CS",

	TagBodyPartExamined: "CS",
	TagSliceThickness:   "DS",
	TagProtocolName:     "LO",

	TagStudyInstanceUID:               "UI",
	TagSeriesInstanceUID:              "UI",
	TagStudyID:                        "SH",
	TagSeriesNumber:                   "IS",
	TagInstanceNumber:                 "IS",
	TagImagePositionPatient:           "DS",
	TagImageOrientationPatient:        "DS",
	TagSliceLocation:                  "DS",
	TagNumberOfStudyRelatedSeries:     "IS",
	TagNumberOfStudyRelatedInstances:  "IS",
	TagNumberOfSeriesRelatedInstances: "IS",

	TagSamplesPerPixel:           "US",
	TagPhotometricInterpretation: "CS",
	TagNumberOfFrames:            "IS",
	TagRows:                      "US",
	TagColumns:                   "US",
	TagPixelSpacing:              "DS",
	TagBitsAllocated:             "US",
	TagBitsStored:                "US",
	TagHighBit:                   "US",
	TagPixelRepresentation:       "US",
	TagWindowCenter:              "DS",
	TagWindowWidth:               "DS",
	TagRescaleIntercept:          "DS",
	TagRescaleSlope:              "DS",

	TagPixelData: "OW",
}

// LookupVR returns the dictionary VR for a tag, or UN when unknown.
func LookupVR(tag Tag) string {
	if vr, ok := vrDictionary[tag]; ok {
		return vr
	}
	return "UN"
}
