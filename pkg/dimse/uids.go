package dimse

// DICOM Application Context UID (PS3.8 Annex A).
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Transfer syntax UIDs. The gateway encodes and decodes the three core
// uncompressed syntaxes; the remaining syntaxes are negotiated and stored
// verbatim, never transcoded.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"

	JPEGBaseline8Bit = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit = "1.2.840.10008.1.2.4.51"
	JPEGLossless      = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1   = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless    = "1.2.840.10008.1.2.4.80"
	JPEG2000Lossless  = "1.2.840.10008.1.2.4.90"
	JPEG2000          = "1.2.840.10008.1.2.4.91"
	RLELossless       = "1.2.840.10008.1.2.5"

	MPEG2MainProfile        = "1.2.840.10008.1.2.4.100"
	MPEG4AVCH264HighProfile = "1.2.840.10008.1.2.4.102"
)

// CoreTransferSyntaxes are the syntaxes the wire codec can encode and decode.
var CoreTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
}

// PassthroughTransferSyntaxes are accepted in negotiation for inbound storage
// and written to disk untouched.
var PassthroughTransferSyntaxes = []string{
	JPEGBaseline8Bit,
	JPEGExtended12Bit,
	JPEGLossless,
	JPEGLosslessSV1,
	JPEGLSLossless,
	JPEG2000Lossless,
	JPEG2000,
	RLELossless,
	MPEG2MainProfile,
	MPEG4AVCH264HighProfile,
}

// IsCoreTransferSyntax reports whether the codec can decode uid.
func IsCoreTransferSyntax(uid string) bool {
	switch uid {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian:
		return true
	}
	return false
}

// Verification service.
const VerificationSOPClass = "1.2.840.10008.1.1"

// Query/Retrieve information model SOP classes (PS3.4 Annex C).
const (
	PatientRootFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootGet  = "1.2.840.10008.5.1.4.1.2.1.3"

	StudyRootFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	PatientStudyOnlyFind = "1.2.840.10008.5.1.4.1.2.3.1"
	PatientStudyOnlyMove = "1.2.840.10008.5.1.4.1.2.3.2"
	PatientStudyOnlyGet  = "1.2.840.10008.5.1.4.1.2.3.3"
)

// Storage SOP classes advertised by the Storage-SCP and proposed with SCP
// role-selection on C-GET associations (PS3.4 Annex B).
const (
	ComputedRadiographyImageStorage                   = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation            = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProcessing              = "1.2.840.10008.5.1.4.1.1.1.1.1"
	DigitalMammographyXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.2"
	DigitalMammographyXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.1.2.1"

	CTImageStorage         = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage = "1.2.840.10008.5.1.4.1.1.2.1"

	UltrasoundMultiFrameImageStorage = "1.2.840.10008.5.1.4.1.1.3.1"
	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"

	MRImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage = "1.2.840.10008.5.1.4.1.1.4.1"

	SecondaryCaptureImageStorage                        = "1.2.840.10008.5.1.4.1.1.7"
	MultiFrameGrayscaleByteSecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7.1"
	MultiFrameGrayscaleWordSecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7.2"
	MultiFrameTrueColorSecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7.3"
	MultiFrameSingleBitSecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7.4"

	XRayAngiographicImageStorage      = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage = "1.2.840.10008.5.1.4.1.1.12.2"

	BreastTomosynthesisImageStorage = "1.2.840.10008.5.1.4.1.1.13.1.3"

	IVOCTImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.14.1"
	IVOCTImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.14.2"

	NuclearMedicineImageStorage = "1.2.840.10008.5.1.4.1.1.20"
	PETImageStorage             = "1.2.840.10008.5.1.4.1.1.128"

	RTImageStorage        = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage         = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage         = "1.2.840.10008.5.1.4.1.1.481.5"

	VLEndoscopicImageStorage   = "1.2.840.10008.5.1.4.1.1.77.1.1"
	VLMicroscopicImageStorage  = "1.2.840.10008.5.1.4.1.1.77.1.2"
	VLPhotographicImageStorage = "1.2.840.10008.5.1.4.1.1.77.1.4"

	OphthalmicPhotography8BitImageStorage  = "1.2.840.10008.5.1.4.1.1.77.1.5.1"
	OphthalmicPhotography16BitImageStorage = "1.2.840.10008.5.1.4.1.1.77.1.5.2"
	OphthalmicTomographyImageStorage       = "1.2.840.10008.5.1.4.1.1.77.1.5.4"

	BasicTextSRStorage        = "1.2.840.10008.5.1.4.1.1.88.11"
	EnhancedSRStorage         = "1.2.840.10008.5.1.4.1.1.88.22"
	ComprehensiveSRStorage    = "1.2.840.10008.5.1.4.1.1.88.33"
	Comprehensive3DSRStorage  = "1.2.840.10008.5.1.4.1.1.88.34"
	GrayscaleSoftcopyPSOStorage = "1.2.840.10008.5.1.4.1.1.11.1"

	EncapsulatedPDFStorage = "1.2.840.10008.5.1.4.1.1.104.1"
	EncapsulatedCDAStorage = "1.2.840.10008.5.1.4.1.1.104.2"

	SpatialRegistrationStorage     = "1.2.840.10008.5.1.4.1.1.66.1"
	SpatialFiducialsStorage        = "1.2.840.10008.5.1.4.1.1.66.2"
	DeformableRegistrationStorage  = "1.2.840.10008.5.1.4.1.1.66.3"
	SegmentationStorage            = "1.2.840.10008.5.1.4.1.1.66.4"
	SurfaceSegmentationStorage     = "1.2.840.10008.5.1.4.1.1.66.5"
	RealWorldValueMappingStorage   = "1.2.840.10008.5.1.4.1.1.67"
)

// StorageSOPClasses is the full set advertised for inbound C-STORE and for
// SCP role-selection on C-GET associations.
var StorageSOPClasses = []string{
	ComputedRadiographyImageStorage,
	DigitalXRayImageStorageForPresentation,
	DigitalXRayImageStorageForProcessing,
	DigitalMammographyXRayImageStorageForPresentation,
	DigitalMammographyXRayImageStorageForProcessing,
	CTImageStorage,
	EnhancedCTImageStorage,
	UltrasoundMultiFrameImageStorage,
	UltrasoundImageStorage,
	MRImageStorage,
	EnhancedMRImageStorage,
	SecondaryCaptureImageStorage,
	MultiFrameGrayscaleByteSecondaryCaptureImageStorage,
	MultiFrameGrayscaleWordSecondaryCaptureImageStorage,
	MultiFrameTrueColorSecondaryCaptureImageStorage,
	MultiFrameSingleBitSecondaryCaptureImageStorage,
	XRayAngiographicImageStorage,
	XRayRadiofluoroscopicImageStorage,
	BreastTomosynthesisImageStorage,
	IVOCTImageStorageForPresentation,
	IVOCTImageStorageForProcessing,
	NuclearMedicineImageStorage,
	PETImageStorage,
	RTImageStorage,
	RTDoseStorage,
	RTStructureSetStorage,
	RTPlanStorage,
	VLEndoscopicImageStorage,
	VLMicroscopicImageStorage,
	VLPhotographicImageStorage,
	OphthalmicPhotography8BitImageStorage,
	OphthalmicPhotography16BitImageStorage,
	OphthalmicTomographyImageStorage,
	BasicTextSRStorage,
	EnhancedSRStorage,
	ComprehensiveSRStorage,
	Comprehensive3DSRStorage,
	GrayscaleSoftcopyPSOStorage,
	EncapsulatedPDFStorage,
	EncapsulatedCDAStorage,
	SpatialRegistrationStorage,
	SpatialFiducialsStorage,
	DeformableRegistrationStorage,
	SegmentationStorage,
	SurfaceSegmentationStorage,
	RealWorldValueMappingStorage,
}

var storageSOPClassSet = func() map[string]bool {
	m := make(map[string]bool, len(StorageSOPClasses))
	for _, uid := range StorageSOPClasses {
		m[uid] = true
	}
	return m
}()

// IsStorageSOPClass reports whether uid is one of the advertised storage
// SOP classes.
func IsStorageSOPClass(uid string) bool {
	return storageSOPClassSet[uid]
}

// Implementation identity sent in the user-information item.
const (
	ImplementationClassUID   = "1.2.826.0.1.3680043.9.7433.2.1"
	ImplementationVersionName = "DICOM_GATEWAY_10"
)
