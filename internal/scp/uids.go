package scp

// Well-known DICOM UIDs used during association negotiation.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	VerificationSOPClass = "1.2.840.10008.1.1"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	JPEGBaselineProcess1   = "1.2.840.10008.1.2.4.50"

	CTImageStorage                = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage                = "1.2.840.10008.5.1.4.1.1.4"
	CRImageStorage                = "1.2.840.10008.5.1.4.1.1.1"
	DXImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	DXImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.1.1.1"
	USImageStorage                = "1.2.840.10008.5.1.4.1.1.6.1"
	USMultiFrameImageStorage      = "1.2.840.10008.5.1.4.1.1.3.1"
	NMImageStorage                = "1.2.840.10008.5.1.4.1.1.20"
	PETImageStorage               = "1.2.840.10008.5.1.4.1.1.128"
	SecondaryCaptureImageStorage  = "1.2.840.10008.5.1.4.1.1.7"

	implementationClassUID    = "1.3.6.1.4.1.56560.1.1"
	implementationVersionName = "NOCTIS_PACS_1.0"
)

var storageSOPClasses = map[string]bool{
	CTImageStorage:                true,
	MRImageStorage:                true,
	CRImageStorage:                true,
	DXImageStorageForPresentation: true,
	DXImageStorageForProcessing:   true,
	USImageStorage:                true,
	USMultiFrameImageStorage:      true,
	NMImageStorage:                true,
	PETImageStorage:               true,
	SecondaryCaptureImageStorage:  true,
}

// transferSyntaxes lists accepted transfer syntaxes in preference order.
// Negotiation picks the first member the SCU proposed.
var transferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	JPEGBaselineProcess1,
}

// IsStorageSOPClass reports whether uid names an image storage SOP class the
// listener accepts for C-STORE.
func IsStorageSOPClass(uid string) bool {
	return storageSOPClasses[uid]
}

func supportsAbstractSyntax(uid string) bool {
	return uid == VerificationSOPClass || IsStorageSOPClass(uid)
}
