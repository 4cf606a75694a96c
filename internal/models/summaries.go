package models

// SeriesSummary is the navigation view of a series, as returned by the
// study listing endpoint. Ordering is (series_number, series_uid).
type SeriesSummary struct {
	SeriesUID        string `json:"seriesUid"`
	Number           int    `json:"number"`
	Modality         string `json:"modality"`
	Description      string `json:"description"`
	ImageCount       int    `json:"imageCount"`
	FirstInstanceUID string `json:"firstInstanceUid"`
}

// InstanceSummary is the navigation view of an instance. Ordering is
// (instance_number, sop_uid).
type InstanceSummary struct {
	InstanceUID string `json:"instanceUid"`
	Number      int    `json:"number"`
	Rows        int    `json:"rows"`
	Cols        int    `json:"cols"`
}

// DicomAttributes carries the parsed tag values handed from the ingest
// parser to the index upserts. First-seen values win; later non-empty
// values fill blanks only.
type DicomAttributes struct {
	PatientID        string
	PatientName      string
	PatientBirthDate string
	PatientSex       string

	StudyInstanceUID   string
	AccessionNumber    string
	StudyDate          string
	StudyTime          string
	ReferringPhysician string
	StudyDescription   string

	SeriesInstanceUID string
	SeriesNumber      int
	Modality          string
	SeriesDescription string
	BodyPartExamined  string
	PixelSpacing      string
	SliceThickness    string

	SOPInstanceUID            string
	SOPClassUID               string
	TransferSyntaxUID         string
	InstanceNumber            int
	Rows                      int
	Columns                   int
	BitsAllocated             int
	PixelRepresentation       int
	SamplesPerPixel           int
	PhotometricInterpretation string
	WindowCenter              *float64
	WindowWidth               *float64
	RescaleSlope              float64
	RescaleIntercept          float64
}
