package ingest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/gorm"

	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/metrics"
	"github.com/noctislabs/noctis-pacs/internal/models"
	"github.com/noctislabs/noctis-pacs/internal/scp"
	"github.com/noctislabs/noctis-pacs/internal/store"
)

// Index is the slice of the metadata index the pipeline writes through.
type Index interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	UpsertPatient(tx *gorm.DB, attrs models.DicomAttributes) (uint, error)
	UpsertStudy(tx *gorm.DB, patientKey uint, attrs models.DicomAttributes) (uint, error)
	UpsertSeries(tx *gorm.DB, studyKey uint, attrs models.DicomAttributes) (uint, error)
	InsertInstance(tx *gorm.DB, seriesKey uint, attrs models.DicomAttributes, storageKey, digest string, size int64) (uint, bool, error)
	SetInstanceStorageKey(tx *gorm.DB, sopUID, storageKey string) error
	MarkIngested(tx *gorm.DB, seriesKey, studyKey uint) error
	RecordEvent(ctx context.Context, evt *models.IngestEvent) error
}

// ObjectStore is the slice of the object store the pipeline needs.
type ObjectStore interface {
	StagePath(tempKey string) string
	Finalize(tempKey string, hint store.PathHint) (string, error)
	DiscardStage(tempKey string) error
	Remove(storageKey string) error
}

// Pipeline turns a staged DICOM file into committed index rows and a
// finalized object. It runs synchronously inside the C-STORE handler so the
// status the SCU sees reflects durable state.
type Pipeline struct {
	index      Index
	store      ObjectStore
	maxRetries uint64
}

// New builds the ingest pipeline. maxRetries bounds transaction retries on
// transient index errors.
func New(index Index, objStore ObjectStore, maxRetries uint64) *Pipeline {
	return &Pipeline{index: index, store: objStore, maxRetries: maxRetries}
}

// IngestStaged implements scp.Ingestor.
func (p *Pipeline) IngestStaged(ctx context.Context, req scp.StoreRequest) uint16 {
	started := time.Now()
	status := p.ingest(ctx, req)
	metrics.IngestDuration.Observe(time.Since(started).Seconds())
	return status
}

func (p *Pipeline) ingest(ctx context.Context, req scp.StoreRequest) uint16 {
	logger := log.With().
		Str("sop_instance_uid", req.SOPInstanceUID).
		Str("calling_ae", req.CallingAETitle).
		Logger()

	attrs, err := parseAttributes(p.store.StagePath(req.TempKey), req)
	if err != nil {
		logger.Warn().Err(err).Msg("instance rejected")
		_ = p.store.DiscardStage(req.TempKey)
		p.recordEvent(ctx, req, models.IngestRejected, rejectReason(err))
		metrics.IngestTotal.WithLabelValues(string(models.IngestRejected)).Inc()
		return scp.StatusCannotUnderstand
	}

	// The file moves to its canonical path before commit; on commit failure
	// the final file is removed so no orphan outlives the transaction.
	var (
		storageKey string
		duplicate  bool
	)
	txn := func(tx *gorm.DB) error {
		patientKey, err := p.index.UpsertPatient(tx, *attrs)
		if err != nil {
			return err
		}
		studyKey, err := p.index.UpsertStudy(tx, patientKey, *attrs)
		if err != nil {
			return err
		}
		seriesKey, err := p.index.UpsertSeries(tx, studyKey, *attrs)
		if err != nil {
			return err
		}
		_, isDup, err := p.index.InsertInstance(tx, seriesKey, *attrs, "", req.Digest, req.Size)
		if err != nil {
			return err
		}
		if isDup {
			duplicate = true
			return nil
		}

		key, err := p.store.Finalize(req.TempKey, store.PathHint{
			PatientID: attrs.PatientID,
			StudyUID:  attrs.StudyInstanceUID,
			SeriesUID: attrs.SeriesInstanceUID,
			SOPUID:    attrs.SOPInstanceUID,
		})
		if err != nil {
			return err
		}
		storageKey = key

		if err := p.index.SetInstanceStorageKey(tx, attrs.SOPInstanceUID, key); err != nil {
			return err
		}
		return p.index.MarkIngested(tx, seriesKey, studyKey)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	err = backoff.Retry(func() error {
		duplicate = false
		storageKey = ""
		if err := p.index.Transaction(ctx, txn); err != nil {
			if storageKey != "" {
				// The file already moved to its canonical path; a commit
				// failure at this point cannot be retried, so remove the
				// orphan and give up.
				_ = p.store.Remove(storageKey)
				storageKey = ""
				return backoff.Permanent(err)
			}
			if errs.IsKind(err, errs.KindConflict) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)

	if err != nil {
		logger.Error().Err(err).Msg("ingest transaction failed")
		_ = p.store.DiscardStage(req.TempKey)
		p.recordEvent(ctx, req, models.IngestRejected, "index_commit_failed")
		metrics.IngestTotal.WithLabelValues("Failed").Inc()
		return scp.StatusProcessingFailure
	}

	if duplicate {
		logger.Info().Msg("duplicate instance ignored")
		_ = p.store.DiscardStage(req.TempKey)
		p.recordEvent(ctx, req, models.IngestDuplicateIgnored, "")
		metrics.IngestTotal.WithLabelValues(string(models.IngestDuplicateIgnored)).Inc()
		return scp.StatusSuccess
	}

	logger.Info().
		Str("storage_key", storageKey).
		Int64("size", req.Size).
		Msg("instance stored")
	p.recordEvent(ctx, req, models.IngestStored, "")
	metrics.IngestTotal.WithLabelValues(string(models.IngestStored)).Inc()
	return scp.StatusSuccess
}

func (p *Pipeline) recordEvent(ctx context.Context, req scp.StoreRequest, result models.IngestEventResult, reason string) {
	evt := &models.IngestEvent{
		CallingAETitle: req.CallingAETitle,
		CalledAETitle:  req.CalledAETitle,
		PeerAddress:    req.PeerAddress,
		Result:         result,
		RejectReason:   reason,
		SOPInstanceUID: req.SOPInstanceUID,
	}
	if err := p.index.RecordEvent(ctx, evt); err != nil {
		log.Warn().Err(err).Str("sop_instance_uid", req.SOPInstanceUID).Msg("failed to record ingest event")
	}
}

func rejectReason(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "unparsable_dataset"
}

// requiredTag marks the attributes an instance cannot be indexed without.
var requiredTags = []struct {
	name  string
	check func(a *models.DicomAttributes) bool
}{
	{"missing_sop_class_uid", func(a *models.DicomAttributes) bool { return a.SOPClassUID == "" }},
	{"missing_sop_instance_uid", func(a *models.DicomAttributes) bool { return a.SOPInstanceUID == "" }},
	{"missing_study_instance_uid", func(a *models.DicomAttributes) bool { return a.StudyInstanceUID == "" }},
	{"missing_series_instance_uid", func(a *models.DicomAttributes) bool { return a.SeriesInstanceUID == "" }},
	{"missing_patient_id", func(a *models.DicomAttributes) bool { return a.PatientID == "" }},
	{"missing_image_geometry", func(a *models.DicomAttributes) bool { return a.Rows <= 0 || a.Columns <= 0 }},
	{"missing_bits_allocated", func(a *models.DicomAttributes) bool { return a.BitsAllocated <= 0 }},
}

// parseAttributes reads the staged part-10 file and extracts the tag values
// the index needs. Missing required tags reject the instance.
func parseAttributes(path string, req scp.StoreRequest) (*models.DicomAttributes, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, errs.Wrap(err, errs.KindBadRequest, "unparsable_dataset")
	}

	attrs := &models.DicomAttributes{
		PatientID:        elementString(&ds, tag.PatientID),
		PatientName:      elementString(&ds, tag.PatientName),
		PatientBirthDate: elementString(&ds, tag.PatientBirthDate),
		PatientSex:       elementString(&ds, tag.PatientSex),

		StudyInstanceUID:   elementString(&ds, tag.StudyInstanceUID),
		AccessionNumber:    elementString(&ds, tag.AccessionNumber),
		StudyDate:          elementString(&ds, tag.StudyDate),
		StudyTime:          elementString(&ds, tag.StudyTime),
		ReferringPhysician: elementString(&ds, tag.ReferringPhysicianName),
		StudyDescription:   elementString(&ds, tag.StudyDescription),

		SeriesInstanceUID: elementString(&ds, tag.SeriesInstanceUID),
		SeriesNumber:      elementInt(&ds, tag.SeriesNumber),
		Modality:          elementString(&ds, tag.Modality),
		SeriesDescription: elementString(&ds, tag.SeriesDescription),
		BodyPartExamined:  elementString(&ds, tag.BodyPartExamined),
		PixelSpacing:      elementStrings(&ds, tag.PixelSpacing),
		SliceThickness:    elementString(&ds, tag.SliceThickness),

		SOPInstanceUID:            elementString(&ds, tag.SOPInstanceUID),
		SOPClassUID:               elementString(&ds, tag.SOPClassUID),
		TransferSyntaxUID:         req.TransferSyntaxUID,
		InstanceNumber:            elementInt(&ds, tag.InstanceNumber),
		Rows:                      elementInt(&ds, tag.Rows),
		Columns:                   elementInt(&ds, tag.Columns),
		BitsAllocated:             elementInt(&ds, tag.BitsAllocated),
		PixelRepresentation:       elementInt(&ds, tag.PixelRepresentation),
		SamplesPerPixel:           elementInt(&ds, tag.SamplesPerPixel),
		PhotometricInterpretation: elementString(&ds, tag.PhotometricInterpretation),
		WindowCenter:              elementFloat(&ds, tag.WindowCenter),
		WindowWidth:               elementFloat(&ds, tag.WindowWidth),
		RescaleSlope:              1,
		RescaleIntercept:          0,
	}
	if slope := elementFloat(&ds, tag.RescaleSlope); slope != nil && *slope != 0 {
		attrs.RescaleSlope = *slope
	}
	if icept := elementFloat(&ds, tag.RescaleIntercept); icept != nil {
		attrs.RescaleIntercept = *icept
	}
	if attrs.SamplesPerPixel == 0 {
		attrs.SamplesPerPixel = 1
	}

	// The wire command names the instance; the dataset must agree.
	if req.SOPInstanceUID != "" && attrs.SOPInstanceUID != "" && attrs.SOPInstanceUID != req.SOPInstanceUID {
		return nil, errs.E(errs.KindBadRequest, "sop_instance_uid_mismatch")
	}

	for _, rt := range requiredTags {
		if rt.check(attrs) {
			return nil, errs.E(errs.KindBadRequest, rt.name)
		}
	}
	return attrs, nil
}

func elementString(ds *dicom.Dataset, t tag.Tag) string {
	e, err := ds.FindElementByTag(t)
	if err != nil || e == nil {
		return ""
	}
	switch v := e.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}

// elementStrings joins multi-valued string tags with the standard backslash
// separator, e.g. PixelSpacing.
func elementStrings(ds *dicom.Dataset, t tag.Tag) string {
	e, err := ds.FindElementByTag(t)
	if err != nil || e == nil {
		return ""
	}
	if v, ok := e.Value.GetValue().([]string); ok {
		for i := range v {
			v[i] = strings.TrimSpace(v[i])
		}
		return strings.Join(v, "\\")
	}
	return elementString(ds, t)
}

func elementInt(ds *dicom.Dataset, t tag.Tag) int {
	e, err := ds.FindElementByTag(t)
	if err != nil || e == nil {
		return 0
	}
	switch v := e.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case int:
		return v
	case []string:
		// IS values decode as strings
		if len(v) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(v[0])); err == nil {
				return n
			}
		}
	}
	return 0
}

func elementFloat(ds *dicom.Dataset, t tag.Tag) *float64 {
	e, err := ds.FindElementByTag(t)
	if err != nil || e == nil {
		return nil
	}
	switch v := e.Value.GetValue().(type) {
	case []float64:
		if len(v) > 0 {
			return &v[0]
		}
	case float64:
		return &v
	case []string:
		// DS values decode as strings
		if len(v) > 0 {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v[0]), 64); err == nil {
				return &f
			}
		}
	case []int:
		if len(v) > 0 {
			f := float64(v[0])
			return &f
		}
	}
	return nil
}
