package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/noctislabs/noctis-pacs/internal/database"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IndexRepository is the DAO for the metadata index. All writes run inside
// the caller's transaction handle; reads go against the shared pool.
type IndexRepository struct{}

// NewIndexRepository creates a new metadata index repository
func NewIndexRepository() *IndexRepository {
	return &IndexRepository{}
}

// Transaction runs fn inside a single metadata index transaction.
func (r *IndexRepository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return database.DB.WithContext(ctx).Transaction(fn)
}

// UpsertPatient creates the patient on first sight or fills blank
// attributes on an existing row. First-seen values are never overwritten.
func (r *IndexRepository) UpsertPatient(tx *gorm.DB, attrs models.DicomAttributes) (uint, error) {
	var p models.Patient
	err := tx.Where("patient_id = ?", attrs.PatientID).First(&p).Error
	if err == nil {
		updates := map[string]any{}
		if p.Name == "" && attrs.PatientName != "" {
			updates["name"] = attrs.PatientName
		}
		if p.BirthDate == "" && attrs.PatientBirthDate != "" {
			updates["birth_date"] = attrs.PatientBirthDate
		}
		if p.Sex == "" && attrs.PatientSex != "" {
			updates["sex"] = attrs.PatientSex
		}
		if len(updates) > 0 {
			if err := tx.Model(&p).Updates(updates).Error; err != nil {
				return 0, fmt.Errorf("failed to update patient: %w", err)
			}
		}
		return p.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to look up patient: %w", err)
	}

	p = models.Patient{
		PatientID: attrs.PatientID,
		Name:      attrs.PatientName,
		BirthDate: attrs.PatientBirthDate,
		Sex:       attrs.PatientSex,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "patient_id"}},
		DoNothing: true,
	}).Create(&p).Error; err != nil {
		return 0, fmt.Errorf("failed to create patient: %w", err)
	}
	if p.ID == 0 {
		// Lost a concurrent create race; the winner's row is authoritative.
		if err := tx.Where("patient_id = ?", attrs.PatientID).First(&p).Error; err != nil {
			return 0, fmt.Errorf("failed to refetch patient: %w", err)
		}
	}
	return p.ID, nil
}

// UpsertStudy creates or fills the study row for the given UID.
func (r *IndexRepository) UpsertStudy(tx *gorm.DB, patientKey uint, attrs models.DicomAttributes) (uint, error) {
	var s models.Study
	err := tx.Where("study_instance_uid = ?", attrs.StudyInstanceUID).First(&s).Error
	if err == nil {
		updates := map[string]any{}
		if s.AccessionNumber == "" && attrs.AccessionNumber != "" {
			updates["accession_number"] = attrs.AccessionNumber
		}
		if s.StudyDate == "" && attrs.StudyDate != "" {
			updates["study_date"] = attrs.StudyDate
		}
		if s.StudyTime == "" && attrs.StudyTime != "" {
			updates["study_time"] = attrs.StudyTime
		}
		if s.ReferringPhysician == "" && attrs.ReferringPhysician != "" {
			updates["referring_physician"] = attrs.ReferringPhysician
		}
		if s.Description == "" && attrs.StudyDescription != "" {
			updates["description"] = attrs.StudyDescription
		}
		if s.Modality == "" && attrs.Modality != "" {
			updates["modality"] = attrs.Modality
		}
		if len(updates) > 0 {
			if err := tx.Model(&s).Updates(updates).Error; err != nil {
				return 0, fmt.Errorf("failed to update study: %w", err)
			}
		}
		return s.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to look up study: %w", err)
	}

	s = models.Study{
		StudyInstanceUID:   attrs.StudyInstanceUID,
		PatientKey:         patientKey,
		AccessionNumber:    attrs.AccessionNumber,
		StudyDate:          attrs.StudyDate,
		StudyTime:          attrs.StudyTime,
		ReferringPhysician: attrs.ReferringPhysician,
		Description:        attrs.StudyDescription,
		Modality:           attrs.Modality,
		Status:             models.StatusReceived,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "study_instance_uid"}},
		DoNothing: true,
	}).Create(&s).Error; err != nil {
		return 0, fmt.Errorf("failed to create study: %w", err)
	}
	if s.ID == 0 {
		if err := tx.Where("study_instance_uid = ?", attrs.StudyInstanceUID).First(&s).Error; err != nil {
			return 0, fmt.Errorf("failed to refetch study: %w", err)
		}
	}
	return s.ID, nil
}

// UpsertSeries creates or fills the series row for the given UID.
func (r *IndexRepository) UpsertSeries(tx *gorm.DB, studyKey uint, attrs models.DicomAttributes) (uint, error) {
	var s models.Series
	err := tx.Where("series_instance_uid = ?", attrs.SeriesInstanceUID).First(&s).Error
	if err == nil {
		updates := map[string]any{}
		if s.SeriesNumber == 0 && attrs.SeriesNumber != 0 {
			updates["series_number"] = attrs.SeriesNumber
		}
		if s.Modality == "" && attrs.Modality != "" {
			updates["modality"] = attrs.Modality
		}
		if s.Description == "" && attrs.SeriesDescription != "" {
			updates["description"] = attrs.SeriesDescription
		}
		if s.BodyPartExamined == "" && attrs.BodyPartExamined != "" {
			updates["body_part_examined"] = attrs.BodyPartExamined
		}
		if s.PixelSpacing == "" && attrs.PixelSpacing != "" {
			updates["pixel_spacing"] = attrs.PixelSpacing
		}
		if s.SliceThickness == "" && attrs.SliceThickness != "" {
			updates["slice_thickness"] = attrs.SliceThickness
		}
		if len(updates) > 0 {
			if err := tx.Model(&s).Updates(updates).Error; err != nil {
				return 0, fmt.Errorf("failed to update series: %w", err)
			}
		}
		return s.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to look up series: %w", err)
	}

	s = models.Series{
		SeriesInstanceUID: attrs.SeriesInstanceUID,
		StudyKey:          studyKey,
		SeriesNumber:      attrs.SeriesNumber,
		Modality:          attrs.Modality,
		Description:       attrs.SeriesDescription,
		BodyPartExamined:  attrs.BodyPartExamined,
		PixelSpacing:      attrs.PixelSpacing,
		SliceThickness:    attrs.SliceThickness,
		Status:            models.StatusReceived,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "series_instance_uid"}},
		DoNothing: true,
	}).Create(&s).Error; err != nil {
		return 0, fmt.Errorf("failed to create series: %w", err)
	}
	if s.ID == 0 {
		if err := tx.Where("series_instance_uid = ?", attrs.SeriesInstanceUID).First(&s).Error; err != nil {
			return 0, fmt.Errorf("failed to refetch series: %w", err)
		}
	}
	return s.ID, nil
}

// InsertInstance inserts the instance row. On a SOP Instance UID conflict no
// row is written and isDuplicate is true; re-reception is idempotent.
func (r *IndexRepository) InsertInstance(tx *gorm.DB, seriesKey uint, attrs models.DicomAttributes, storageKey, digest string, size int64) (uint, bool, error) {
	inst := models.Instance{
		SOPInstanceUID:            attrs.SOPInstanceUID,
		SeriesKey:                 seriesKey,
		SOPClassUID:               attrs.SOPClassUID,
		TransferSyntaxUID:         attrs.TransferSyntaxUID,
		InstanceNumber:            attrs.InstanceNumber,
		Rows:                      attrs.Rows,
		Columns:                   attrs.Columns,
		BitsAllocated:             attrs.BitsAllocated,
		PixelRepresentation:       attrs.PixelRepresentation,
		SamplesPerPixel:           attrs.SamplesPerPixel,
		PhotometricInterpretation: attrs.PhotometricInterpretation,
		WindowCenter:              attrs.WindowCenter,
		WindowWidth:               attrs.WindowWidth,
		RescaleSlope:              attrs.RescaleSlope,
		RescaleIntercept:          attrs.RescaleIntercept,
		StorageKey:                storageKey,
		FileSize:                  size,
		SHA256:                    digest,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sop_instance_uid"}},
		DoNothing: true,
	}).Create(&inst)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to insert instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, true, nil
	}
	return inst.ID, false, nil
}

// SetInstanceStorageKey records the canonical object path once the staged
// file has been finalized.
func (r *IndexRepository) SetInstanceStorageKey(tx *gorm.DB, sopUID, storageKey string) error {
	if err := tx.Model(&models.Instance{}).
		Where("sop_instance_uid = ?", sopUID).
		Update("storage_key", storageKey).Error; err != nil {
		return fmt.Errorf("failed to set instance storage key: %w", err)
	}
	return nil
}

// MarkIngested promotes the series and study to Ready. A study is Ready iff
// every series under it is Ready; statuses only transition during ingest, so
// this runs inside the ingest transaction.
func (r *IndexRepository) MarkIngested(tx *gorm.DB, seriesKey, studyKey uint) error {
	if err := tx.Model(&models.Series{}).Where("id = ?", seriesKey).
		Update("status", models.StatusReady).Error; err != nil {
		return fmt.Errorf("failed to mark series ready: %w", err)
	}
	var pending int64
	if err := tx.Model(&models.Series{}).
		Where("study_key = ? AND status <> ?", studyKey, models.StatusReady).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("failed to count pending series: %w", err)
	}
	if pending == 0 {
		if err := tx.Model(&models.Study{}).Where("id = ?", studyKey).
			Update("status", models.StatusReady).Error; err != nil {
			return fmt.Errorf("failed to mark study ready: %w", err)
		}
	}
	return nil
}

// ListSeries returns the navigation summaries for a study, ordered by
// (series_number, series_uid).
func (r *IndexRepository) ListSeries(ctx context.Context, studyUID string) ([]models.SeriesSummary, error) {
	var study models.Study
	if err := database.DB.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).First(&study).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Ef(errs.KindNotFound, "study %s not found", studyUID)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}

	var series []models.Series
	if err := database.DB.WithContext(ctx).
		Where("study_key = ?", study.ID).
		Order("series_number ASC, series_instance_uid ASC").
		Find(&series).Error; err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}

	summaries := make([]models.SeriesSummary, 0, len(series))
	for _, s := range series {
		var count int64
		if err := database.DB.WithContext(ctx).Model(&models.Instance{}).
			Where("series_key = ?", s.ID).Count(&count).Error; err != nil {
			return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
		}
		var first models.Instance
		firstUID := ""
		err := database.DB.WithContext(ctx).
			Where("series_key = ?", s.ID).
			Order("instance_number ASC, sop_instance_uid ASC").
			First(&first).Error
		if err == nil {
			firstUID = first.SOPInstanceUID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
		}
		summaries = append(summaries, models.SeriesSummary{
			SeriesUID:        s.SeriesInstanceUID,
			Number:           s.SeriesNumber,
			Modality:         s.Modality,
			Description:      s.Description,
			ImageCount:       int(count),
			FirstInstanceUID: firstUID,
		})
	}
	return summaries, nil
}

// ListInstances returns the navigation summaries for a series, ordered by
// (instance_number, sop_uid).
func (r *IndexRepository) ListInstances(ctx context.Context, seriesUID string) ([]models.InstanceSummary, error) {
	var series models.Series
	if err := database.DB.WithContext(ctx).
		Where("series_instance_uid = ?", seriesUID).First(&series).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Ef(errs.KindNotFound, "series %s not found", seriesUID)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}

	var instances []models.Instance
	if err := database.DB.WithContext(ctx).
		Where("series_key = ?", series.ID).
		Order("instance_number ASC, sop_instance_uid ASC").
		Find(&instances).Error; err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}

	summaries := make([]models.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, models.InstanceSummary{
			InstanceUID: inst.SOPInstanceUID,
			Number:      inst.InstanceNumber,
			Rows:        inst.Rows,
			Cols:        inst.Columns,
		})
	}
	return summaries, nil
}

// GetInstance looks up an instance by SOP Instance UID.
func (r *IndexRepository) GetInstance(ctx context.Context, sopUID string) (*models.Instance, error) {
	var inst models.Instance
	if err := database.DB.WithContext(ctx).
		Where("sop_instance_uid = ?", sopUID).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Ef(errs.KindNotFound, "instance %s not found", sopUID)
		}
		return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}
	return &inst, nil
}

// GetSeriesModality resolves the modality of the series owning an instance.
func (r *IndexRepository) GetSeriesModality(ctx context.Context, seriesKey uint) (string, error) {
	var series models.Series
	if err := database.DB.WithContext(ctx).
		Where("id = ?", seriesKey).First(&series).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errs.E(errs.KindNotFound, "series not found")
		}
		return "", errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}
	return series.Modality, nil
}

// RecordEvent appends one row to the ingest log.
func (r *IndexRepository) RecordEvent(ctx context.Context, evt *models.IngestEvent) error {
	if err := database.DB.WithContext(ctx).Create(evt).Error; err != nil {
		return fmt.Errorf("failed to record ingest event: %w", err)
	}
	return nil
}

// ListEvents returns ingest events after the given sequence number, oldest
// first. Downstream consumers poll this to follow the ingest stream.
func (r *IndexRepository) ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]models.IngestEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []models.IngestEvent
	if err := database.DB.WithContext(ctx).
		Where("seq > ?", sinceSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, "metadata index query failed")
	}
	return events, nil
}

// DeleteInstance removes the instance row and its stored file in one unit.
// removeObject runs inside the transaction; if it fails, the row survives.
func (r *IndexRepository) DeleteInstance(ctx context.Context, sopUID string, removeObject func(storageKey string) error) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.Instance
		if err := tx.Where("sop_instance_uid = ?", sopUID).First(&inst).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.Ef(errs.KindNotFound, "instance %s not found", sopUID)
			}
			return fmt.Errorf("failed to look up instance: %w", err)
		}
		if err := tx.Delete(&inst).Error; err != nil {
			return fmt.Errorf("failed to delete instance row: %w", err)
		}
		if err := removeObject(inst.StorageKey); err != nil {
			return fmt.Errorf("failed to remove stored object: %w", err)
		}
		return nil
	})
}
