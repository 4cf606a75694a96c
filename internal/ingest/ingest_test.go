package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/gorm"

	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/models"
	"github.com/noctislabs/noctis-pacs/internal/scp"
	"github.com/noctislabs/noctis-pacs/internal/store"
)

// fakeIndex satisfies Index in memory. The tx handle is passed through as
// nil; the fake never touches it.
type fakeIndex struct {
	insertDup bool
	txnErrs   []error // popped per Transaction call
	failOn    string  // "upsert_series", "mark_ingested", "set_storage_key"

	instances  map[string]string // sop uid -> storage key
	events     []models.IngestEvent
	markCalled bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{instances: make(map[string]string)}
}

func (f *fakeIndex) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if len(f.txnErrs) > 0 {
		err := f.txnErrs[0]
		f.txnErrs = f.txnErrs[1:]
		if err != nil {
			return err
		}
	}
	return fn(nil)
}

func (f *fakeIndex) UpsertPatient(tx *gorm.DB, attrs models.DicomAttributes) (uint, error) {
	return 1, nil
}

func (f *fakeIndex) UpsertStudy(tx *gorm.DB, patientKey uint, attrs models.DicomAttributes) (uint, error) {
	return 2, nil
}

func (f *fakeIndex) UpsertSeries(tx *gorm.DB, studyKey uint, attrs models.DicomAttributes) (uint, error) {
	if f.failOn == "upsert_series" {
		return 0, errors.New("series upsert failed")
	}
	return 3, nil
}

func (f *fakeIndex) InsertInstance(tx *gorm.DB, seriesKey uint, attrs models.DicomAttributes, storageKey, digest string, size int64) (uint, bool, error) {
	if f.insertDup {
		return 0, true, nil
	}
	f.instances[attrs.SOPInstanceUID] = storageKey
	return 4, false, nil
}

func (f *fakeIndex) SetInstanceStorageKey(tx *gorm.DB, sopUID, storageKey string) error {
	if f.failOn == "set_storage_key" {
		return errors.New("update failed")
	}
	f.instances[sopUID] = storageKey
	return nil
}

func (f *fakeIndex) MarkIngested(tx *gorm.DB, seriesKey, studyKey uint) error {
	if f.failOn == "mark_ingested" {
		return errors.New("mark failed")
	}
	f.markCalled = true
	return nil
}

func (f *fakeIndex) RecordEvent(ctx context.Context, evt *models.IngestEvent) error {
	f.events = append(f.events, *evt)
	return nil
}

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(err)
	}
	return elem
}

const testSOPUID = "1.2.840.113619.2.1.1"

// stageTestInstance writes a complete little instance into the staging area
// and returns the matching C-STORE request.
func stageTestInstance(t *testing.T, s *store.ObjectStore, drop ...tag.Tag) scp.StoreRequest {
	t.Helper()

	rows, cols := 4, 4
	nf := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
	for i := range nf.RawData {
		nf.RawData[i] = uint16(i * 100)
	}

	elements := []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{scp.CTImageStorage}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{testSOPUID}),
		mustNewElement(tag.SOPClassUID, []string{scp.CTImageStorage}),
		mustNewElement(tag.SOPInstanceUID, []string{testSOPUID}),
		mustNewElement(tag.StudyInstanceUID, []string{"1.2.3.4"}),
		mustNewElement(tag.SeriesInstanceUID, []string{"1.2.3.4.5"}),
		mustNewElement(tag.PatientID, []string{"PAT001"}),
		mustNewElement(tag.PatientName, []string{"DOE^JANE"}),
		mustNewElement(tag.Modality, []string{"CT"}),
		mustNewElement(tag.Rows, []int{rows}),
		mustNewElement(tag.Columns, []int{cols}),
		mustNewElement(tag.BitsAllocated, []int{16}),
		mustNewElement(tag.BitsStored, []int{16}),
		mustNewElement(tag.HighBit, []int{15}),
		mustNewElement(tag.PixelRepresentation, []int{0}),
		mustNewElement(tag.SamplesPerPixel, []int{1}),
		mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		mustNewElement(tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
		}),
	}

	kept := elements[:0]
	for _, e := range elements {
		skip := false
		for _, d := range drop {
			if e.Tag == d {
				skip = true
			}
		}
		if !skip {
			kept = append(kept, e)
		}
	}

	st, err := s.StageNew()
	require.NoError(t, err)
	require.NoError(t, dicom.Write(st, dicom.Dataset{Elements: kept}))
	require.NoError(t, st.Close())

	return scp.StoreRequest{
		CallingAETitle:    "MODALITY_CT",
		CalledAETitle:     "STORE_SCP",
		PeerAddress:       "10.0.0.5:50123",
		SOPClassUID:       scp.CTImageStorage,
		SOPInstanceUID:    testSOPUID,
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
		TempKey:           st.TempKey,
		Digest:            st.Digest(),
		Size:              st.Size(),
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeIndex, *store.ObjectStore) {
	t.Helper()
	s, err := store.New(t.TempDir(), false)
	require.NoError(t, err)
	idx := newFakeIndex()
	return New(idx, s, 2), idx, s
}

func TestIngestStoresInstance(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	req := stageTestInstance(t, s)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusSuccess, status)

	// Index rows committed and the object finalized under its storage key
	key := idx.instances[testSOPUID]
	require.NotEmpty(t, key)
	assert.True(t, idx.markCalled)

	r, err := s.Open(key, "")
	require.NoError(t, err)
	r.Close()

	// Staged copy is gone
	_, err = os.Stat(s.StagePath(req.TempKey))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, idx.events, 1)
	assert.Equal(t, models.IngestStored, idx.events[0].Result)
	assert.Equal(t, "MODALITY_CT", idx.events[0].CallingAETitle)
}

func TestIngestDuplicateIgnored(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	idx.insertDup = true
	req := stageTestInstance(t, s)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusSuccess, status)

	// Nothing finalized, staged copy discarded
	assert.Empty(t, idx.instances[testSOPUID])
	_, err := os.Stat(s.StagePath(req.TempKey))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, idx.events, 1)
	assert.Equal(t, models.IngestDuplicateIgnored, idx.events[0].Result)
}

func TestIngestRejectsMissingPatientID(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	req := stageTestInstance(t, s, tag.PatientID)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusCannotUnderstand, status)

	require.Len(t, idx.events, 1)
	assert.Equal(t, models.IngestRejected, idx.events[0].Result)
	assert.Equal(t, "missing_patient_id", idx.events[0].RejectReason)

	_, err := os.Stat(s.StagePath(req.TempKey))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestRejectsMissingGeometry(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	req := stageTestInstance(t, s, tag.Rows, tag.Columns)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusCannotUnderstand, status)
	require.Len(t, idx.events, 1)
	assert.Equal(t, "missing_image_geometry", idx.events[0].RejectReason)
}

func TestIngestRejectsSOPInstanceUIDMismatch(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	req := stageTestInstance(t, s)
	req.SOPInstanceUID = "1.2.999.1"

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusCannotUnderstand, status)
	require.Len(t, idx.events, 1)
	assert.Equal(t, "sop_instance_uid_mismatch", idx.events[0].RejectReason)
}

func TestIngestRejectsUnparsableFile(t *testing.T) {
	p, idx, s := newTestPipeline(t)

	st, err := s.StageNew()
	require.NoError(t, err)
	_, err = st.Write([]byte("this is not a dicom file"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	req := scp.StoreRequest{
		SOPInstanceUID: testSOPUID,
		TempKey:        st.TempKey,
		Digest:         st.Digest(),
		Size:           st.Size(),
	}

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusCannotUnderstand, status)
	require.Len(t, idx.events, 1)
	assert.Equal(t, "unparsable_dataset", idx.events[0].RejectReason)
}

func TestIngestRetriesTransientTransactionError(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	idx.txnErrs = []error{errors.New("deadlock detected")}
	req := stageTestInstance(t, s)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusSuccess, status)
	require.Len(t, idx.events, 1)
	assert.Equal(t, models.IngestStored, idx.events[0].Result)
}

func TestIngestFailsAfterRetriesExhausted(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	boom := errors.New("index down")
	idx.txnErrs = []error{boom, boom, boom, boom}
	req := stageTestInstance(t, s)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusProcessingFailure, status)

	require.Len(t, idx.events, 1)
	assert.Equal(t, models.IngestRejected, idx.events[0].Result)
	assert.Equal(t, "index_commit_failed", idx.events[0].RejectReason)

	_, err := os.Stat(s.StagePath(req.TempKey))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestConflictIsNotRetried(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	idx.txnErrs = []error{
		errs.E(errs.KindConflict, "instance row conflicts"),
		errors.New("should never be reached"),
	}
	req := stageTestInstance(t, s)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusProcessingFailure, status)
	assert.Len(t, idx.txnErrs, 1, "second transaction attempt must not run")
}

func TestIngestCommitFailureAfterFinalizeRemovesObject(t *testing.T) {
	p, idx, s := newTestPipeline(t)
	idx.failOn = "mark_ingested"
	req := stageTestInstance(t, s)

	status := p.IngestStaged(context.Background(), req)
	assert.Equal(t, scp.StatusProcessingFailure, status)

	// No finalized file may survive the failed commit
	root := filepath.Dir(s.StagePath(""))
	var finalized []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".dcm" {
			finalized = append(finalized, path)
		}
		return nil
	})
	assert.Empty(t, finalized)
}
