package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noctislabs/noctis-pacs/internal/database"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/models"
)

// requireDatabase connects to the database named by NOCTIS_TEST_DATABASE_URL
// and skips the test when it is not set.
func requireDatabase(t *testing.T) {
	t.Helper()
	url := os.Getenv("NOCTIS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NOCTIS_TEST_DATABASE_URL not set, skipping database test")
	}
	if database.DB == nil {
		require.NoError(t, database.Connect(database.Config{URL: url, LogLevel: "silent"}))
	}
}

// testAttributes returns a unique attribute set so runs against a shared
// database never collide.
func testAttributes() models.DicomAttributes {
	suffix := uuid.NewString()
	return models.DicomAttributes{
		PatientID:         "PAT-" + suffix,
		PatientName:       "DOE^JANE",
		StudyInstanceUID:  "1.2.826.0.1.100." + suffix + ".1",
		StudyDescription:  "CHEST CT",
		SeriesInstanceUID: "1.2.826.0.1.100." + suffix + ".1.1",
		SeriesNumber:      2,
		Modality:          "CT",
		SOPInstanceUID:    "1.2.826.0.1.100." + suffix + ".1.1.1",
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
		InstanceNumber:    1,
		Rows:              512,
		Columns:           512,
		BitsAllocated:     16,
		SamplesPerPixel:   1,
		RescaleSlope:      1,
	}
}

func insertTestInstance(t *testing.T, r *IndexRepository, attrs models.DicomAttributes) (seriesKey, studyKey uint) {
	t.Helper()
	err := r.Transaction(context.Background(), func(tx *gorm.DB) error {
		patientKey, err := r.UpsertPatient(tx, attrs)
		require.NoError(t, err)
		studyKey, err = r.UpsertStudy(tx, patientKey, attrs)
		require.NoError(t, err)
		seriesKey, err = r.UpsertSeries(tx, studyKey, attrs)
		require.NoError(t, err)
		_, dup, err := r.InsertInstance(tx, seriesKey, attrs, "", "digest-"+attrs.SOPInstanceUID, 1024)
		require.NoError(t, err)
		require.False(t, dup)
		return nil
	})
	require.NoError(t, err)
	return seriesKey, studyKey
}

func TestIngestRoundTrip(t *testing.T) {
	requireDatabase(t)
	r := NewIndexRepository()
	ctx := context.Background()

	attrs := testAttributes()
	seriesKey, studyKey := insertTestInstance(t, r, attrs)

	err := r.Transaction(ctx, func(tx *gorm.DB) error {
		if err := r.SetInstanceStorageKey(tx, attrs.SOPInstanceUID, "ab/s/se/sop.dcm"); err != nil {
			return err
		}
		return r.MarkIngested(tx, seriesKey, studyKey)
	})
	require.NoError(t, err)

	inst, err := r.GetInstance(ctx, attrs.SOPInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, "ab/s/se/sop.dcm", inst.StorageKey)
	assert.Equal(t, 512, inst.Rows)

	modality, err := r.GetSeriesModality(ctx, inst.SeriesKey)
	require.NoError(t, err)
	assert.Equal(t, "CT", modality)

	series, err := r.ListSeries(ctx, attrs.StudyInstanceUID)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, attrs.SeriesInstanceUID, series[0].SeriesUID)
	assert.Equal(t, 1, series[0].ImageCount)
	assert.Equal(t, attrs.SOPInstanceUID, series[0].FirstInstanceUID)

	instances, err := r.ListInstances(ctx, attrs.SeriesInstanceUID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, attrs.SOPInstanceUID, instances[0].InstanceUID)
}

func TestInsertInstanceDuplicate(t *testing.T) {
	requireDatabase(t)
	r := NewIndexRepository()

	attrs := testAttributes()
	seriesKey, _ := insertTestInstance(t, r, attrs)

	err := r.Transaction(context.Background(), func(tx *gorm.DB) error {
		_, dup, err := r.InsertInstance(tx, seriesKey, attrs, "", "other-digest", 2048)
		require.NoError(t, err)
		assert.True(t, dup, "second insert of the same SOP UID writes no row")
		return nil
	})
	require.NoError(t, err)
}

func TestListingsOrderByNumber(t *testing.T) {
	requireDatabase(t)
	r := NewIndexRepository()

	attrs := testAttributes()
	base := attrs.SOPInstanceUID
	err := r.Transaction(context.Background(), func(tx *gorm.DB) error {
		patientKey, err := r.UpsertPatient(tx, attrs)
		require.NoError(t, err)
		studyKey, err := r.UpsertStudy(tx, patientKey, attrs)
		require.NoError(t, err)
		seriesKey, err := r.UpsertSeries(tx, studyKey, attrs)
		require.NoError(t, err)
		// Inserted out of order on purpose
		for _, n := range []int{3, 1, 2} {
			a := attrs
			a.SOPInstanceUID = fmt.Sprintf("%s.%d", base, n)
			a.InstanceNumber = n
			_, _, err := r.InsertInstance(tx, seriesKey, a, "", "d", 1)
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)

	instances, err := r.ListInstances(context.Background(), attrs.SeriesInstanceUID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{instances[0].Number, instances[1].Number, instances[2].Number})
}

func TestListSeriesUnknownStudy(t *testing.T) {
	requireDatabase(t)
	r := NewIndexRepository()

	_, err := r.ListSeries(context.Background(), "1.2.999."+uuid.NewString())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestEventsFollowSequence(t *testing.T) {
	requireDatabase(t)
	r := NewIndexRepository()
	ctx := context.Background()

	sop := "1.2.826.0.1.200." + uuid.NewString()
	evt := &models.IngestEvent{
		CallingAETitle: "CT_SCANNER",
		CalledAETitle:  "STORE_SCP",
		Result:         models.IngestStored,
		SOPInstanceUID: sop,
	}
	require.NoError(t, r.RecordEvent(ctx, evt))

	events, err := r.ListEvents(ctx, evt.Seq-1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, sop, events[0].SOPInstanceUID)

	events, err = r.ListEvents(ctx, evt.Seq, 10)
	require.NoError(t, err)
	for _, e := range events {
		assert.Greater(t, e.Seq, evt.Seq)
	}
}

func TestDeleteInstanceRemovesRowAndObject(t *testing.T) {
	requireDatabase(t)
	r := NewIndexRepository()
	ctx := context.Background()

	attrs := testAttributes()
	insertTestInstance(t, r, attrs)

	removed := false
	err := r.DeleteInstance(ctx, attrs.SOPInstanceUID, func(storageKey string) error {
		removed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, removed, "object removal callback runs inside the transaction")

	_, err = r.GetInstance(ctx, attrs.SOPInstanceUID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
