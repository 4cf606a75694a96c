package handlers

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/noctislabs/noctis-pacs/internal/cache"
	"github.com/noctislabs/noctis-pacs/internal/config"
	"github.com/noctislabs/noctis-pacs/internal/delivery"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/models"
	"github.com/noctislabs/noctis-pacs/internal/render"
)

const testInstanceUID = "1.2.3.4.5.6"

type fakeIndex struct {
	instances map[string]*models.Instance
	series    []models.SeriesSummary
	images    []models.InstanceSummary
	events    []models.IngestEvent
}

func (f *fakeIndex) RecordEvent(ctx context.Context, evt *models.IngestEvent) error {
	f.events = append(f.events, *evt)
	return nil
}

func (f *fakeIndex) GetInstance(ctx context.Context, sopUID string) (*models.Instance, error) {
	inst, ok := f.instances[sopUID]
	if !ok {
		return nil, errs.Ef(errs.KindNotFound, "instance %s not found", sopUID)
	}
	return inst, nil
}

func (f *fakeIndex) GetSeriesModality(ctx context.Context, seriesKey uint) (string, error) {
	return "CT", nil
}

func (f *fakeIndex) ListSeries(ctx context.Context, studyUID string) ([]models.SeriesSummary, error) {
	return f.series, nil
}

func (f *fakeIndex) ListInstances(ctx context.Context, seriesUID string) ([]models.InstanceSummary, error) {
	return f.images, nil
}

func (f *fakeIndex) ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]models.IngestEvent, error) {
	var out []models.IngestEvent
	for _, e := range f.events {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeStore struct{ data []byte }

type nopReadSeekCloser struct{ *bytes.Reader }

func (nopReadSeekCloser) Close() error { return nil }

func (f *fakeStore) Open(storageKey, wantDigest string) (io.ReadSeekCloser, error) {
	return nopReadSeekCloser{bytes.NewReader(f.data)}, nil
}

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(err)
	}
	return elem
}

func testDicomBytes(t *testing.T) []byte {
	t.Helper()
	rows, cols := 8, 8
	nf := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
	for i := range nf.RawData {
		nf.RawData[i] = uint16(i * 500)
	}
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{testInstanceUID}),
		mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustNewElement(tag.SOPInstanceUID, []string{testInstanceUID}),
		mustNewElement(tag.StudyInstanceUID, []string{"1.2.3.4"}),
		mustNewElement(tag.SeriesInstanceUID, []string{"1.2.3.4.5"}),
		mustNewElement(tag.PatientID, []string{"PAT001"}),
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
	}}
	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, ds))
	return buf.Bytes()
}

func newTestRouter(t *testing.T, idx *fakeIndex) chi.Router {
	t.Helper()
	data := testDicomBytes(t)

	if idx.instances == nil {
		idx.instances = map[string]*models.Instance{
			testInstanceUID: {
				SOPInstanceUID:            testInstanceUID,
				Rows:                      8,
				Columns:                   8,
				BitsAllocated:             16,
				SamplesPerPixel:           1,
				PhotometricInterpretation: "MONOCHROME2",
				RescaleSlope:              1,
				StorageKey:                "ab/x/y/z.dcm",
				FileSize:                  int64(len(data)),
			},
		}
	}

	tiered := cache.NewTiered(cache.NewMemoryCache(1<<20), nil)
	t.Cleanup(func() { tiered.Close() })

	svc := delivery.NewService(idx, &fakeStore{data: data}, render.NewRenderer(2), tiered, config.CacheConfig{
		L1Bytes:     1 << 20,
		ImageTTL:    time.Minute,
		MetadataTTL: time.Minute,
		ThumbTTL:    time.Minute,
		ListingTTL:  time.Minute,
	})

	nav := NewNavigationHandler(svc)
	img := NewImageHandler(svc)
	evt := NewEventsHandler(svc)

	r := chi.NewRouter()
	r.Get("/studies/{studyUid}/series", nav.ListSeries)
	r.Get("/series/{seriesUid}/images", nav.ListImages)
	r.Get("/images/{instanceUid}", img.GetImage)
	r.Get("/images/{instanceUid}/thumbnail", img.GetThumbnail)
	r.Get("/presets", img.GetPresets)
	r.Get("/events", evt.ListEvents)
	return r
}

func get(r chi.Router, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListSeriesEndpoint(t *testing.T) {
	idx := &fakeIndex{series: []models.SeriesSummary{{SeriesUID: "1.2.3.4.5", Modality: "CT"}}}
	r := newTestRouter(t, idx)

	rec := get(r, "/studies/1.2.3.4/series")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))

	var body struct {
		Series []models.SeriesSummary `json:"series"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Series, 1)
	assert.Equal(t, "CT", body.Series[0].Modality)

	// Second read is answered by the listing cache
	rec = get(r, "/studies/1.2.3.4/series")
	assert.Equal(t, "hit", rec.Header().Get("X-Cache"))
}

func TestListSeriesEmptyStudy(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/studies/9.9.9/series")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"series":[]}`, rec.Body.String())
}

func TestListSeriesGzipEligible(t *testing.T) {
	idx := &fakeIndex{series: []models.SeriesSummary{{SeriesUID: "1.2.3.4.5", Modality: "CT"}}}
	r := chi.NewRouter()
	r.Use(chimiddleware.Compress(5))
	r.Mount("/", newTestRouter(t, idx))

	req := httptest.NewRequest(http.MethodGet, "/studies/1.2.3.4/series", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"series"`)

	// PNG payloads stay uncompressed
	req = httptest.NewRequest(http.MethodGet, "/images/"+testInstanceUID, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}

func TestListImagesEndpoint(t *testing.T) {
	idx := &fakeIndex{images: []models.InstanceSummary{{InstanceUID: testInstanceUID, Number: 1}}}
	r := newTestRouter(t, idx)

	rec := get(r, "/series/1.2.3.4.5/images")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Images []models.InstanceSummary `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Images, 1)
}

func TestGetImagePNG(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/images/"+testInstanceUID+"?preset=bone")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
	assert.Len(t, rec.Header().Get("X-Image-Key"), 16)
	assert.Equal(t, "8", rec.Header().Get("X-Image-Rows"))
	assert.Equal(t, "CT", rec.Header().Get("X-Image-Modality"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestGetImageJSONFormat(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/images/"+testInstanceUID+"?format=json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		DataURL  string `json:"dataUrl"`
		CacheHit bool   `json:"cacheHit"`
		Metadata struct {
			InstanceUID string `json:"instanceUid"`
			Rows        int    `json:"rows"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.DataURL, "data:image/png;base64,"))
	assert.Equal(t, testInstanceUID, body.Metadata.InstanceUID)
	assert.Equal(t, 8, body.Metadata.Rows)
}

func TestGetImageValidation(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	cases := []struct {
		path string
		want string
	}{
		{"/images/" + testInstanceUID + "?ww=abc", "invalid ww"},
		{"/images/" + testInstanceUID + "?ww=-10&wl=0", "ww must be positive"},
		{"/images/" + testInstanceUID + "?ww=100", "together"},
		{"/images/" + testInstanceUID + "?preset=spleen", "unknown preset"},
		{"/images/" + testInstanceUID + "?format=bmp", "unsupported format"},
		{"/images/" + testInstanceUID + "?invert=maybe", "invalid invert"},
	}
	for _, tc := range cases {
		rec := get(r, tc.path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), `"kind":"BadRequest"`, tc.path)
	}
}

func TestGetImageNotFound(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/images/9.9.9")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"NotFound"`)
}

func TestGetThumbnail(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/images/"+testInstanceUID+"/thumbnail")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestGetImageExpiredDeadlineReturnsTimeout(t *testing.T) {
	data := testDicomBytes(t)
	idx := &fakeIndex{instances: map[string]*models.Instance{
		testInstanceUID: {
			SOPInstanceUID:            testInstanceUID,
			Rows:                      8,
			Columns:                   8,
			BitsAllocated:             16,
			SamplesPerPixel:           1,
			PhotometricInterpretation: "MONOCHROME2",
			RescaleSlope:              1,
			StorageKey:                "ab/x/y/z.dcm",
			FileSize:                  int64(len(data)),
		},
	}}

	// Hold the single render slot. io.Pipe writes are synchronous, so a
	// completed write proves the renderer is past its semaphore and blocked
	// mid-parse.
	renderer := render.NewRenderer(1)
	blockedR, blockedW := io.Pipe()
	t.Cleanup(func() { blockedW.Close() })
	go func() {
		_, _ = renderer.Render(context.Background(), blockedR, int64(len(data)), idx.instances[testInstanceUID], nil, false, 0)
	}()
	_, err := blockedW.Write([]byte{0x00})
	require.NoError(t, err)

	tiered := cache.NewTiered(cache.NewMemoryCache(1<<20), nil)
	t.Cleanup(func() { tiered.Close() })
	svc := delivery.NewService(idx, &fakeStore{data: data}, renderer, tiered, config.CacheConfig{
		L1Bytes:     1 << 20,
		ImageTTL:    time.Minute,
		MetadataTTL: time.Minute,
		ThumbTTL:    time.Minute,
		ListingTTL:  time.Minute,
	})
	img := NewImageHandler(svc)
	r := chi.NewRouter()
	r.Get("/images/{instanceUid}", img.GetImage)

	req := httptest.NewRequest(http.MethodGet, "/images/"+testInstanceUID, nil)
	ctx, cancel := context.WithDeadline(req.Context(), time.Now().Add(-time.Millisecond))
	defer cancel()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"Timeout"`)
}

func TestGetPresets(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/presets")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Presets []struct {
			Name string  `json:"name"`
			WW   float64 `json:"ww"`
			WC   float64 `json:"wc"`
		} `json:"presets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Presets, 8)
}

func TestListEventsEndpoint(t *testing.T) {
	idx := &fakeIndex{events: []models.IngestEvent{
		{Seq: 1, Result: models.IngestStored, SOPInstanceUID: "1.1"},
		{Seq: 2, Result: models.IngestRejected, SOPInstanceUID: "1.2"},
		{Seq: 3, Result: models.IngestStored, SOPInstanceUID: "1.3"},
	}}
	r := newTestRouter(t, idx)

	rec := get(r, "/events?since=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events  []models.IngestEvent `json:"events"`
		NextSeq int64                `json:"nextSeq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 2)
	assert.Equal(t, int64(3), body.NextSeq)
}

func TestListEventsEmpty(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	rec := get(r, "/events?since=100")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[],"nextSeq":100}`, rec.Body.String())
}

func TestListEventsValidation(t *testing.T) {
	r := newTestRouter(t, &fakeIndex{})

	for _, path := range []string{"/events?since=-1", "/events?since=abc", "/events?limit=-5"} {
		rec := get(r, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}
