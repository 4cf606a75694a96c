package render

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/draw"

	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/metrics"
	"github.com/noctislabs/noctis-pacs/internal/models"
)

// Renderer decodes DICOM pixel data and produces windowed PNG rasters. The
// semaphore bounds concurrent renders so CPU work cannot starve request
// handling.
type Renderer struct {
	sem chan struct{}
}

// NewRenderer creates a renderer with the given worker bound.
func NewRenderer(workers int) *Renderer {
	if workers < 1 {
		workers = 1
	}
	return &Renderer{sem: make(chan struct{}, workers)}
}

// Result is one rendered raster.
type Result struct {
	PNG    []byte
	Rows   int
	Cols   int
	Window Window // effective window actually applied
}

// Render reads a part-10 stream and produces the windowed PNG. A nil win
// derives the window from pixel statistics. longEdge > 0 downsamples so the
// longer output edge is at most that many pixels.
func (r *Renderer) Render(ctx context.Context, src io.Reader, size int64, inst *models.Instance, win *Window, invert bool, longEdge int) (*Result, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err(), errs.KindTimeout, "render queue wait cancelled")
	}

	kind := "image"
	if longEdge > 0 {
		kind = "thumbnail"
	}
	started := time.Now()
	defer func() {
		metrics.RenderDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	}()

	ds, err := dicom.Parse(src, size, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindProcessingFailure, "failed to parse stored instance")
	}

	img, effective, err := decode(&ds, inst, win, invert)
	if err != nil {
		return nil, err
	}

	if longEdge > 0 {
		img = downsample(img, longEdge)
	}

	var buf bytes.Buffer
	// Fixed encoder options keep output byte-stable for the
	// content-addressed cache.
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errs.Wrap(err, errs.KindProcessingFailure, "failed to encode png")
	}

	b := img.Bounds()
	return &Result{
		PNG:    buf.Bytes(),
		Rows:   b.Dy(),
		Cols:   b.Dx(),
		Window: effective,
	}, nil
}

// decode turns the first pixel data frame into an 8-bit image, applying
// rescale and windowing for grayscale instances.
func decode(ds *dicom.Dataset, inst *models.Instance, win *Window, invert bool) (image.Image, Window, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || elem == nil {
		return nil, Window{}, errs.E(errs.KindProcessingFailure, "instance has no pixel data")
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, Window{}, errs.E(errs.KindProcessingFailure, "instance has no decodable frames")
	}
	f := info.Frames[0]

	// MONOCHROME1 renders inverted; an explicit invert request toggles once
	// more on top of that.
	mono1 := strings.EqualFold(inst.PhotometricInterpretation, "MONOCHROME1")
	effInvert := mono1 != invert

	if f.Encapsulated {
		return decodeEncapsulated(f, inst, win, effInvert)
	}

	if inst.SamplesPerPixel == 3 {
		img, err := nativeRGB(f, inst)
		return img, Window{}, err
	}

	values, err := nativeGrayValues(f, inst)
	if err != nil {
		return nil, Window{}, err
	}
	effective := resolveWindow(win, values)

	gray := image.NewGray(image.Rect(0, 0, inst.Columns, inst.Rows))
	for i, v := range values {
		gray.Pix[i] = windowValue(v, effective, effInvert)
	}
	return gray, effective, nil
}

// decodeEncapsulated handles compressed frames, currently JPEG baseline.
// The decoded samples are already 8-bit; windowing still applies so preset
// and override semantics hold for every transfer syntax.
func decodeEncapsulated(f *frame.Frame, inst *models.Instance, win *Window, effInvert bool) (image.Image, Window, error) {
	src, err := jpeg.Decode(bytes.NewReader(f.EncapsulatedData.Data))
	if err != nil {
		return nil, Window{}, errs.Wrap(err, errs.KindProcessingFailure, "failed to decode compressed frame")
	}

	b := src.Bounds()
	if inst.SamplesPerPixel == 3 {
		rgba := image.NewNRGBA(b)
		draw.Draw(rgba, b, src, b.Min, draw.Src)
		return rgba, Window{}, nil
	}

	values := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			luma := float64((r + g + bl) / 3 >> 8)
			values = append(values, luma*inst.RescaleSlope+inst.RescaleIntercept)
		}
	}
	effective := resolveWindow(win, values)

	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i, v := range values {
		gray.Pix[i] = windowValue(v, effective, effInvert)
	}
	return gray, effective, nil
}

// nativeGrayValues extracts the first frame's samples as rescaled values.
// Signed instances reinterpret the raw bits per PixelRepresentation.
func nativeGrayValues(f *frame.Frame, inst *models.Instance) ([]float64, error) {
	signed := inst.PixelRepresentation == 1
	slope, icept := inst.RescaleSlope, inst.RescaleIntercept
	if slope == 0 {
		slope = 1
	}

	n := inst.Rows * inst.Columns
	values := make([]float64, 0, n)

	appendSample := func(stored float64) {
		values = append(values, stored*slope+icept)
	}

	switch nf := f.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		for _, v := range nf.RawData[:min(n, len(nf.RawData))] {
			if signed {
				appendSample(float64(int8(v)))
			} else {
				appendSample(float64(v))
			}
		}
	case *frame.NativeFrame[uint16]:
		for _, v := range nf.RawData[:min(n, len(nf.RawData))] {
			if signed {
				appendSample(float64(int16(v)))
			} else {
				appendSample(float64(v))
			}
		}
	case *frame.NativeFrame[uint32]:
		for _, v := range nf.RawData[:min(n, len(nf.RawData))] {
			if signed {
				appendSample(float64(int32(v)))
			} else {
				appendSample(float64(v))
			}
		}
	case *frame.NativeFrame[int8]:
		for _, v := range nf.RawData[:min(n, len(nf.RawData))] {
			appendSample(float64(v))
		}
	case *frame.NativeFrame[int16]:
		for _, v := range nf.RawData[:min(n, len(nf.RawData))] {
			appendSample(float64(v))
		}
	case *frame.NativeFrame[int32]:
		for _, v := range nf.RawData[:min(n, len(nf.RawData))] {
			appendSample(float64(v))
		}
	default:
		return nil, errs.Ef(errs.KindProcessingFailure, "unsupported native frame type %T", f.NativeData)
	}

	if len(values) < n {
		return nil, errs.Ef(errs.KindCorruptArtifact, "pixel data truncated: %d of %d samples", len(values), n)
	}
	return values, nil
}

// nativeRGB builds a colour image from interleaved RGB samples. Planar
// configuration 1 is not supported by the decoder in the serving path.
func nativeRGB(f *frame.Frame, inst *models.Instance) (image.Image, error) {
	nf, ok := f.NativeData.(*frame.NativeFrame[uint8])
	if !ok {
		return nil, errs.Ef(errs.KindProcessingFailure, "unsupported colour frame type %T", f.NativeData)
	}
	n := inst.Rows * inst.Columns
	if len(nf.RawData) < n*3 {
		return nil, errs.Ef(errs.KindCorruptArtifact, "colour pixel data truncated: %d of %d samples", len(nf.RawData), n*3)
	}

	img := image.NewNRGBA(image.Rect(0, 0, inst.Columns, inst.Rows))
	for i := 0; i < n; i++ {
		img.Pix[i*4+0] = nf.RawData[i*3+0]
		img.Pix[i*4+1] = nf.RawData[i*3+1]
		img.Pix[i*4+2] = nf.RawData[i*3+2]
		img.Pix[i*4+3] = 0xFF
	}
	return img, nil
}

func resolveWindow(win *Window, values []float64) Window {
	if win != nil {
		return *win
	}
	return deriveWindow(values)
}

// downsample scales img so its longer edge is at most longEdge pixels.
func downsample(img image.Image, longEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	long := w
	if h > long {
		long = h
	}
	if long <= longEdge {
		return img
	}

	scale := float64(longEdge) / float64(long)
	dw := int(float64(w)*scale + 0.5)
	dh := int(float64(h)*scale + 0.5)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	var dst draw.Image
	if _, ok := img.(*image.Gray); ok {
		dst = image.NewGray(image.Rect(0, 0, dw, dh))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, dw, dh))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
