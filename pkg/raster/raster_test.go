package raster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSurface tracks which selectors are currently expanded
type fakeSurface struct {
	mu        sync.Mutex
	present   map[string]bool
	expanded  map[string]bool
	restored  []string
	shotErr   error
	width     int
	height    int
	shotCalls int
}

func newFakeSurface(selectors ...string) *fakeSurface {
	f := &fakeSurface{present: map[string]bool{}, expanded: map[string]bool{}, width: 200, height: 100}
	for _, s := range selectors {
		f.present[s] = true
	}
	return f
}

func (f *fakeSurface) Eval(ctx context.Context, fn string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := strings.LastIndex(fn, ")(")
	var sel string
	if err := json.Unmarshal([]byte(fn[i+2:len(fn)-1]), &sel); err != nil {
		return nil, err
	}
	if !f.present[sel] {
		return json.RawMessage(`false`), nil
	}
	switch {
	case strings.Contains(fn, "el.style.overflow = 'visible'"):
		f.expanded[sel] = true
	case strings.Contains(fn, "JSON.parse(raw)"):
		delete(f.expanded, sel)
		f.restored = append(f.restored, sel)
	}
	return json.RawMessage(`true`), nil
}

func (f *fakeSurface) Screenshot(ctx context.Context, selector string, scale float64) ([]byte, error) {
	f.mu.Lock()
	f.shotCalls++
	expanded := f.expanded[selector]
	f.mu.Unlock()
	if !expanded {
		return nil, errors.New("screenshot taken before expand")
	}
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	img := image.NewNRGBA(image.Rect(0, 0, f.width, f.height))
	for x := 0; x < f.width; x++ {
		img.Set(x, 0, color.NRGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func TestSlicePages(t *testing.T) {
	tests := []struct {
		name      string
		imgW      int
		imgH      int
		wantPages int
	}{
		{"fits on one page", 1900, 1000, 1},
		{"exactly one page", 190, 277, 1},
		{"two pages", 190, 300, 2},
		{"tall dashboard", 1900, 10000, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strips := slicePages(tt.imgW, tt.imgH, 190, 277)
			require.Len(t, strips, tt.wantPages)

			total := 0
			for i, s := range strips {
				assert.Equal(t, total, s.SourceY, "strip %d starts where the previous ended", i)
				assert.LessOrEqual(t, s.HeightMM, 277+1e-9)
				total += s.SourceH
			}
			assert.Equal(t, tt.imgH, total)
		})
	}
}

func TestSlicePagesRatio(t *testing.T) {
	// 380px wide into 190mm gives 0.5mm per px, so 554px per page
	strips := slicePages(380, 1000, 190, 277)
	require.Len(t, strips, 2)
	assert.Equal(t, strip{SourceY: 0, SourceH: 554, HeightMM: 277}, strips[0])
	assert.Equal(t, 446, strips[1].SourceH)
	assert.InDelta(t, 223, strips[1].HeightMM, 1e-9)
}

func TestSlicePagesDegenerate(t *testing.T) {
	assert.Empty(t, slicePages(0, 100, 190, 277))
	assert.Empty(t, slicePages(100, 0, 190, 277))
}

func TestRasterizeSections(t *testing.T) {
	surf := newFakeSurface("#activity", "#reviews")
	r := NewRasterizer(Config{})

	pdf, err := r.Rasterize(context.Background(), surf, Request{
		Filename: "octocat",
		Header:   true,
		Sections: []Section{{Selector: "#activity", Title: "Activity"}, {Selector: "#missing"}, {Selector: "#reviews"}},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
	assert.Equal(t, 2, surf.shotCalls)
	assert.Equal(t, []string{"#activity", "#reviews"}, surf.restored)
	assert.Empty(t, surf.expanded)
}

func TestRasterizeRestoresOnCaptureError(t *testing.T) {
	surf := newFakeSurface("body")
	surf.shotErr = errors.New("Could not capture screenshot")

	_, err := NewRasterizer(Config{}).Rasterize(context.Background(), surf, Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not capture screenshot")
	assert.Equal(t, []string{"body"}, surf.restored)
	assert.Empty(t, surf.expanded)
}

func TestRasterizeRestoresOnCancelledContext(t *testing.T) {
	surf := newFakeSurface("body")
	surf.shotErr = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRasterizer(Config{}).capture(ctx, surf, "body", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"body"}, surf.restored)
}

func TestRasterizeNothingFound(t *testing.T) {
	surf := newFakeSurface()
	_, err := NewRasterizer(Config{}).Rasterize(context.Background(), surf, Request{Sections: []Section{{Selector: "#nope"}}})
	assert.ErrorIs(t, err, ErrNothingCaptured)
}

func TestFlattenFillsTransparencyWithWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(10, 10, 12, 12))
	img.Set(10, 10, color.NRGBA{B: 255, A: 255})

	out := flatten(img)
	assert.Equal(t, image.Rect(0, 0, 2, 2), out.Bounds())
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{B: 255, A: 255}, out.RGBAAt(0, 0))
}

func TestServiceUnavailable(t *testing.T) {
	s := NewService("", 0, Config{})
	assert.False(t, s.Available())
	_, err := s.Export(context.Background(), "https://host/x", Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
