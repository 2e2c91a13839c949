package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/jung-kurt/gofpdf"
)

// strip is one page worth of a bitmap
type strip struct {
	SourceY int
	SourceH int
	// HeightMM is the strip's rendered height on the page
	HeightMM float64
}

// slicePages splits an imgW x imgH bitmap into strips that fill a
// contentW x contentH area (mm) when scaled to the content width.
func slicePages(imgW, imgH int, contentW, contentH float64) []strip {
	if imgW <= 0 || imgH <= 0 || contentW <= 0 || contentH <= 0 {
		return nil
	}
	ratio := contentW / float64(imgW)
	pages := int(math.Ceil(float64(imgH) * ratio / contentH))
	perPage := contentH / ratio

	out := make([]strip, 0, pages)
	for i := 0; i < pages; i++ {
		y0 := int(math.Round(float64(i) * perPage))
		y1 := int(math.Round(float64(i+1) * perPage))
		if y1 > imgH {
			y1 = imgH
		}
		if y1 <= y0 {
			break
		}
		out = append(out, strip{SourceY: y0, SourceH: y1 - y0, HeightMM: float64(y1-y0) * ratio})
	}
	return out
}

// document assembles JPEG strips into an A4 PDF
type document struct {
	pdf     *gofpdf.Fpdf
	margin  float64
	quality int
	title   string
	images  int
}

func newDocument(filename string, landscape, header bool, marginMM float64, quality int) *document {
	orientation := "P"
	if landscape {
		orientation = "L"
	}
	pdf := gofpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AliasNbPages("")
	pdf.SetCreator("pdf-export", true)
	if filename != "" {
		pdf.SetTitle(filename, true)
	}

	d := &document{pdf: pdf, margin: marginMM, quality: quality}
	if header {
		pdf.SetHeaderFunc(func() {
			label := filename
			if d.title != "" {
				label = fmt.Sprintf("%s - %s", filename, d.title)
			}
			pdf.SetFont("Helvetica", "", 8)
			pdf.SetTextColor(107, 114, 128)
			pdf.SetXY(marginMM, marginMM/2-2)
			pdf.CellFormat(0, 4, pdf.UnicodeTranslatorFromDescriptor("")(label), "", 0, "L", false, 0, "")
		})
	}
	pdf.SetFooterFunc(func() {
		_, h := pdf.GetPageSize()
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(107, 114, 128)
		pdf.SetXY(marginMM, h-marginMM/2-2)
		pdf.CellFormat(0, 4, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	return d
}

// addImage places img starting on a new page, slicing it across as many
// pages as needed.
func (d *document) addImage(img image.Image, title string) error {
	d.title = title
	w, h := d.pdf.GetPageSize()
	contentW := w - 2*d.margin
	contentH := h - 2*d.margin

	b := img.Bounds()
	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return fmt.Errorf("image type %T cannot be sliced", img)
	}

	for i, s := range slicePages(b.Dx(), b.Dy(), contentW, contentH) {
		part := sub.SubImage(image.Rect(b.Min.X, b.Min.Y+s.SourceY, b.Max.X, b.Min.Y+s.SourceY+s.SourceH))
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, part, &jpeg.Options{Quality: d.quality}); err != nil {
			return fmt.Errorf("encode page %d: %w", i+1, err)
		}
		d.images++
		name := fmt.Sprintf("strip-%d", d.images)
		opts := gofpdf.ImageOptions{ImageType: "JPG"}
		d.pdf.RegisterImageOptionsReader(name, opts, &buf)
		d.pdf.AddPage()
		d.pdf.ImageOptions(name, d.margin, d.margin, contentW, s.HeightMM, false, opts, 0, "")
	}
	return d.pdf.Error()
}

func (d *document) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
