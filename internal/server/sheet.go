package server

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"

	"result-cards/internal/imagecache"
)

const (
	thumbWidth  = 270
	labelHeight = 24
	sheetGap    = 8
	sheetCols   = 4
)

// composeSheet lays the cached cards out in a grid, each captioned with its
// participant id.
func composeSheet(cache *imagecache.Cache, keys []imagecache.Key) ([]byte, error) {
	thumbs := make([]image.Image, 0, len(keys))
	thumbHeight := 0
	for _, k := range keys {
		t, err := thumbnail(cache, k)
		if err != nil {
			return nil, err
		}
		thumbs = append(thumbs, t)
		thumbHeight = max(thumbHeight, t.Bounds().Dy())
	}

	cols := min(len(thumbs), sheetCols)
	rows := (len(thumbs) + sheetCols - 1) / sheetCols
	cellW, cellH := thumbWidth+sheetGap, thumbHeight+labelHeight+sheetGap

	dc := gg.NewContext(cols*cellW+sheetGap, rows*cellH+sheetGap)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetRGB(0, 0, 0)
	for i, t := range thumbs {
		x := sheetGap + (i%sheetCols)*cellW
		y := sheetGap + (i/sheetCols)*cellH
		dc.DrawImage(t, x, y)

		label := keys[i].Participant
		if label == "" {
			label = keys[i].Event
		}
		dc.DrawStringAnchored(label, float64(x)+thumbWidth/2, float64(y+thumbHeight)+labelHeight/2, 0.5, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode sheet: %w", err)
	}
	return buf.Bytes(), nil
}

func thumbnail(cache *imagecache.Cache, k imagecache.Key) (image.Image, error) {
	data, err := cache.Read(k)
	if err != nil {
		return nil, err
	}
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", k.Filename(), err)
	}
	b := src.Bounds()
	if b.Dx() == 0 {
		return nil, fmt.Errorf("decode %s: empty image", k.Filename())
	}
	h := max(1, b.Dy()*thumbWidth/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, thumbWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst, nil
}
