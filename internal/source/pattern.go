package source

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// pattern renders synthetic test frames into a reusable YCbCr image.
type pattern struct {
	img *image.YCbCr
	buf bytes.Buffer
}

func (p *pattern) ensure(width, height int) *image.YCbCr {
	r := image.Rect(0, 0, width, height)
	if p.img == nil || p.img.Rect != r {
		p.img = image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	}
	return p.img
}

// render draws a diagonal luma gradient shifted by index, a moving vertical
// bar and a hue that rotates over the clip, then encodes it.
func (p *pattern) render(width, height, index, total, quality int) ([]byte, error) {
	img := p.ensure(width, height)

	shift := index * 4
	for y := 0; y < height; y++ {
		row := img.Y[y*img.YStride : y*img.YStride+width]
		for x := range row {
			row[x] = byte(16 + (x+y+shift)%220)
		}
	}

	barWidth := width / 16
	if barWidth < 1 {
		barWidth = 1
	}
	barX := (index * 8) % width
	for y := 0; y < height; y++ {
		off := y * img.YStride
		for x := barX; x < barX+barWidth && x < width; x++ {
			img.Y[off+x] = 235
		}
	}

	period := total
	if period <= 0 {
		period = 256
	}
	hue := byte(index * 256 / period)
	cw, ch := (width+1)/2, (height+1)/2
	for y := 0; y < ch; y++ {
		cb := img.Cb[y*img.CStride : y*img.CStride+cw]
		cr := img.Cr[y*img.CStride : y*img.CStride+cw]
		for x := 0; x < cw; x++ {
			cb[x] = hue
			cr[x] = 255 - hue
		}
	}

	p.buf.Reset()
	if err := jpeg.Encode(&p.buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return append([]byte(nil), p.buf.Bytes()...), nil
}
