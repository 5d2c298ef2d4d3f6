package main

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrImageCount is returned unless exactly one image is given.
var ErrImageCount = errors.New("exactly one target image is required")

// CLIP preprocessing constants.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// LoadTargetImage decodes the single image in paths.
func LoadTargetImage(paths []string) (image.Image, error) {
	if len(paths) != 1 {
		return nil, errors.Wrapf(ErrImageCount, "got %d", len(paths))
	}
	f, err := os.Open(paths[0])
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", paths[0])
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Errorf("image %s (%s) is empty", paths[0], format)
	}
	return img, nil
}

// Preprocess center-crops img to a square, resizes it to size x size with
// Catmull-Rom and returns normalized CHW floats.
func Preprocess(img image.Image, size int) []float32 {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() < side {
		side = b.Dy()
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)

	out := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := dst.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(dst.Pix[i+c]) / 255
				out[c*plane+y*size+x] = (v - clipMean[c]) / clipStd[c]
			}
		}
	}
	return out
}
