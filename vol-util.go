package faceloss

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Normalization maps 8-bit pixels to network input values.
type Normalization int

const (
	NormUnit     Normalization = iota // unit
	NormCentered                      // centered
	NormVGGFace2                      // vggface2
	NormNone                          // none
)

// channel means of the VGGFace2 training set, in BGR order
var vggFace2MeanBGR = [3]float64{91.4953, 103.8827, 131.0912}

func (n Normalization) String() string {
	switch n {
	case NormUnit:
		return "unit"
	case NormCentered:
		return "centered"
	case NormVGGFace2:
		return "vggface2"
	case NormNone:
		return "none"
	}
	return "Normalization(?)"
}

func ParseNormalization(s string) (Normalization, error) {
	for _, n := range []Normalization{NormUnit, NormCentered, NormVGGFace2, NormNone} {
		if n.String() == s {
			return n, nil
		}
	}
	return 0, errors.Errorf("faceloss: unknown normalization %q", s)
}

// value converts a pixel byte of RGB channel c.
func (n Normalization) value(p uint8, c int) float64 {
	f := float64(p)
	switch n {
	case NormUnit:
		return f/127.5 - 1.0
	case NormCentered:
		return f/255.0 - 0.5
	case NormVGGFace2:
		return f - vggFace2MeanBGR[2-c]
	}
	return f
}

// pixel is the inverse of value, clamped to a byte.
func (n Normalization) pixel(v float64, c int) uint8 {
	switch n {
	case NormUnit:
		v = (v + 1.0) * 127.5
	case NormCentered:
		v = (v + 0.5) * 255.0
	case NormVGGFace2:
		v += vggFace2MeanBGR[2-c]
	}
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

// Range bounds the values value can produce over all channels.
func (n Normalization) Range() (lo, hi float64) {
	switch n {
	case NormUnit:
		return -1, 1
	case NormCentered:
		return -0.5, 0.5
	case NormVGGFace2:
		return -vggFace2MeanBGR[2], 255 - vggFace2MeanBGR[0]
	}
	return 0, 255
}

// depth slot of RGB channel c
func (n Normalization) slot(c int) int {
	if n == NormVGGFace2 {
		return 2 - c
	}
	return c
}

// ImageToVol returns a Vol of size (W, H, 3). Alpha is dropped.
func ImageToVol(img image.Image, norm Normalization) *Vol {
	// ensure RGBA
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Rect, img, img.Bounds().Min, draw.Src)
	}

	p := rgba.Pix
	W := rgba.Rect.Dx()
	H := rgba.Rect.Dy()
	v := NewVol(W, H, 3, 0.0)

	for y := 0; y < H; y++ {
		j := rgba.Stride * y

		for x := 0; x < W; x++ {
			for c := 0; c < 3; c++ {
				v.Set(x, y, norm.slot(c), norm.value(p[j+c], c))
			}

			j += 4
		}
	}

	return v
}

// VolToImage renders a depth-3 Vol back to an opaque image.
func VolToImage(v *Vol, norm Normalization) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, v.Sx, v.Sy))

	for y := 0; y < v.Sy; y++ {
		for x := 0; x < v.Sx; x++ {
			var px [3]uint8
			for c := 0; c < 3; c++ {
				px[c] = norm.pixel(v.Get(x, y, norm.slot(c)), c)
			}
			img.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}

	return img
}

// Resize scales img to w x h with a Catmull-Rom kernel.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	return dst
}

// CenterCrop cuts a size x size square from the middle of the volume.
func (v *Vol) CenterCrop(size int) *Vol {
	return v.Augment(size, (v.Sx-size)/2, (v.Sy-size)/2, false)
}

// Volume utilities
// intended for use with data augmentation
// crop is the size of output
// dx,dy are offset wrt incoming volume, of the shift
// fliplr is boolean on whether we also want to flip left<->right
func (v *Vol) Augment(crop, dx, dy int, fliplr bool) *Vol {
	// note assumes square outputs of size crop x crop
	var w *Vol

	if crop != v.Sx || crop != v.Sy || dx != 0 || dy != 0 {
		w = NewVol(crop, crop, v.Depth, 0.0)
		for x := 0; x < crop; x++ {
			for y := 0; y < crop; y++ {
				if x+dx < 0 || x+dx >= v.Sx || y+dy < 0 || y+dy >= v.Sy {
					continue // oob
				}

				for d := 0; d < v.Depth; d++ {
					w.Set(x, y, d, v.Get(x+dx, y+dy, d))
				}
			}
		}
	} else {
		w = v
	}

	if fliplr {
		w2 := w.CloneAndZero()

		for x := 0; x < w.Sx; x++ {
			for y := 0; y < w.Sy; y++ {
				for d := 0; d < w.Depth; d++ {
					w2.Set(x, y, d, w.Get(w.Sx-x-1, y, d))
				}
			}
		}

		w = w2
	}

	return w
}
