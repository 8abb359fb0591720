package main

import (
	"bufio"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/BenLubar/faceloss"
	"github.com/BenLubar/faceloss/config"
)

// readImage decodes a PNG, JPEG or WebP file and converts it to network
// input as the config describes.
func readImage(path string, in config.InputConfig) (*faceloss.Vol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	if in.Size > 0 {
		b := img.Bounds()
		if b.Dx() != in.Size || b.Dy() != in.Size {
			img = faceloss.Resize(img, in.Size, in.Size)
		}
	}

	norm, err := faceloss.ParseNormalization(in.Normalization)
	if err != nil {
		return nil, err
	}

	v := faceloss.ImageToVol(img, norm)
	if in.CenterCrop > 0 {
		if in.CenterCrop > v.Sx || in.CenterCrop > v.Sy {
			return nil, errors.Errorf("%s: crop %d is larger than the %dx%d image", path, in.CenterCrop, v.Sx, v.Sy)
		}
		v = v.CenterCrop(in.CenterCrop)
	}

	logger.Debug("read image",
		zap.String("path", path),
		zap.String("format", format),
		zap.Int("sx", v.Sx),
		zap.Int("sy", v.Sy))

	return v, nil
}

// writeImage encodes img as JPEG when the name says so and PNG otherwise.
func writeImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(w, img)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return errors.Wrapf(err, "writing %s", path)
}
