package crop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrUnsupportedImage is returned for sources that are neither JPEG nor PNG.
var ErrUnsupportedImage = errors.New("unsupported image format")

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// ImageCropper produces a cropped copy of an image file.
type ImageCropper interface {
	// Crop writes the region r (image pixels) of src to a new file and
	// returns its path. The caller owns the new file.
	Crop(ctx context.Context, src string, r Rect) (string, error)
}

// FileCropper crops JPEG and PNG files and writes JPEG output to
// <Dir>/cropped_<millis>.jpg.
type FileCropper struct {
	Dir     string
	Quality int
	Now     func() time.Time
}

// NewFileCropper creates a cropper writing into dir.
func NewFileCropper(dir string) *FileCropper {
	return &FileCropper{Dir: dir, Quality: 90, Now: time.Now}
}

// Crop implements ImageCropper.
func (c *FileCropper) Crop(ctx context.Context, src string, r Rect) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}

	img, err := decode(data)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	bounds := img.Bounds()
	r = r.Normalize()
	region := image.Rect(
		bounds.Min.X+int(math.Round(r.X)),
		bounds.Min.Y+int(math.Round(r.Y)),
		bounds.Min.X+int(math.Round(r.X+r.Width)),
		bounds.Min.Y+int(math.Round(r.Y+r.Height)),
	).Intersect(bounds)
	if region.Empty() {
		return "", fmt.Errorf("%w: region outside image", ErrCropTooSmall)
	}

	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(out, out.Bounds(), img, region.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.quality()}); err != nil {
		return "", fmt.Errorf("failed to encode cropped image: %w", err)
	}

	return c.write(buf.Bytes())
}

// ImageSize reads the pixel dimensions of a JPEG or PNG file without
// decoding the whole image.
func ImageSize(path string) (Size, error) {
	f, err := os.Open(path)
	if err != nil {
		return Size{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Size{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if format != "jpeg" && format != "png" {
		return Size{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, format)
	}
	return Size{Width: float64(cfg.Width), Height: float64(cfg.Height)}, nil
}

func decode(data []byte) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		img, err = jpeg.Decode(bytes.NewReader(data))
	case bytes.HasPrefix(data, pngMagic):
		img, err = png.Decode(bytes.NewReader(data))
	default:
		return nil, ErrUnsupportedImage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func (c *FileCropper) quality() int {
	if c.Quality <= 0 || c.Quality > 100 {
		return jpeg.DefaultQuality
	}
	return c.Quality
}

func (c *FileCropper) write(data []byte) (string, error) {
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create crop directory: %w", err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	base := "cropped_" + strconv.FormatInt(now().UnixMilli(), 10)
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name = base + "-" + strconv.Itoa(i)
		}
		path := filepath.Join(c.Dir, name+".jpg")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create cropped image: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write cropped image: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to write cropped image: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s.jpg", base)
}
