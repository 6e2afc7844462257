package enrich

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bdougie/scenewatch/internal/imaging"
	"github.com/bdougie/scenewatch/internal/models"
)

const filePrefix = "combined_frame_"

// Composite places the batch frames side by side. With annotate set each
// tile is stamped with its capture sequence number.
func Composite(batch *models.Batch, annotate bool) (*image.RGBA, error) {
	if batch == nil || batch.Len() == 0 {
		return nil, errors.New("empty batch")
	}
	images := make([]image.Image, len(batch.Frames))
	for i, f := range batch.Frames {
		if f.Image == nil {
			return nil, fmt.Errorf("frame %d has no image", f.Seq)
		}
		images[i] = f.Image
	}

	out := imaging.HStack(images)
	if annotate {
		x := 0
		for _, f := range batch.Frames {
			drawLabel(out, fmt.Sprintf("#%d", f.Seq), x+4, 4)
			x += f.Width()
		}
	}
	return out, nil
}

func drawLabel(img draw.Image, label string, x, y int) {
	bg := image.NewUniform(color.RGBA{0, 0, 0, 180})
	box := image.Rect(x-2, y-2, x+len(label)*7+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, box, bg, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// FileName formats the composite name for t with millisecond precision
func FileName(t time.Time) string {
	return fmt.Sprintf("%s%s-%03d.jpg", filePrefix, t.Format("2006-01-02_15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// saveJPEG encodes img into dir under FileName(t). A name taken within the
// same millisecond gets a numeric suffix.
func saveJPEG(dir string, t time.Time, img image.Image, quality int) (string, error) {
	base := FileName(t)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}

		if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to encode %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		return path, nil
	}
}
