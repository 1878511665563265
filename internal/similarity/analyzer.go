// Package similarity decides whether two page captures differ materially.
//
// Captures are decoded, reduced to 8-bit intensity and compared with a
// windowed structural similarity index (SSIM). When the current capture has
// different dimensions than the baseline it is resampled to the baseline's
// size first; this normalization is lossy and a size change alone only
// counts through what the resampled comparison detects.
package similarity

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	// Decoders for the formats a capture provider may hand back.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Defaults for Config.
const (
	DefaultThreshold      = 0.85
	DefaultAreaThreshold  = 0.10
	DefaultPixelTolerance = 25
)

// Config tunes the verdict. It is a deployment setting, not a per-target one.
type Config struct {
	// Threshold is the SSIM score below which a capture counts as changed.
	Threshold float64

	// AreaThreshold is the share of pixels (0..1) that may move past
	// PixelTolerance before the capture counts as changed regardless of
	// the score. A negative value disables the area criterion.
	AreaThreshold float64

	// PixelTolerance is the intensity delta a pixel must exceed to be
	// counted as changed in the mask statistics.
	PixelTolerance uint8
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:      DefaultThreshold,
		AreaThreshold:  DefaultAreaThreshold,
		PixelTolerance: DefaultPixelTolerance,
	}
}

// Artifacts are the audit images kept for a detected change.
type Artifacts struct {
	Before []byte // baseline, re-encoded as PNG
	After  []byte // current capture, re-encoded as PNG at its own size
	Mask   []byte // absolute intensity difference at baseline size
}

// Result is the outcome of one comparison.
type Result struct {
	Changed         bool
	Score           float64
	ChangedFraction float64
	Region          image.Rectangle

	// Artifacts is only set when Changed is true.
	Artifacts *Artifacts
}

// AnalysisError reports an input that could not be decoded.
type AnalysisError struct {
	Side string // "baseline" or "current"
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze %s image: %v", e.Side, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Analyzer compares captures. It holds no mutable state and is safe for
// concurrent use.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an Analyzer. Zero fields fall back to the defaults,
// except AreaThreshold which may be disabled with a negative value.
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.AreaThreshold == 0 {
		cfg.AreaThreshold = DefaultAreaThreshold
	}
	if cfg.PixelTolerance == 0 {
		cfg.PixelTolerance = DefaultPixelTolerance
	}
	return &Analyzer{cfg: cfg}
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Compare scores current against baseline. ctx is checked between the
// decode, scoring and encoding stages; a stage already running finishes.
func (a *Analyzer) Compare(ctx context.Context, baseline, current []byte) (*Result, error) {
	baseImg, err := decode(baseline)
	if err != nil {
		return nil, &AnalysisError{Side: "baseline", Err: err}
	}
	curImg, err := decode(current)
	if err != nil {
		return nil, &AnalysisError{Side: "current", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}

	baseGray := toGray(baseImg)
	curGray := toGray(curImg)
	if !baseGray.Rect.Size().Eq(curGray.Rect.Size()) {
		curGray = resample(curGray, baseGray.Rect.Size())
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}

	score := meanSSIM(baseGray, curGray)
	mask, fraction, region := diffMask(baseGray, curGray, a.cfg.PixelTolerance)

	res := &Result{
		Score:           score,
		ChangedFraction: fraction,
		Region:          region,
	}
	res.Changed = score < a.cfg.Threshold ||
		(a.cfg.AreaThreshold > 0 && fraction > a.cfg.AreaThreshold)
	if !res.Changed {
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}

	arts := &Artifacts{}
	if arts.Before, err = encodePNG(baseImg); err != nil {
		return nil, fmt.Errorf("encode before artifact: %w", err)
	}
	if arts.After, err = encodePNG(curImg); err != nil {
		return nil, fmt.Errorf("encode after artifact: %w", err)
	}
	if arts.Mask, err = encodePNG(mask); err != nil {
		return nil, fmt.Errorf("encode mask artifact: %w", err)
	}
	res.Artifacts = arts
	return res, nil
}

func decode(b []byte) (image.Image, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("image has no pixels")
	}
	return img, nil
}

// toGray converts img to 8-bit intensity anchored at the origin.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Rect, img, b.Min, draw.Src)
	return g
}

func resample(src *image.Gray, size image.Point) *image.Gray {
	dst := image.NewGray(image.Rectangle{Max: size})
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return dst
}

// diffMask returns the absolute per-pixel difference of a and b, the share
// of pixels whose difference exceeds tol, and their bounding box.
func diffMask(a, b *image.Gray, tol uint8) (*image.Gray, float64, image.Rectangle) {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	var changed int
	var region image.Rectangle
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pa := a.Pix[y*a.Stride+x]
			pb := b.Pix[y*b.Stride+x]
			d := pa - pb
			if pb > pa {
				d = pb - pa
			}
			mask.Pix[y*mask.Stride+x] = d
			if d > tol {
				changed++
				region = region.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	return mask, float64(changed) / float64(w*h), region
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
