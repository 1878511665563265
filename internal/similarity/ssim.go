package similarity

import "image"

const (
	// ssimWindow is the side of the square sliding window.
	ssimWindow   = 7
	dynamicRange = 255.0
)

var (
	ssimC1 = (0.01 * dynamicRange) * (0.01 * dynamicRange)
	ssimC2 = (0.03 * dynamicRange) * (0.03 * dynamicRange)
)

// integral holds summed-area tables of x, y, x², y² and xy for two
// equally sized intensity fields. Sums are kept as integers so identical
// inputs produce bit-identical statistics.
type integral struct {
	w, h int

	sx, sy, sxx, syy, sxy []uint64
}

func newIntegral(a, b *image.Gray) *integral {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	stride := w + 1
	n := stride * (h + 1)
	in := &integral{
		w: w, h: h,
		sx: make([]uint64, n), sy: make([]uint64, n),
		sxx: make([]uint64, n), syy: make([]uint64, n), sxy: make([]uint64, n),
	}
	for y := 0; y < h; y++ {
		var rx, ry, rxx, ryy, rxy uint64
		rowA := a.Pix[y*a.Stride : y*a.Stride+w]
		rowB := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			pa, pb := uint64(rowA[x]), uint64(rowB[x])
			rx += pa
			ry += pb
			rxx += pa * pa
			ryy += pb * pb
			rxy += pa * pb
			up := y*stride + x + 1
			i := up + stride
			in.sx[i] = in.sx[up] + rx
			in.sy[i] = in.sy[up] + ry
			in.sxx[i] = in.sxx[up] + rxx
			in.syy[i] = in.syy[up] + ryy
			in.sxy[i] = in.sxy[up] + rxy
		}
	}
	return in
}

func (in *integral) box(t []uint64, x0, y0, x1, y1 int) float64 {
	stride := in.w + 1
	return float64(t[y1*stride+x1] + t[y0*stride+x0] - t[y0*stride+x1] - t[y1*stride+x0])
}

// meanSSIM returns the mean structural similarity of a and b over every
// fully contained window. a and b must have the same size.
func meanSSIM(a, b *image.Gray) float64 {
	in := newIntegral(a, b)

	win := ssimWindow
	if in.w < win {
		win = in.w
	}
	if in.h < win {
		win = in.h
	}
	n := float64(win * win)
	// Sample covariance, as in the reference formulation.
	norm := 1.0
	if n > 1 {
		norm = n / (n - 1)
	}

	var total float64
	var count int
	for y := 0; y+win <= in.h; y++ {
		for x := 0; x+win <= in.w; x++ {
			x1, y1 := x+win, y+win
			mx := in.box(in.sx, x, y, x1, y1) / n
			my := in.box(in.sy, x, y, x1, y1) / n
			vx := (in.box(in.sxx, x, y, x1, y1)/n - mx*mx) * norm
			vy := (in.box(in.syy, x, y, x1, y1)/n - my*my) * norm
			cxy := (in.box(in.sxy, x, y, x1, y1)/n - mx*my) * norm

			num := (2*mx*my + ssimC1) * (2*cxy + ssimC2)
			den := (mx*mx + my*my + ssimC1) * (vx + vy + ssimC2)
			total += num / den
			count++
		}
	}
	return total / float64(count)
}
