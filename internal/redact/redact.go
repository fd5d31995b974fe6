// Package redact renders blurred and pixelated copies of raw RGBA frames.
package redact

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresmejia3/veil/internal/report"
)

// blurBufferPool recycles scratch buffers for the horizontal blur pass.
var blurBufferPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1024*1024) },
}

// colSumsPool recycles column accumulators for the vertical blur pass.
var colSumsPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 1024) },
}

// Engine is the in-process redaction backend. It never modifies its input and
// always returns a freshly allocated buffer.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Blur applies a separable box blur of the given radius. Alpha is preserved.
func (e *Engine) Blur(ctx context.Context, pix []byte, width, height int, radius float32) ([]byte, error) {
	if err := checkFrame(pix, width, height); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int(radius) < 1 {
		return nil, fmt.Errorf("blur radius %.2f is below one pixel", radius)
	}
	out := make([]byte, len(pix))
	copy(out, pix)
	BoxBlur(out, width, height, int(radius))
	return out, nil
}

// Pixelate fills each blockSize square with its average colour.
func (e *Engine) Pixelate(ctx context.Context, pix []byte, width, height, blockSize int) ([]byte, error) {
	if err := checkFrame(pix, width, height); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(pix))
	copy(out, pix)
	PixelateInPlace(out, width, height, blockSize)
	return out, nil
}

func checkFrame(pix []byte, width, height int) error {
	if width <= 0 || height <= 0 || len(pix) != width*height*4 {
		return fmt.Errorf("%w: %d bytes for %dx%d", report.ErrInvalidFrame, len(pix), width, height)
	}
	return nil
}

// BoxBlur blurs pix in place. The sliding window keeps the cost independent
// of the radius, so strong blurs (radius 25) stay cheap. Edge pixels are
// repeated, so the radius may exceed either dimension.
func BoxBlur(pix []byte, w, h, radius int) {
	if radius < 1 {
		return
	}
	stride := w * 4

	neededSize := w * h * 4
	bufPtr := blurBufferPool.Get().([]uint8)
	if cap(bufPtr) < neededSize {
		bufPtr = make([]uint8, neededSize)
	}
	buf := bufPtr[:neededSize]
	defer blurBufferPool.Put(bufPtr)

	count := uint32(2*radius + 1)

	// 1. Horizontal pass: frame -> buf
	for y := 0; y < h; y++ {
		rowStart := y * stride

		var rSum, gSum, bSum uint32
		for k := -radius; k <= radius; k++ {
			px := clamp(k, w)
			off := rowStart + px*4
			rSum += uint32(pix[off])
			gSum += uint32(pix[off+1])
			bSum += uint32(pix[off+2])
		}

		for x := 0; x < w; x++ {
			off := rowStart + x*4
			buf[off] = uint8(rSum / count)
			buf[off+1] = uint8(gSum / count)
			buf[off+2] = uint8(bSum / count)
			buf[off+3] = pix[off+3]

			offRemove := rowStart + clamp(x-radius, w)*4
			offAdd := rowStart + clamp(x+radius+1, w)*4
			rSum = rSum - uint32(pix[offRemove]) + uint32(pix[offAdd])
			gSum = gSum - uint32(pix[offRemove+1]) + uint32(pix[offAdd+1])
			bSum = bSum - uint32(pix[offRemove+2]) + uint32(pix[offAdd+2])
		}
	}

	// 2. Vertical pass: buf -> frame, row by row with a running sum per column
	// for cache locality.
	neededCols := w * 3
	csPtr := colSumsPool.Get().([]uint32)
	if cap(csPtr) < neededCols {
		csPtr = make([]uint32, neededCols)
	}
	colSums := csPtr[:neededCols]
	for i := range colSums {
		colSums[i] = 0
	}
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		rowOffset := clamp(k, h) * stride
		for x := 0; x < w; x++ {
			off := rowOffset + x*4
			colSums[x*3] += uint32(buf[off])
			colSums[x*3+1] += uint32(buf[off+1])
			colSums[x*3+2] += uint32(buf[off+2])
		}
	}

	for y := 0; y < h; y++ {
		dstRowOff := y * stride
		removeRow := clamp(y-radius, h) * stride
		addRow := clamp(y+radius+1, h) * stride

		for x := 0; x < w; x++ {
			dstOff := dstRowOff + x*4
			pix[dstOff] = uint8(colSums[x*3] / count)
			pix[dstOff+1] = uint8(colSums[x*3+1] / count)
			pix[dstOff+2] = uint8(colSums[x*3+2] / count)

			offRemove := removeRow + x*4
			offAdd := addRow + x*4
			colSums[x*3] = colSums[x*3] - uint32(buf[offRemove]) + uint32(buf[offAdd])
			colSums[x*3+1] = colSums[x*3+1] - uint32(buf[offRemove+1]) + uint32(buf[offAdd+1])
			colSums[x*3+2] = colSums[x*3+2] - uint32(buf[offRemove+2]) + uint32(buf[offAdd+2])
		}
	}
}

// PixelateInPlace replaces every block with its average colour, keeping alpha.
func PixelateInPlace(pix []byte, w, h, blockSize int) {
	if blockSize < 1 {
		blockSize = 1
	}
	stride := w * 4

	for by := 0; by < h; by += blockSize {
		y2 := by + blockSize
		if y2 > h {
			y2 = h
		}
		for bx := 0; bx < w; bx += blockSize {
			x2 := bx + blockSize
			if x2 > w {
				x2 = w
			}

			var r, g, b, n uint32
			for y := by; y < y2; y++ {
				rowStart := y * stride
				for x := bx; x < x2; x++ {
					off := rowStart + x*4
					r += uint32(pix[off])
					g += uint32(pix[off+1])
					b += uint32(pix[off+2])
					n++
				}
			}
			ar, ag, ab := uint8(r/n), uint8(g/n), uint8(b/n)

			for y := by; y < y2; y++ {
				rowStart := y * stride
				for x := bx; x < x2; x++ {
					off := rowStart + x*4
					pix[off] = ar
					pix[off+1] = ag
					pix[off+2] = ab
				}
			}
		}
	}
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
