package grid

import "fmt"

// Dense2 is an owned, resizable 2-D buffer with bounds-checked indexing.
type Dense2[T any] struct {
	nx, ny int
	data   []T
}

// NewDense2 allocates a zeroed nx by ny buffer.
func NewDense2[T any](nx, ny int) *Dense2[T] {
	d := &Dense2[T]{}
	d.Resize(nx, ny)
	return d
}

// Resize reshapes the buffer, reusing capacity, and zeroes every cell.
func (d *Dense2[T]) Resize(nx, ny int) {
	if nx < 0 || ny < 0 {
		panic(fmt.Sprintf("grid: negative Dense2 size %dx%d", nx, ny))
	}
	n := nx * ny
	if cap(d.data) < n {
		d.data = make([]T, n)
	} else {
		d.data = d.data[:n]
		clear(d.data)
	}
	d.nx, d.ny = nx, ny
}

// Dims returns the buffer shape.
func (d *Dense2[T]) Dims() (nx, ny int) { return d.nx, d.ny }

// In reports whether (x, y) lies inside the buffer.
func (d *Dense2[T]) In(x, y int) bool { return x >= 0 && x < d.nx && y >= 0 && y < d.ny }

func (d *Dense2[T]) index(x, y int) int {
	if !d.In(x, y) {
		panic(fmt.Sprintf("grid: Dense2 index (%d,%d) out of range %dx%d", x, y, d.nx, d.ny))
	}
	return y*d.nx + x
}

// At returns the value at (x, y).
func (d *Dense2[T]) At(x, y int) T { return d.data[d.index(x, y)] }

// Set stores v at (x, y).
func (d *Dense2[T]) Set(x, y int, v T) { d.data[d.index(x, y)] = v }

// Fill sets every cell to v.
func (d *Dense2[T]) Fill(v T) {
	for i := range d.data {
		d.data[i] = v
	}
}

// Dense3 is an owned, resizable 3-D buffer with bounds-checked indexing.
type Dense3[T any] struct {
	nx, ny, nz int
	data       []T
}

// NewDense3 allocates a zeroed nx by ny by nz buffer.
func NewDense3[T any](nx, ny, nz int) *Dense3[T] {
	d := &Dense3[T]{}
	d.Resize(nx, ny, nz)
	return d
}

// Resize reshapes the buffer, reusing capacity, and zeroes every cell.
func (d *Dense3[T]) Resize(nx, ny, nz int) {
	if nx < 0 || ny < 0 || nz < 0 {
		panic(fmt.Sprintf("grid: negative Dense3 size %dx%dx%d", nx, ny, nz))
	}
	n := nx * ny * nz
	if cap(d.data) < n {
		d.data = make([]T, n)
	} else {
		d.data = d.data[:n]
		clear(d.data)
	}
	d.nx, d.ny, d.nz = nx, ny, nz
}

// Dims returns the buffer shape.
func (d *Dense3[T]) Dims() (nx, ny, nz int) { return d.nx, d.ny, d.nz }

// In reports whether (x, y, z) lies inside the buffer.
func (d *Dense3[T]) In(x, y, z int) bool {
	return x >= 0 && x < d.nx && y >= 0 && y < d.ny && z >= 0 && z < d.nz
}

func (d *Dense3[T]) index(x, y, z int) int {
	if !d.In(x, y, z) {
		panic(fmt.Sprintf("grid: Dense3 index (%d,%d,%d) out of range %dx%dx%d", x, y, z, d.nx, d.ny, d.nz))
	}
	return (z*d.ny+y)*d.nx + x
}

// At returns the value at (x, y, z).
func (d *Dense3[T]) At(x, y, z int) T { return d.data[d.index(x, y, z)] }

// Set stores v at (x, y, z).
func (d *Dense3[T]) Set(x, y, z int, v T) { d.data[d.index(x, y, z)] = v }

// Padded wraps a Dense2 with a border of Pad cells on every side, so
// neighbourhood operators can read one step outside the interior without
// special cases. Interior coordinates run from 0 to nx-1; the border is
// addressed with negative indices or indices >= nx.
type Padded[T any] struct {
	Pad    int
	nx, ny int
	buf    Dense2[T]
}

// NewPadded allocates an nx by ny interior with a pad-cell border.
func NewPadded[T any](nx, ny, pad int) *Padded[T] {
	p := &Padded[T]{}
	p.Resize(nx, ny, pad)
	return p
}

// Resize reshapes the interior and border, zeroing every cell.
func (p *Padded[T]) Resize(nx, ny, pad int) {
	if pad < 0 {
		panic(fmt.Sprintf("grid: negative pad %d", pad))
	}
	p.Pad, p.nx, p.ny = pad, nx, ny
	p.buf.Resize(nx+2*pad, ny+2*pad)
}

// Dims returns the interior shape.
func (p *Padded[T]) Dims() (nx, ny int) { return p.nx, p.ny }

// In reports whether (x, y) lies in the interior.
func (p *Padded[T]) In(x, y int) bool { return x >= 0 && x < p.nx && y >= 0 && y < p.ny }

// At returns the value at interior-relative (x, y); border cells are
// addressable.
func (p *Padded[T]) At(x, y int) T { return p.buf.At(x+p.Pad, y+p.Pad) }

// Set stores v at interior-relative (x, y).
func (p *Padded[T]) Set(x, y int, v T) { p.buf.Set(x+p.Pad, y+p.Pad, v) }

// Fill sets every cell, border included, to v.
func (p *Padded[T]) Fill(v T) { p.buf.Fill(v) }
