// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package plane

// Elementwise arithmetic over planes and volumes. All functions validate shapes
// before touching any data. The destination may be nil to allocate a new result,
// or a caller-provided buffer of matching shape, which may alias an operand.

// Arrays below this length are processed on the calling goroutine
const minParallelLen = 32 * 1024

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
	opDiv
)

func (op binaryOp) String() string {
	switch op {
	case opAdd:
		return "add"
	case opSub:
		return "subtract"
	case opMul:
		return "multiply"
	case opDiv:
		return "divide"
	default:
		return "unknown"
	}
}

// Kernel for dst[i]=a[i] op b[i]. Slices must have equal length
func (op binaryOp) apply(dst, a, b []float32) {
	a, b = a[:len(dst)], b[:len(dst)]
	switch op {
	case opAdd:
		for i := range dst {
			dst[i] = a[i] + b[i]
		}
	case opSub:
		for i := range dst {
			dst[i] = a[i] - b[i]
		}
	case opMul:
		for i := range dst {
			dst[i] = a[i] * b[i]
		}
	case opDiv:
		for i := range dst {
			dst[i] = a[i] / b[i]
		}
	}
}

// Elementwise operations with a fixed degree of parallelism
type Ops struct {
	Threads int // maximum number of concurrent batches, 0 for all CPUs
}

// Default operations, using all CPUs
var DefaultOps = Ops{}

func (o Ops) run(op binaryOp, dst, a, b []float32) {
	if len(dst) < minParallelLen {
		op.apply(dst, a, b)
		return
	}
	ParallelFor(len(dst), o.Threads, func(lower, upper int) {
		op.apply(dst[lower:upper], a[lower:upper], b[lower:upper])
	})
}

func (o Ops) binary(op binaryOp, dst, a, b *Plane) (*Plane, error) {
	if err := CheckShapes(a, b); err != nil {
		return nil, err
	}
	dst, err := prepareDst(dst, a.Width, a.Height)
	if err != nil {
		return nil, err
	}
	o.run(op, dst.Data, a.Data, b.Data)
	return dst, nil
}

func (o Ops) binaryVolume(op binaryOp, dst, a, b *Volume) (*Volume, error) {
	if err := CheckVolumeShapes(a, b); err != nil {
		return nil, err
	}
	dst, err := prepareVolumeDst(dst, a.Width, a.Height, a.Depth)
	if err != nil {
		return nil, err
	}
	o.run(op, dst.Data, a.Data, b.Data)
	return dst, nil
}

// Applies a[x,y,d] op b[x,y] for every disparity slice d
func (o Ops) broadcast(op binaryOp, dst, a *Volume, b *Plane) (*Volume, error) {
	if err := CheckVolumeShapes(a); err != nil {
		return nil, err
	}
	if err := CheckShapes(b); err != nil {
		return nil, err
	}
	if !a.MatchesPlane(b) {
		return nil, errShapes(a, b)
	}
	dst, err := prepareVolumeDst(dst, a.Width, a.Height, a.Depth)
	if err != nil {
		return nil, err
	}
	for d := 0; d < a.Depth; d++ {
		o.run(op, dst.Slice(d).Data, a.Slice(d).Data, b.Data)
	}
	return dst, nil
}

// dst=a+b
func (o Ops) Add(dst, a, b *Plane) (*Plane, error) { return o.binary(opAdd, dst, a, b) }

// dst=a-b
func (o Ops) Sub(dst, a, b *Plane) (*Plane, error) { return o.binary(opSub, dst, a, b) }

// dst=a*b
func (o Ops) Mul(dst, a, b *Plane) (*Plane, error) { return o.binary(opMul, dst, a, b) }

// dst=a/b. Plain IEEE division, callers regularize the divisor
func (o Ops) Div(dst, a, b *Plane) (*Plane, error) { return o.binary(opDiv, dst, a, b) }

// dst=a+c for a scalar constant c
func (o Ops) AddConst(dst, a *Plane, c float32) (*Plane, error) {
	if err := CheckShapes(a); err != nil {
		return nil, err
	}
	dst, err := prepareDst(dst, a.Width, a.Height)
	if err != nil {
		return nil, err
	}
	o.addConst(dst.Data, a.Data, c)
	return dst, nil
}

// dst=a*c for a scalar constant c
func (o Ops) MulConst(dst, a *Plane, c float32) (*Plane, error) {
	if err := CheckShapes(a); err != nil {
		return nil, err
	}
	dst, err := prepareDst(dst, a.Width, a.Height)
	if err != nil {
		return nil, err
	}
	o.scalar(dst.Data, a.Data, func(dst, a []float32) {
		for i := range dst {
			dst[i] = a[i] * c
		}
	})
	return dst, nil
}

func (o Ops) addConst(dst, a []float32, c float32) {
	o.scalar(dst, a, func(dst, a []float32) {
		for i := range dst {
			dst[i] = a[i] + c
		}
	})
}

// Runs a kernel over matching ranges of dst and a, in parallel for long arrays
func (o Ops) scalar(dst, a []float32, kernel func(dst, a []float32)) {
	a = a[:len(dst)]
	if len(dst) < minParallelLen {
		kernel(dst, a)
		return
	}
	ParallelFor(len(dst), o.Threads, func(lower, upper int) {
		kernel(dst[lower:upper], a[lower:upper])
	})
}

// dst=a+b over volumes
func (o Ops) AddVolume(dst, a, b *Volume) (*Volume, error) { return o.binaryVolume(opAdd, dst, a, b) }

// dst=a-b over volumes
func (o Ops) SubVolume(dst, a, b *Volume) (*Volume, error) { return o.binaryVolume(opSub, dst, a, b) }

// dst=a*b over volumes
func (o Ops) MulVolume(dst, a, b *Volume) (*Volume, error) { return o.binaryVolume(opMul, dst, a, b) }

// dst=a/b over volumes
func (o Ops) DivVolume(dst, a, b *Volume) (*Volume, error) { return o.binaryVolume(opDiv, dst, a, b) }

// dst=a+c over a volume
func (o Ops) AddConstVolume(dst, a *Volume, c float32) (*Volume, error) {
	if err := CheckVolumeShapes(a); err != nil {
		return nil, err
	}
	dst, err := prepareVolumeDst(dst, a.Width, a.Height, a.Depth)
	if err != nil {
		return nil, err
	}
	o.addConst(dst.Data, a.Data, c)
	return dst, nil
}

// dst[.,.,d]=a[.,.,d]+b for all d
func (o Ops) AddBroadcast(dst, a *Volume, b *Plane) (*Volume, error) {
	return o.broadcast(opAdd, dst, a, b)
}

// dst[.,.,d]=a[.,.,d]-b for all d
func (o Ops) SubBroadcast(dst, a *Volume, b *Plane) (*Volume, error) {
	return o.broadcast(opSub, dst, a, b)
}

// dst[.,.,d]=a[.,.,d]*b for all d
func (o Ops) MulBroadcast(dst, a *Volume, b *Plane) (*Volume, error) {
	return o.broadcast(opMul, dst, a, b)
}

// dst[.,.,d]=a[.,.,d]/b for all d
func (o Ops) DivBroadcast(dst, a *Volume, b *Plane) (*Volume, error) {
	return o.broadcast(opDiv, dst, a, b)
}

// Package-level shorthands using all CPUs

func Add(dst, a, b *Plane) (*Plane, error) { return DefaultOps.Add(dst, a, b) }
func Sub(dst, a, b *Plane) (*Plane, error) { return DefaultOps.Sub(dst, a, b) }
func Mul(dst, a, b *Plane) (*Plane, error) { return DefaultOps.Mul(dst, a, b) }
func Div(dst, a, b *Plane) (*Plane, error) { return DefaultOps.Div(dst, a, b) }
func AddConst(dst, a *Plane, c float32) (*Plane, error) { return DefaultOps.AddConst(dst, a, c) }
func MulConst(dst, a *Plane, c float32) (*Plane, error) { return DefaultOps.MulConst(dst, a, c) }

func AddVolume(dst, a, b *Volume) (*Volume, error) { return DefaultOps.AddVolume(dst, a, b) }
func SubVolume(dst, a, b *Volume) (*Volume, error) { return DefaultOps.SubVolume(dst, a, b) }
func MulVolume(dst, a, b *Volume) (*Volume, error) { return DefaultOps.MulVolume(dst, a, b) }
func DivVolume(dst, a, b *Volume) (*Volume, error) { return DefaultOps.DivVolume(dst, a, b) }
func AddConstVolume(dst, a *Volume, c float32) (*Volume, error) {
	return DefaultOps.AddConstVolume(dst, a, c)
}

func AddBroadcast(dst, a *Volume, b *Plane) (*Volume, error) { return DefaultOps.AddBroadcast(dst, a, b) }
func SubBroadcast(dst, a *Volume, b *Plane) (*Volume, error) { return DefaultOps.SubBroadcast(dst, a, b) }
func MulBroadcast(dst, a *Volume, b *Plane) (*Volume, error) { return DefaultOps.MulBroadcast(dst, a, b) }
func DivBroadcast(dst, a *Volume, b *Plane) (*Volume, error) { return DefaultOps.DivBroadcast(dst, a, b) }
