package kernel

import "fmt"

// DefaultTileMemoryBudget is the per-block fast-memory budget in bytes.
// It mirrors the 48 KiB of shared memory a GPU thread block can claim;
// on the CPU grid it bounds the per-worker scratch working set so a tile
// configuration that would not launch on device is rejected here too.
const DefaultTileMemoryBudget = 48 * 1024

// Params describes one forward invocation over tensors of logical shape
// [B, H, N, D], row-major contiguous.
type Params struct {
	B int // batch size
	H int // number of heads
	N int // sequence length
	D int // head dimension

	Br int // query rows per tile
	Bc int // key/value columns per tile

	Causal bool
	DType  DType

	// TileMemoryBudget overrides DefaultTileMemoryBudget when positive.
	TileMemoryBudget int
}

// Elems returns the element count of one Q/K/V/O tensor.
func (p Params) Elems() int { return p.B * p.H * p.N * p.D }

// RowStats returns the element count of the L output (one per query row).
func (p Params) RowStats() int { return p.B * p.H * p.N }

// Grid returns the block grid dimensions: queryTiles x (B*H).
func (p Params) Grid() (queryTiles, batchHeads int) {
	return ceilDiv(p.N, p.Br), p.B * p.H
}

// TileFootprintBytes is the fast-memory working set of one block:
// a Br×D Q tile plus Bc×D K and V tiles in the input element size, and
// the f32 running state (acc Br×D, m and l per query row, Bc score row).
func (p Params) TileFootprintBytes() int {
	es := p.DType.ElemSize()
	tiles := (p.Br*p.D + 2*p.Bc*p.D) * es
	state := (p.Br*p.D + 2*p.Br + p.Bc) * 4
	return tiles + state
}

func (p Params) budget() int {
	if p.TileMemoryBudget > 0 {
		return p.TileMemoryBudget
	}
	return DefaultTileMemoryBudget
}

// Validate checks the configuration before any work is issued.
// A failed validation never results in a partial launch.
func (p Params) Validate() error {
	if p.B <= 0 || p.H <= 0 || p.N <= 0 || p.D <= 0 {
		return fmt.Errorf("invalid shape B=%d H=%d N=%d D=%d (all must be positive)", p.B, p.H, p.N, p.D)
	}
	if p.Br <= 0 || p.Bc <= 0 {
		return fmt.Errorf("invalid tile sizes Br=%d Bc=%d (must be positive)", p.Br, p.Bc)
	}
	if p.Br > p.N {
		return fmt.Errorf("invalid Br=%d (must not exceed N=%d)", p.Br, p.N)
	}
	if p.Bc > p.N {
		return fmt.Errorf("invalid Bc=%d (must not exceed N=%d)", p.Bc, p.N)
	}
	switch p.DType {
	case F32, F16, BF16:
	default:
		return fmt.Errorf("invalid dtype %d", int(p.DType))
	}
	if fp, budget := p.TileFootprintBytes(), p.budget(); fp > budget {
		return fmt.Errorf("tile footprint %d bytes exceeds fast-memory budget %d (Br=%d Bc=%d D=%d dtype=%s)",
			fp, budget, p.Br, p.Bc, p.D, p.DType)
	}
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
