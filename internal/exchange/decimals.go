// decimals.go enforces the venue's decimal contract on the submit path.
//
// The CLOB rejects orders whose price or size carries more than two decimal
// places, or whose price × size product is not exactly representable at two
// decimals. All adjustment rounds toward zero so the engine never submits
// more than intended.
package exchange

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// maxCanonicalIters bounds the size-reduction loop. 200 cent-steps is far
// more than any real book requires; hitting the bound means the inputs were
// degenerate.
const maxCanonicalIters = 200

var oneCent = decimal.New(1, -2)

// CanonicalizeOrder truncates price and size to two decimals and then
// reduces size by one cent-unit at a time until price × size is exactly
// representable at two decimals. The routine is idempotent: applying it to
// an already-canonical pair returns the pair unchanged.
func CanonicalizeOrder(price, size float64) (float64, float64, error) {
	p := decimal.NewFromFloat(price).Truncate(2)
	s := decimal.NewFromFloat(size).Truncate(2)

	if p.Sign() <= 0 {
		return 0, 0, fmt.Errorf("canonicalize: non-positive price %v", price)
	}

	for i := 0; i < maxCanonicalIters; i++ {
		if s.Sign() <= 0 {
			return 0, 0, fmt.Errorf("canonicalize: size exhausted adjusting %v x %v", price, size)
		}
		product := p.Mul(s)
		if product.Equal(product.Truncate(2)) {
			pf, _ := p.Float64()
			sf, _ := s.Float64()
			return pf, sf, nil
		}
		s = s.Sub(oneCent)
	}
	return 0, 0, fmt.Errorf("canonicalize: no representable size within %d steps of %v x %v", maxCanonicalIters, price, size)
}

// ParseLevel converts a string price level to floats. The venue sends all
// book numbers as strings to preserve precision.
func ParseLevel(level types.PriceLevel) (price, size float64) {
	price, _ = strconv.ParseFloat(level.Price, 64)
	size, _ = strconv.ParseFloat(level.Size, 64)
	return price, size
}

// DepthTopN sums the size of the first n levels of one book side.
func DepthTopN(levels []types.PriceLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var depth float64
	for _, lvl := range levels[:n] {
		_, size := ParseLevel(lvl)
		depth += size
	}
	return depth
}

// BestLevel returns the price and size of the top of one book side.
// ok is false when the side is empty.
func BestLevel(levels []types.PriceLevel) (price, size float64, ok bool) {
	if len(levels) == 0 {
		return 0, 0, false
	}
	price, size = ParseLevel(levels[0])
	return price, size, true
}
