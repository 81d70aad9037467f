// Package split divides an amount among three payees by percentage.
//
// The first two shares are floor-divided; the third payee receives the
// remainder, so the three parts always add up to the input exactly and all
// rounding loss lands on the third payee.
package split

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidShareTotal = errors.New("shares must sum to 100")
	ErrShareOverflow     = errors.New("first two shares exceed 100")
)

var hundred = uint256.NewInt(100)

// Breakdown is the per-payee result of one split.
type Breakdown struct {
	Total    uint64 `json:"total"`
	Creator  uint64 `json:"creator"`
	Platform uint64 `json:"platform"`
	Treasury uint64 `json:"treasury"`
}

// Compute returns (amount*shareA/100, amount*shareB/100, remainder).
// The products are computed in 256 bits, so no amount can overflow.
// Shares are not validated beyond shareA+shareB <= 100, which keeps the
// remainder non-negative.
func Compute(amount uint64, shareA, shareB uint8) (Breakdown, error) {
	if uint16(shareA)+uint16(shareB) > 100 {
		return Breakdown{}, fmt.Errorf("%w: %d+%d", ErrShareOverflow, shareA, shareB)
	}
	a := portion(amount, shareA)
	b := portion(amount, shareB)
	return Breakdown{
		Total:    amount,
		Creator:  a,
		Platform: b,
		Treasury: amount - a - b,
	}, nil
}

func portion(amount uint64, share uint8) uint64 {
	x := new(uint256.Int).SetUint64(amount)
	x.Mul(x, uint256.NewInt(uint64(share)))
	x.Div(x, hundred)
	// share <= 100, so the quotient never exceeds amount.
	return x.Uint64()
}

// Sum returns Creator+Platform+Treasury.
func (b Breakdown) Sum() uint64 {
	s := new(uint256.Int).SetUint64(b.Creator)
	s.Add(s, uint256.NewInt(b.Platform))
	s.Add(s, uint256.NewInt(b.Treasury))
	if !s.IsUint64() {
		return 0
	}
	return s.Uint64()
}

// Policy is a validated creator/platform/treasury share triple.
type Policy struct {
	Creator  uint8 `json:"creatorShare"`
	Platform uint8 `json:"platformShare"`
	Treasury uint8 `json:"treasuryShare"`
}

// SettlementPolicy is the fixed split applied when an escrowed request is
// approved. It is independent of any royalty configuration.
var SettlementPolicy = Policy{Creator: 85, Platform: 10, Treasury: 5}

// Validate checks that the shares sum to exactly 100.
func (p Policy) Validate() error {
	if sum := int(p.Creator) + int(p.Platform) + int(p.Treasury); sum != 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidShareTotal, sum)
	}
	return nil
}

// Apply validates the policy and splits amount with it. The treasury share
// is implied by the remainder.
func (p Policy) Apply(amount uint64) (Breakdown, error) {
	if err := p.Validate(); err != nil {
		return Breakdown{}, err
	}
	return Compute(amount, p.Creator, p.Platform)
}
