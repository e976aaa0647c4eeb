// Package distribution computes per-holder payouts. It is pure: no I/O, and
// identical inputs always produce identical results, which is what lets the
// orchestrator reconcile expected payouts against the ledger.
package distribution

import (
	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

// Payout is the amount owed to one holder.
type Payout struct {
	Address solana.PublicKey `json:"address"`
	Amount  uint64           `json:"amount"`
}

// Result is the outcome of splitting Total across holders. Remainder is
// never allocated; it stays in the vault for a later cycle.
type Result struct {
	Mode      ledger.Mode `json:"mode"`
	Total     uint64      `json:"total"`
	Payouts   []Payout    `json:"payouts"`
	Remainder uint64      `json:"remainder"`
}

// Sum returns the total paid out.
func (r Result) Sum() uint64 {
	return r.Total - r.Remainder
}

// ComputeShares splits total across holders under mode. Payouts follow the
// holder order.
func ComputeShares(total uint64, holders []ledger.Holder, mode ledger.Mode) (Result, error) {
	if len(holders) == 0 {
		return Result{}, poolerr.ErrEmptyHolderSet
	}

	var (
		amounts []uint64
		err     error
	)
	switch mode {
	case ledger.ModeEqual:
		amounts, err = equalShares(total, len(holders))
	case ledger.ModeProportional:
		amounts, err = proportionalShares(total, holders)
	default:
		return Result{}, poolerr.ErrUnknownMode
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Mode:    mode,
		Total:   total,
		Payouts: make([]Payout, len(holders)),
	}
	var paid uint64
	for i, h := range holders {
		res.Payouts[i] = Payout{Address: h.Address, Amount: amounts[i]}
		next := paid + amounts[i]
		if next < paid {
			return Result{}, poolerr.ErrArithmeticOverflow
		}
		paid = next
	}
	if paid > total {
		return Result{}, poolerr.ErrArithmeticOverflow
	}
	res.Remainder = total - paid
	return res, nil
}

func equalShares(total uint64, n int) ([]uint64, error) {
	share := total / uint64(n)
	if _, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(share), uint256.NewInt(uint64(n))); overflow {
		return nil, poolerr.ErrArithmeticOverflow
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = share
	}
	return out, nil
}

func proportionalShares(total uint64, holders []ledger.Holder) ([]uint64, error) {
	weightSum := new(uint256.Int)
	for _, h := range holders {
		var overflow bool
		weightSum, overflow = new(uint256.Int).AddOverflow(weightSum, uint256.NewInt(h.Balance))
		if overflow {
			return nil, poolerr.ErrArithmeticOverflow
		}
	}
	if weightSum.IsZero() {
		return nil, poolerr.ErrZeroWeightSum
	}

	amount := uint256.NewInt(total)
	out := make([]uint64, len(holders))
	for i, h := range holders {
		share, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(h.Balance), weightSum)
		if overflow || !share.IsUint64() {
			return nil, poolerr.ErrArithmeticOverflow
		}
		out[i] = share.Uint64()
	}
	return out, nil
}
