// Package holders ranks token holders into the bounded list a pool pays out
// to.
package holders

import (
	"slices"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

// Candidate is one balance-bearing position reported by a balance source.
// A wallet may appear several times when it controls several token
// accounts.
type Candidate struct {
	Owner   solana.PublicKey
	Balance uint64
}

// Eligibility reports whether addr can receive a direct lamport transfer.
type Eligibility func(addr solana.PublicKey) bool

// DirectTransferEligible accepts wallet addresses and rejects program derived
// addresses, which have no private key and sit off the ed25519 curve.
func DirectTransferEligible(addr solana.PublicKey) bool {
	if addr.IsZero() {
		return false
	}
	return addr.IsOnCurve()
}

// Refresh filters, merges and ranks candidates, returning at most limit
// holders sorted by balance descending. Ties keep first-seen order.
func Refresh(candidates []Candidate, limit int, eligible Eligibility) ([]ledger.Holder, error) {
	if eligible == nil {
		eligible = DirectTransferEligible
	}

	index := make(map[solana.PublicKey]int, len(candidates))
	merged := make([]ledger.Holder, 0, len(candidates))
	for _, c := range candidates {
		if c.Balance == 0 || !eligible(c.Owner) {
			continue
		}
		if i, ok := index[c.Owner]; ok {
			sum := merged[i].Balance + c.Balance
			if sum < merged[i].Balance {
				return nil, poolerr.ErrArithmeticOverflow
			}
			merged[i].Balance = sum
			continue
		}
		index[c.Owner] = len(merged)
		merged = append(merged, ledger.Holder{Address: c.Owner, Balance: c.Balance})
	}

	if len(merged) == 0 || limit <= 0 {
		return nil, poolerr.ErrEmptyCandidateSet
	}

	SortDescending(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// SortDescending orders holders by balance, highest first, keeping the
// relative order of equal balances.
func SortDescending(h []ledger.Holder) {
	slices.SortStableFunc(h, func(a, b ledger.Holder) int {
		switch {
		case a.Balance > b.Balance:
			return -1
		case a.Balance < b.Balance:
			return 1
		default:
			return 0
		}
	})
}

// Equal reports whether two holder lists are identical, order included.
func Equal(a, b []ledger.Holder) bool {
	return slices.Equal(a, b)
}

// FindDuplicate returns the first address that appears more than once.
func FindDuplicate(h []ledger.Holder) (solana.PublicKey, bool) {
	seen := make(map[solana.PublicKey]struct{}, len(h))
	for _, holder := range h {
		if _, ok := seen[holder.Address]; ok {
			return holder.Address, true
		}
		seen[holder.Address] = struct{}{}
	}
	return solana.PublicKey{}, false
}
