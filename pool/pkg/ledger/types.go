package ledger

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

const (
	// HardMaxHolders is the number of holder slots allocated in the pool
	// account. Deployments may configure a lower MaxHolders.
	HardMaxHolders = 20

	// DefaultMinimumReserve is the rent-exempt minimum of a zero-data account
	// in lamports. The vault never drops below it.
	DefaultMinimumReserve uint64 = 890_880
)

// Mode selects how a distribution splits the spendable amount.
type Mode uint8

const (
	ModeEqual Mode = iota
	ModeProportional
)

func (m Mode) String() string {
	switch m {
	case ModeEqual:
		return "equal"
	case ModeProportional:
		return "proportional"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m Mode) Valid() bool {
	return m == ModeEqual || m == ModeProportional
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, poolerr.ErrUnknownMode
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses "equal" or "proportional".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equal":
		return ModeEqual, nil
	case "proportional":
		return ModeProportional, nil
	default:
		return 0, fmt.Errorf("%w: %q", poolerr.ErrUnknownMode, s)
	}
}

// Holder is one ranked entry of the pool's holder list.
type Holder struct {
	Address solana.PublicKey `json:"address"`
	Balance uint64           `json:"balance"`
}

// Pool is the persisted reward pool record.
type Pool struct {
	Owner                    solana.PublicKey  `json:"owner"`
	TokenMint                *solana.PublicKey `json:"token_mint,omitempty"`
	Mode                     Mode              `json:"mode"`
	MaxHolders               uint8             `json:"max_holders"`
	PermissionlessDistribute bool              `json:"permissionless_distribute"`
	TopHolders               []Holder          `json:"top_holders"`
	TotalRewardsReceived     uint64            `json:"total_rewards_received"`
	TotalDistributed         uint64            `json:"total_distributed"`
	TotalWithdrawn           uint64            `json:"total_withdrawn"`
	Bump                     uint8             `json:"bump"`
	VaultBump                uint8             `json:"vault_bump"`
}

// Clone returns a deep copy of p.
func (p *Pool) Clone() *Pool {
	c := *p
	if p.TokenMint != nil {
		mint := *p.TokenMint
		c.TokenMint = &mint
	}
	c.TopHolders = append([]Holder(nil), p.TopHolders...)
	return &c
}

// HolderAddresses returns the addresses of the registered holders in order.
func (p *Pool) HolderAddresses() []solana.PublicKey {
	out := make([]solana.PublicKey, len(p.TopHolders))
	for i, h := range p.TopHolders {
		out[i] = h.Address
	}
	return out
}

// Spendable returns the portion of balance above the reserve floor.
func Spendable(balance, reserve uint64) uint64 {
	if balance <= reserve {
		return 0
	}
	return balance - reserve
}
