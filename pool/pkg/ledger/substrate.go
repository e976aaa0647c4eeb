package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrReadOnly        = errors.New("write attempted in read-only transaction")
)

// Account is the raw state of one ledger account.
type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Transfer is one journaled lamport movement.
type Transfer struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64
	Memo   string
	At     time.Time
}

// Tx is the view of the ledger inside one atomic request. Reads observe the
// request's own writes. Nothing is visible to other requests until the
// request function returns nil.
type Tx interface {
	// Account returns the account at addr, or nil if it does not exist.
	Account(addr solana.PublicKey) (*Account, error)
	// CreateAccount creates an empty account owned by owner.
	CreateAccount(addr, owner solana.PublicKey, data []byte) error
	// SetData replaces the data of an existing account.
	SetData(addr solana.PublicKey, data []byte) error
	// Transfer moves lamports, creating the destination as a system account
	// if needed.
	Transfer(from, to solana.PublicKey, amount uint64, memo string) error
}

// Substrate is the ordered ledger the pool lives on. It serializes requests
// touching the same accounts; implementations never retry internally.
type Substrate interface {
	// Update runs fn atomically: all writes commit if fn returns nil, none
	// otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent snapshot; writes fail with ErrReadOnly.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Faucet credits lamports from outside any program instruction, the way an
// upstream protocol payout or a validator airdrop does.
type Faucet interface {
	Airdrop(ctx context.Context, addr solana.PublicKey, lamports uint64) error
}

// Balance returns the lamports held at addr, zero for missing accounts.
func Balance(tx Tx, addr solana.PublicKey) (uint64, error) {
	acct, err := tx.Account(addr)
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, nil
	}
	return acct.Lamports, nil
}

// LoadPool reads and decodes the pool account at addr.
func LoadPool(tx Tx, addr solana.PublicKey) (*Pool, error) {
	acct, err := tx.Account(addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, poolerr.ErrNotInitialized
	}
	return DecodePool(acct.Data)
}

// StorePool encodes p into the existing pool account at addr.
func StorePool(tx Tx, addr solana.PublicKey, p *Pool) error {
	data, err := EncodePool(p)
	if err != nil {
		return err
	}
	return tx.SetData(addr, data)
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, poolerr.ErrArithmeticOverflow
	}
	return sum, nil
}
