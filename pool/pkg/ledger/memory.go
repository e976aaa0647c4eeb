package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

// Memory is an in-process substrate. A single mutex orders all requests,
// which is what a ledger does for requests sharing write-locked accounts.
type Memory struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	accounts map[solana.PublicKey]*Account
	journal  []Transfer
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:    clock,
		accounts: make(map[solana.PublicKey]*Account),
	}
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	return m.run(ctx, false, fn)
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	return m.run(ctx, true, fn)
}

func (m *Memory) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		m:        m,
		readOnly: readOnly,
		dirty:    make(map[solana.PublicKey]*Account),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	for addr, acct := range tx.dirty {
		m.accounts[addr] = acct
	}
	m.journal = append(m.journal, tx.transfers...)
	return nil
}

// Airdrop credits lamports to addr outside of any program instruction. It
// models funds arriving from other protocols, such as upstream fee payouts.
func (m *Memory) Airdrop(ctx context.Context, addr solana.PublicKey, lamports uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[addr]
	if !ok {
		acct = &Account{Address: addr, Owner: solana.SystemProgramID}
		m.accounts[addr] = acct
	}
	sum, err := checkedAdd(acct.Lamports, lamports)
	if err != nil {
		return err
	}
	acct.Lamports = sum
	return nil
}

// Balance returns the committed balance of addr.
func (m *Memory) Balance(addr solana.PublicKey) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[addr]; ok {
		return acct.Lamports
	}
	return 0
}

// Journal returns a copy of all committed transfers.
func (m *Memory) Journal() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.journal...)
}

type memoryTx struct {
	m         *Memory
	readOnly  bool
	dirty     map[solana.PublicKey]*Account
	transfers []Transfer
}

func (tx *memoryTx) lookup(addr solana.PublicKey) *Account {
	if acct, ok := tx.dirty[addr]; ok {
		return acct
	}
	return tx.m.accounts[addr]
}

// writable returns a transaction-local copy of the account at addr.
func (tx *memoryTx) writable(addr solana.PublicKey) *Account {
	if acct, ok := tx.dirty[addr]; ok {
		return acct
	}
	base := tx.m.accounts[addr]
	if base == nil {
		return nil
	}
	c := *base
	c.Data = append([]byte(nil), base.Data...)
	tx.dirty[addr] = &c
	return &c
}

func (tx *memoryTx) Account(addr solana.PublicKey) (*Account, error) {
	acct := tx.lookup(addr)
	if acct == nil {
		return nil, nil
	}
	c := *acct
	c.Data = append([]byte(nil), acct.Data...)
	return &c, nil
}

func (tx *memoryTx) CreateAccount(addr, owner solana.PublicKey, data []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if existing := tx.lookup(addr); existing != nil {
		if len(existing.Data) > 0 || existing.Owner != solana.SystemProgramID {
			return fmt.Errorf("%w: %s", ErrAccountExists, addr)
		}
		// Pre-funded system account being assigned, as the runtime allows.
		acct := tx.writable(addr)
		acct.Owner = owner
		acct.Data = append([]byte(nil), data...)
		return nil
	}
	tx.dirty[addr] = &Account{
		Address: addr,
		Owner:   owner,
		Data:    append([]byte(nil), data...),
	}
	return nil
}

func (tx *memoryTx) SetData(addr solana.PublicKey, data []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	acct := tx.writable(addr)
	if acct == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	acct.Data = append([]byte(nil), data...)
	return nil
}

func (tx *memoryTx) Transfer(from, to solana.PublicKey, amount uint64, memo string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	src := tx.writable(from)
	if src == nil || src.Lamports < amount {
		return fmt.Errorf("%w: %s cannot send %d lamports", poolerr.ErrInsufficientFunds, from, amount)
	}
	dst := tx.writable(to)
	if dst == nil {
		dst = &Account{Address: to, Owner: solana.SystemProgramID}
		tx.dirty[to] = dst
	}
	if from == to {
		return nil
	}
	credited, err := checkedAdd(dst.Lamports, amount)
	if err != nil {
		return err
	}
	src.Lamports -= amount
	dst.Lamports = credited
	tx.transfers = append(tx.transfers, Transfer{
		From:   from,
		To:     to,
		Amount: amount,
		Memo:   memo,
		At:     tx.m.clock.Now().UTC(),
	})
	return nil
}
