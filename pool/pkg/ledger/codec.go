package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// PoolDiscriminator prefixes every encoded pool account (Anchor layout).
var PoolDiscriminator = accountDiscriminator("RewardPool")

// PoolAccountSize is the space allocated for a pool account with
// HardMaxHolders slots.
const PoolAccountSize = 8 + // discriminator
	32 + // owner
	1 + 32 + // token mint option
	1 + // mode
	1 + // max holders
	1 + // permissionless distribute
	4 + HardMaxHolders*(32+8) + // top holders
	8 + // total rewards received
	8 + // total distributed
	8 + // total withdrawn
	1 + // bump
	1 // vault bump

var ErrInvalidDiscriminator = errors.New("account discriminator mismatch")

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// EncodePool serializes p in Borsh with the pool discriminator.
func EncodePool(p *Pool) ([]byte, error) {
	if len(p.TopHolders) > HardMaxHolders {
		return nil, fmt.Errorf("cannot encode %d holders: limit is %d", len(p.TopHolders), HardMaxHolders)
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	if err := enc.WriteBytes(PoolDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(p.Owner[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(p.TokenMint != nil); err != nil {
		return nil, err
	}
	if p.TokenMint != nil {
		if err := enc.WriteBytes(p.TokenMint[:], false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint8(uint8(p.Mode)); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(p.MaxHolders); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(p.PermissionlessDistribute); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(p.TopHolders)), binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, h := range p.TopHolders {
		if err := enc.WriteBytes(h.Address[:], false); err != nil {
			return nil, err
		}
		if err := enc.WriteUint64(h.Balance, binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	for _, v := range []uint64{p.TotalRewardsReceived, p.TotalDistributed, p.TotalWithdrawn} {
		if err := enc.WriteUint64(v, binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint8(p.Bump); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(p.VaultBump); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePool parses an encoded pool account. Trailing bytes (unused holder
// slots) are ignored.
func DecodePool(data []byte) (*Pool, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], PoolDiscriminator[:]) {
		return nil, ErrInvalidDiscriminator
	}
	dec := bin.NewBorshDecoder(data[8:])
	p := &Pool{}

	owner, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to read owner: %w", err)
	}
	copy(p.Owner[:], owner)

	hasMint, err := dec.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("failed to read token mint option: %w", err)
	}
	if hasMint {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("failed to read token mint: %w", err)
		}
		mint := solana.PublicKeyFromBytes(raw)
		p.TokenMint = &mint
	}

	mode, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("failed to read mode: %w", err)
	}
	p.Mode = Mode(mode)
	if p.MaxHolders, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("failed to read max holders: %w", err)
	}
	if p.PermissionlessDistribute, err = dec.ReadBool(); err != nil {
		return nil, fmt.Errorf("failed to read permissionless flag: %w", err)
	}

	count, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to read holder count: %w", err)
	}
	if count > HardMaxHolders {
		return nil, fmt.Errorf("corrupt pool account: %d holders", count)
	}
	p.TopHolders = make([]Holder, count)
	for i := range p.TopHolders {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("failed to read holder %d address: %w", i, err)
		}
		p.TopHolders[i].Address = solana.PublicKeyFromBytes(raw)
		if p.TopHolders[i].Balance, err = dec.ReadUint64(binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("failed to read holder %d balance: %w", i, err)
		}
	}

	if p.TotalRewardsReceived, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read total rewards: %w", err)
	}
	if p.TotalDistributed, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read total distributed: %w", err)
	}
	if p.TotalWithdrawn, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read total withdrawn: %w", err)
	}
	if p.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("failed to read bump: %w", err)
	}
	if p.VaultBump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("failed to read vault bump: %w", err)
	}
	return p, nil
}
