package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// DefaultProgramID is the deployed reward pool program.
	DefaultProgramID = solana.MustPublicKeyFromBase58("5XdQS3UCAB1qiAjRC6eu1U5K5FH2KQ1Ak6C61SCfXAjw")

	poolSeed  = []byte("pool")
	vaultSeed = []byte("vault")
)

// Addresses identifies the pool and vault accounts of one reward program
// instance.
type Addresses struct {
	ProgramID solana.PublicKey
	TokenMint *solana.PublicKey
	Pool      solana.PublicKey
	PoolBump  uint8
	Vault     solana.PublicKey
	VaultBump uint8
}

// DeriveAddresses derives the pool and vault PDAs, keyed by mint when one is
// given.
func DeriveAddresses(programID solana.PublicKey, mint *solana.PublicKey) (Addresses, error) {
	pool, poolBump, err := solana.FindProgramAddress(seeds(poolSeed, mint), programID)
	if err != nil {
		return Addresses{}, fmt.Errorf("failed to derive pool address: %w", err)
	}
	vault, vaultBump, err := solana.FindProgramAddress(seeds(vaultSeed, mint), programID)
	if err != nil {
		return Addresses{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	return Addresses{
		ProgramID: programID,
		TokenMint: mint,
		Pool:      pool,
		PoolBump:  poolBump,
		Vault:     vault,
		VaultBump: vaultBump,
	}, nil
}

func seeds(prefix []byte, mint *solana.PublicKey) [][]byte {
	if mint == nil {
		return [][]byte{prefix}
	}
	return [][]byte{prefix, mint.Bytes()}
}
