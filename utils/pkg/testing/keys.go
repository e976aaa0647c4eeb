package rptesting

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// NewWallet returns a fresh on-curve public key, i.e. an address that can
// receive direct transfers.
func NewWallet(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

// NewWallets returns n distinct wallet addresses.
func NewWallets(t *testing.T, n int) []solana.PublicKey {
	t.Helper()
	out := make([]solana.PublicKey, n)
	for i := range out {
		out[i] = NewWallet(t)
	}
	return out
}

// NewProgramAddress returns an off-curve program derived address.
func NewProgramAddress(t *testing.T, seed string) solana.PublicKey {
	t.Helper()
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seed)}, solana.SystemProgramID)
	require.NoError(t, err)
	return addr
}
