package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/audit"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/mr-tron/base58"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type NonceResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WithdrawRequest asks to move Amount lamports from the vault to Owner.
// Message must be WithdrawMessage(pool, Amount, nonce) and Signature its
// ed25519 signature by Owner.
type WithdrawRequest struct {
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type WithdrawResponse struct {
	ID             uuid.UUID `json:"id"`
	Amount         uint64    `json:"amount"`
	TotalWithdrawn uint64    `json:"total_withdrawn"`
	VaultBalance   uint64    `json:"vault_balance"`
}

// WithdrawMessage is the text an owner signs to authorize a withdrawal.
func WithdrawMessage(pool solana.PublicKey, amount uint64, nonce string) string {
	return fmt.Sprintf("Withdraw %d lamports from reward pool %s.\n\nNonce: %s", amount, pool, nonce)
}

func parseNonce(message string) (string, error) {
	parts := strings.Split(message, "Nonce: ")
	if len(parts) != 2 {
		return "", errors.New("invalid message format")
	}
	return strings.TrimSpace(parts[1]), nil
}

type nonceStore struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time
}

func newNonceStore(clock clockwork.Clock, ttl time.Duration) *nonceStore {
	return &nonceStore{clock: clock, ttl: ttl, nonces: make(map[string]time.Time)}
}

func (n *nonceStore) issue() (string, time.Time, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(b)

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock.Now()
	for k, exp := range n.nonces {
		if !now.Before(exp) {
			delete(n.nonces, k)
		}
	}
	expiresAt := now.Add(n.ttl)
	n.nonces[nonce] = expiresAt
	return nonce, expiresAt, nil
}

// consume removes nonce and reports whether it was live. Nonces are single use.
func (n *nonceStore) consume(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	exp, ok := n.nonces[nonce]
	if !ok {
		return false
	}
	delete(n.nonces, nonce)
	return n.clock.Now().Before(exp)
}

func verifySignature(owner solana.PublicKey, message, signatureBase64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		sig, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(signatureBase64, "="))
		if err != nil {
			return fmt.Errorf("failed to decode signature: %w", err)
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(owner[:]), []byte(message), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (s *Server) nonceHandler(w http.ResponseWriter, r *http.Request) {
	nonce, expiresAt, err := s.nonces.issue()
	if err != nil {
		s.log.Error("server: failed to issue nonce", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "failed to issue nonce"})
		return
	}
	s.writeJSON(w, http.StatusOK, NonceResponse{Nonce: nonce, ExpiresAt: expiresAt})
}

func (s *Server) withdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid request body"})
		return
	}

	ownerBytes, err := base58.Decode(req.Owner)
	if err != nil || len(ownerBytes) != ed25519.PublicKeySize {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid owner public key"})
		return
	}
	owner := solana.PublicKeyFromBytes(ownerBytes)

	nonce, err := parseNonce(req.Message)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	state, err := s.cfg.Program.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Message != WithdrawMessage(state.PoolAddress, req.Amount, nonce) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "message does not match request"})
		return
	}
	if err := verifySignature(owner, req.Message, req.Signature); err != nil {
		s.log.Warn("server: rejected withdrawal signature", "owner", owner, "error", err)
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid signature"})
		return
	}
	// The nonce is only spent once the signature checks out.
	if !s.nonces.consume(nonce) {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid or expired nonce"})
		return
	}

	if err := s.cfg.Program.OwnerWithdraw(r.Context(), owner, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}

	after, err := s.cfg.Program.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := WithdrawResponse{
		ID:             uuid.New(),
		Amount:         req.Amount,
		TotalWithdrawn: after.Pool.TotalWithdrawn,
		VaultBalance:   after.VaultBalance,
	}
	if s.cfg.Recorder != nil {
		err := s.cfg.Recorder.RecordWithdrawal(r.Context(), audit.Withdrawal{
			ID:             resp.ID,
			At:             s.cfg.Clock.Now().UTC(),
			Owner:          owner,
			Amount:         req.Amount,
			TotalWithdrawn: after.Pool.TotalWithdrawn,
			Source:         "api",
		})
		if err != nil {
			s.log.Error("server: failed to record withdrawal", "withdrawal", resp.ID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, poolerr.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, poolerr.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, poolerr.ErrInsufficientFunds), errors.Is(err, poolerr.ErrNotInitialized):
		status = http.StatusConflict
	case poolerr.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("server: request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: poolerr.Code(err), Message: err.Error()})
}
