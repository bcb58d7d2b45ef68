package api

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"pocketDCA/internal/kvstore"
)

const (
	HeaderCaller    = "X-Pocket-Caller"
	HeaderTimestamp = "X-Pocket-Timestamp"
	HeaderSignature = "X-Pocket-Signature"
)

// SigningMessage is the text a caller signs with personal_sign (EIP-191) to
// authenticate one request.
func SigningMessage(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("pocketDCA\n%s %s\n%d\n%s",
		strings.ToUpper(method), path, timestamp, hexutil.Encode(crypto.Keccak256(body)))
}

// SignRequest signs a request the way wallets sign personal messages. The
// returned signature has V in {27, 28}.
func SignRequest(key *ecdsa.PrivateKey, method, path string, timestamp int64, body []byte) (string, error) {
	digest := accounts.TextHash([]byte(SigningMessage(method, path, timestamp, body)))
	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return hexutil.Encode(signature), nil
}

// RecoverSigner returns the address that signed message.
func RecoverSigner(message string, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// authenticate resolves the caller of a signed request. body is the raw
// request body already read by the handler.
func (s *Server) authenticate(r *http.Request, body []byte) (common.Address, error) {
	callerHex := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(callerHex) {
		return common.Address{}, fmt.Errorf("missing or invalid %s header", HeaderCaller)
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("missing or invalid %s header", HeaderTimestamp)
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return common.Address{}, fmt.Errorf("request timestamp outside the %s window", s.maxSkew)
	}

	message := SigningMessage(r.Method, r.URL.Path, ts, body)
	signer, err := RecoverSigner(message, r.Header.Get(HeaderSignature))
	if err != nil {
		return common.Address{}, err
	}
	caller := common.HexToAddress(callerHex)
	if signer != caller {
		return common.Address{}, fmt.Errorf("signature does not match caller")
	}
	if err := s.claimRequest(r.Context(), caller, message, ts); err != nil {
		return common.Address{}, err
	}
	return caller, nil
}

var errReplayed = errors.New("request was already used")

// usedRequest marks a signed request as spent until it leaves the skew
// window.
type usedRequest struct {
	Expires int64
}

// claimRequest records the request digest so the same signed request is
// accepted once. The key is derived from the signed message, not the
// signature bytes, so a re-encoded signature is still a replay.
func (s *Server) claimRequest(ctx context.Context, caller common.Address, message string, ts int64) error {
	digest := crypto.Keccak256Hash(caller.Bytes(), []byte(message))
	key := kvstore.Key(kvstore.NoncesDir, digest.Hex())
	expires := time.Unix(ts, 0).Add(s.maxSkew).Unix()

	return kv.WithReadWriter(ctx, s.db, func(ctx context.Context, rw kv.ReadWriter) error {
		used, err := kvstore.Get[usedRequest](ctx, rw, key)
		if err != nil && !kvstore.IsNotExist(err) {
			return fmt.Errorf("check request digest: %w", err)
		}
		if err == nil && used.Expires >= s.now().Unix() {
			return errReplayed
		}
		return kvstore.Set(ctx, rw, key, &usedRequest{Expires: expires})
	})
}

// PruneRequests forgets request digests whose timestamps can no longer pass
// the skew check. It returns the number of entries removed.
func (s *Server) PruneRequests(ctx context.Context) (int, error) {
	now := s.now().Unix()
	var expired []string
	err := kv.WithReader(ctx, s.db, func(ctx context.Context, r kv.Reader) error {
		return kvstore.Ascend(ctx, r, kvstore.NoncesDir, func(key string, used *usedRequest) error {
			if used.Expires < now {
				expired = append(expired, key)
			}
			return nil
		})
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	err = kv.WithReadWriter(ctx, s.db, func(ctx context.Context, rw kv.ReadWriter) error {
		for _, key := range expired {
			if err := rw.Delete(ctx, key); err != nil && !kvstore.IsNotExist(err) {
				return fmt.Errorf("delete %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}
