// Package auth signs and verifies vault API requests with EIP-712 typed data,
// so the caller identity is the Ethereum address that produced the signature.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	HeaderAddress   = "X-Vault-Address"
	HeaderTimestamp = "X-Vault-Timestamp"
	HeaderSignature = "X-Vault-Signature"
)

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrBadSignature     = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match address")
	ErrStaleTimestamp   = errors.New("request timestamp outside allowed window")
	ErrInvalidTimestamp = errors.New("invalid request timestamp")
	ErrReplayed         = errors.New("request already used")
	ErrNonceUnavailable = errors.New("replay check unavailable")
)

// Domain separates vault signatures from any other typed data the same key
// may sign.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

func DefaultDomain(program common.Address) Domain {
	return Domain{Name: "Strategy Vault", Version: "1", ChainID: 1, VerifyingContract: program}
}

var requestTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"VaultRequest": []apitypes.Type{
		{Name: "method", Type: "string"},
		{Name: "path", Type: "string"},
		{Name: "bodyHash", Type: "bytes32"},
		{Name: "timestamp", Type: "uint256"},
	},
}

// RequestDigest is the EIP-712 digest of one HTTP request.
func RequestDigest(d Domain, method, path string, body []byte, timestamp int64) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       requestTypes,
		PrimaryType: "VaultRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"method":    strings.ToUpper(method),
			"path":      path,
			"bodyHash":  hexutil.Encode(crypto.Keccak256(body)),
			"timestamp": strconv.FormatInt(timestamp, 10),
		},
	}

	hash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, hash), nil
}

// Sign returns a 0x-prefixed 65-byte signature with V in {27, 28}.
func Sign(digest []byte, key *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}

// Recover returns the address that produced sig over digest.
func Recover(digest []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignRequest sets the signature headers on req. body must be the exact bytes
// sent as the request body. The timestamp is in unix milliseconds.
func SignRequest(req *http.Request, body []byte, key *ecdsa.PrivateKey, d Domain, now time.Time) error {
	ts := now.UnixMilli()
	digest, err := RequestDigest(d, req.Method, req.URL.Path, body, ts)
	if err != nil {
		return err
	}
	sig, err := Sign(digest, key)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// Verifier checks signed requests against a domain and a clock skew window.
// With Nonces set, each signed request is accepted once.
type Verifier struct {
	Domain  Domain
	MaxSkew time.Duration
	Now     func() time.Time
	Nonces  NonceStore
}

// Verify returns the caller address of a signed request.
func (v *Verifier) Verify(req *http.Request, body []byte) (common.Address, error) {
	addrHex := req.Header.Get(HeaderAddress)
	tsRaw := req.Header.Get(HeaderTimestamp)
	sig := req.Header.Get(HeaderSignature)
	if addrHex == "" || tsRaw == "" || sig == "" {
		return common.Address{}, ErrMissingHeaders
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, ErrSignerMismatch
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, ErrInvalidTimestamp
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if skew := now().Sub(time.UnixMilli(ts)); skew > v.MaxSkew || skew < -v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	digest, err := RequestDigest(v.Domain, req.Method, req.URL.Path, body, ts)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := Recover(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != common.HexToAddress(addrHex) {
		return common.Address{}, ErrSignerMismatch
	}
	if v.Nonces != nil {
		// A timestamp at the far edge of the window stays acceptable for 2*MaxSkew.
		fresh, err := v.Nonces.Claim(req.Context(), NonceKey(signer, digest), 2*v.MaxSkew)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %v", ErrNonceUnavailable, err)
		}
		if !fresh {
			return common.Address{}, ErrReplayed
		}
	}
	return signer, nil
}

// NonceKey identifies one signed request by its digest; a signature has more
// than one valid encoding.
func NonceKey(signer common.Address, digest []byte) string {
	return signer.Hex() + ":" + hex.EncodeToString(digest)
}
