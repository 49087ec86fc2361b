package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/metadata"
)

type contextKey string

const (
	USER_PUBKEY_CONTEXT_KEY contextKey = "user_pubkey"

	// MaxClockSkew bounds how far a request time may drift from the server clock.
	MaxClockSkew = 10 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleRequest     = errors.New("request time outside the accepted window")
	ErrMissingApiKey    = errors.New("missing api key")
)

var SignedMsgPrefix = []byte("datamirror:")

// SignedRequest is a request carrying a signature over its own payload.
type SignedRequest interface {
	SignedPayload() string
	GetSignature() string
	GetRequestTime() int64
}

// ApiKeyMetadata formats an api key as the authorization metadata value.
func ApiKeyMetadata(apiKey string) string {
	return "Bearer " + apiKey
}

func checkApiKey(caCert *x509.Certificate, ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("could not read request metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ErrMissingApiKey
	}
	authHeader := values[0]
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	block, err := base64.StdEncoding.DecodeString(authHeader[7:])
	if err != nil {
		return fmt.Errorf("could not decode auth header: %w", err)
	}
	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)
	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %w", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(caCert) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}
	return nil
}

// Authenticate checks the api key when caCert is set, verifies the request
// signature and returns a context carrying the signer's public key.
func Authenticate(ctx context.Context, caCert *x509.Certificate, req SignedRequest) (context.Context, error) {
	if caCert != nil {
		if err := checkApiKey(caCert, ctx); err != nil {
			return nil, err
		}
	}

	skew := time.Since(time.Unix(req.GetRequestTime(), 0))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, ErrStaleRequest
	}

	pubkey, err := VerifyMessage([]byte(req.SignedPayload()), req.GetSignature())
	if err != nil {
		return nil, err
	}

	pubkeyBytes := pubkey.SerializeCompressed()
	return context.WithValue(ctx, USER_PUBKEY_CONTEXT_KEY, hex.EncodeToString(pubkeyBytes)), nil
}

// UserPubkey returns the public key stored by Authenticate.
func UserPubkey(ctx context.Context) (string, bool) {
	pubkey, ok := ctx.Value(USER_PUBKEY_CONTEXT_KEY).(string)
	return pubkey, ok
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte{}, SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	msg := append(append([]byte{}, SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key.
func ParsePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}
