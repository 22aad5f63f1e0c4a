package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JWTConfig holds token issuing and validation settings.
type JWTConfig struct {
	Algorithm     string        // HS256, RS256 (validation only)
	Secret        string        // HMAC secret
	PublicKeyFile string        // RSA public key file
	Issuer        string        // Optional issuer claim
	Subject       string        // Subject of issued tokens, usually the worker id
	TTL           time.Duration // Lifetime of issued tokens
}

// JWTValidator validates bearer tokens on inbound requests.
type JWTValidator struct {
	algorithm string
	hmacKey   []byte
	rsaPubKey *rsa.PublicKey
	issuer    string
	now       func() time.Time
}

// NewJWTValidator creates a validator for cfg.
func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	v := &JWTValidator{
		algorithm: cfg.Algorithm,
		issuer:    cfg.Issuer,
		now:       time.Now,
	}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("JWT secret required for HS256")
		}
		v.hmacKey = []byte(cfg.Secret)

	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("public key file required for RS256")
		}
		pubKey, err := loadRSAPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
		v.rsaPubKey = pubKey

	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return v, nil
}

// Validate implements transport.TokenValidator.
func (v *JWTValidator) Validate(token string) error {
	if token == "" {
		return fmt.Errorf("missing token")
	}
	_, err := v.claims(token)
	return err
}

func (v *JWTValidator) claims(tokenStr string) (map[string]any, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}
	headerB64, payloadB64, signatureB64 := parts[0], parts[1], parts[2]

	headerBytes, err := base64URLDecode(headerB64)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if header.Alg != v.algorithm {
		return nil, fmt.Errorf("algorithm mismatch: expected %s, got %s", v.algorithm, header.Alg)
	}

	signature, err := base64URLDecode(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if err := v.verifySignature(headerB64+"."+payloadB64, signature); err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}

	payloadBytes, err := base64URLDecode(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	now := v.now().Unix()
	if exp, ok := claims["exp"].(float64); ok && int64(exp) < now {
		return nil, fmt.Errorf("token expired")
	}
	if nbf, ok := claims["nbf"].(float64); ok && int64(nbf) > now {
		return nil, fmt.Errorf("token not yet valid")
	}
	if v.issuer != "" {
		iss, ok := claims["iss"].(string)
		if !ok {
			return nil, fmt.Errorf("missing issuer claim")
		}
		if iss != v.issuer {
			return nil, fmt.Errorf("issuer mismatch")
		}
	}
	return claims, nil
}

func (v *JWTValidator) verifySignature(input string, signature []byte) error {
	switch v.algorithm {
	case "HS256":
		if !hmac.Equal(signature, signHS256(v.hmacKey, input)) {
			return fmt.Errorf("invalid signature")
		}
		return nil
	case "RS256":
		hashed := sha256.Sum256([]byte(input))
		return rsa.VerifyPKCS1v15(v.rsaPubKey, crypto.SHA256, hashed[:], signature)
	default:
		return fmt.Errorf("unsupported algorithm")
	}
}

// HMACIssuer mints short-lived HS256 tokens for outbound calls.
type HMACIssuer struct {
	key     []byte
	issuer  string
	subject string
	ttl     time.Duration
}

// NewHMACIssuer creates an issuer. The TTL defaults to 15 minutes.
func NewHMACIssuer(cfg JWTConfig) (*HMACIssuer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("JWT secret required for HS256")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &HMACIssuer{key: []byte(cfg.Secret), issuer: cfg.Issuer, subject: cfg.Subject, ttl: ttl}, nil
}

// Issue implements Issuer.
func (i *HMACIssuer) Issue(_ context.Context, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(i.ttl)
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims := map[string]any{
		"sub": i.subject,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.New().String(),
	}
	if i.issuer != "" {
		claims["iss"] = i.issuer
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}

	input := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	token := input + "." + base64.RawURLEncoding.EncodeToString(signHS256(i.key, input))
	return token, expiresAt, nil
}

func signHS256(key []byte, input string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

// base64URLDecode decodes base64url encoded string
func base64URLDecode(s string) ([]byte, error) {
	// Add padding if needed
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}

// loadRSAPublicKey loads an RSA public key from a PEM file
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPub, nil
}
