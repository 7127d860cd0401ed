package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// web4msg crypto suite
//
// - Ed25519 signing identity, X25519 encryption identity
// - pairwise secret: HKDF-SHA3-256 over X25519, sorted public keys as salt
// - XChaCha20-Poly1305 with random 24-byte nonces
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24

	domainPrefix = "web4msg:"
	labelPair    = "web4msg:pair:v1"
)

var ErrDecrypt = errors.New("decrypt failed")

// -----------------------------------------------------------------------------
// SHA-3 / HKDF
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

func Extract(salt, ikm []byte) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, errors.New("empty key material")
	}
	return hkdf.Extract(sha3.New256, ikm, salt), nil
}

func Expand(prk, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha3.New256, prk, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveKeyE derives n bytes from ikm under a web4msg-scoped context.
func DeriveKeyE(ikm []byte, context string, n int) ([]byte, error) {
	if !strings.HasPrefix(context, domainPrefix) {
		return nil, fmt.Errorf("context %q outside %s domain", context, domainPrefix)
	}
	prk, err := Extract(nil, ikm)
	if err != nil {
		return nil, err
	}
	return Expand(prk, []byte(context), n)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// Encrypt seals plaintext under secret and returns base64(nonce||ct).
func Encrypt(plaintext, secret []byte) (string, error) {
	return EncryptAAD(plaintext, secret, nil)
}

func EncryptAAD(plaintext, secret, aad []byte) (string, error) {
	nonce, ct, err := XSeal(secret, plaintext, aad)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(nonce)+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt reverses Encrypt. Any malformed input or authentication
// failure yields ErrDecrypt.
func Decrypt(ciphertext string, secret []byte) ([]byte, error) {
	return DecryptAAD(ciphertext, secret, nil)
}

func DecryptAAD(ciphertext string, secret, aad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < XNonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecrypt
	}
	pt, err := XOpen(secret, raw[:XNonceSize], raw[XNonceSize:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// -----------------------------------------------------------------------------
// Identity keypair
// -----------------------------------------------------------------------------

// Keypair is a signing identity plus an encryption identity.
type Keypair struct {
	Pub   ed25519.PublicKey
	Priv  ed25519.PrivateKey
	EPub  []byte
	EPriv []byte
}

func (k *Keypair) String() string   { return "Keypair{" + k.ID() + "}" }
func (k *Keypair) GoString() string { return "crypto.Keypair{REDACTED}" }

// ID is the public identity string: base64url of the signing key.
func (k *Keypair) ID() string {
	return EncodeKey(k.Pub)
}

// EncryptionKey is the base64url form of the X25519 public key.
func (k *Keypair) EncryptionKey() string {
	return EncodeKey(k.EPub)
}

func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	epriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		Pub:   pub,
		Priv:  priv,
		EPub:  epriv.PublicKey().Bytes(),
		EPriv: epriv.Bytes(),
	}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// DeriveSharedSecret returns the 32-byte symmetric key both parties
// compute from their own keypair and the other's encryption key.
func DeriveSharedSecret(otherEPub []byte, own *Keypair) ([]byte, error) {
	if own == nil {
		return nil, errors.New("missing own keypair")
	}
	ss, err := X25519Shared(own.EPriv, otherEPub)
	if err != nil {
		return nil, err
	}
	lo, hi := own.EPub, otherEPub
	if string(lo) > string(hi) {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(salt, lo...)
	salt = append(salt, hi...)
	prk, err := Extract(salt, ss)
	if err != nil {
		return nil, err
	}
	return Expand(prk, []byte(labelPair), XKeySize)
}

// SelfSecret is the key a party uses to seal data only it can open.
func SelfSecret(own *Keypair) ([]byte, error) {
	return DeriveSharedSecret(own.EPub, own)
}

func RandomKey() ([]byte, error) {
	k := make([]byte, XKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

func Sign(k *Keypair, msg []byte) []byte {
	return ed25519.Sign(k.Priv, msg)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

const keyFile = "identity.json"

type keyFileV1 struct {
	Pub   string `json:"pub"`
	Priv  string `json:"priv"`
	EPub  string `json:"epub"`
	EPriv string `json:"epriv"`
}

func SaveKeypair(dir string, k *Keypair) error {
	if k == nil || len(k.Priv) == 0 || len(k.EPriv) == 0 {
		return errors.New("empty key")
	}
	data, err := json.Marshal(keyFileV1{
		Pub:   hex.EncodeToString(k.Pub),
		Priv:  hex.EncodeToString(k.Priv),
		EPub:  hex.EncodeToString(k.EPub),
		EPriv: hex.EncodeToString(k.EPriv),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, keyFile), data, 0600)
}

func LoadKeypair(dir string) (*Keypair, error) {
	data, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	var f keyFileV1
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bad %s: %w", keyFile, err)
	}
	var k Keypair
	for _, p := range []struct {
		dst *[]byte
		src string
	}{
		{(*[]byte)(&k.Pub), f.Pub},
		{(*[]byte)(&k.Priv), f.Priv},
		{&k.EPub, f.EPub},
		{&k.EPriv, f.EPriv},
	} {
		b, err := hex.DecodeString(p.src)
		if err != nil {
			return nil, fmt.Errorf("bad %s", keyFile)
		}
		*p.dst = b
	}
	if len(k.Pub) != ed25519.PublicKeySize || len(k.Priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad %s: signing key size", keyFile)
	}
	return &k, nil
}

// LoadOrCreate loads the keypair in dir, generating one on first use.
func LoadOrCreate(dir string) (*Keypair, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	k, err := LoadKeypair(dir)
	if err == nil {
		return k, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	k, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeypair(dir, k); err != nil {
		return nil, err
	}
	return k, nil
}
