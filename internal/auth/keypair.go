package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehrlich-b/opclaw/internal/logger"
	"golang.org/x/crypto/nacl/sign"
)

// DeviceIdentity is the long-lived signing identity of this installation.
// DeviceID is always the hex SHA-256 of PublicKey.
type DeviceIdentity struct {
	DeviceID   string
	PublicKey  [32]byte
	PrivateKey [64]byte
}

// storedIdentity is the persisted form; keys are base64url without padding.
type storedIdentity struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// PublicKeyString returns the public key in wire encoding.
func (id DeviceIdentity) PublicKeyString() string {
	return EncodeBase64URL(id.PublicKey[:])
}

// DeriveDeviceID returns the device id for a public key.
func DeriveDeviceID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// EncodeBase64URL is URL-safe base64 without padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL accepts URL-safe base64 with or without padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// LoadOrCreateIdentity returns the persisted identity, generating and saving a
// fresh one when nothing well-formed is stored. Storage failures are logged and
// the identity is still returned for in-memory use.
func LoadOrCreateIdentity(storage Storage) DeviceIdentity {
	if storage != nil {
		raw, ok, err := storage.Get(IdentityKey)
		switch {
		case err != nil:
			logger.Warn("load device identity", "err", err)
		case ok:
			id, err := parseIdentity(raw)
			if err == nil {
				return id
			}
			logger.Warn("discarding stored device identity", "err", err)
		}
	}

	id := generateIdentity()
	if storage != nil {
		if err := saveIdentity(storage, id); err != nil {
			logger.Warn("save device identity", "err", err)
		}
	}
	logger.Info("generated device identity", "device_id", id.DeviceID)
	return id
}

// LoadIdentity returns the persisted identity without creating one.
func LoadIdentity(storage Storage) (DeviceIdentity, bool) {
	if storage == nil {
		return DeviceIdentity{}, false
	}
	raw, ok, err := storage.Get(IdentityKey)
	if err != nil || !ok {
		return DeviceIdentity{}, false
	}
	id, err := parseIdentity(raw)
	return id, err == nil
}

// ResetIdentity discards any stored identity and generates a new one.
func ResetIdentity(storage Storage) DeviceIdentity {
	if storage != nil {
		if err := storage.Remove(IdentityKey); err != nil {
			logger.Warn("remove device identity", "err", err)
		}
	}
	return LoadOrCreateIdentity(storage)
}

func generateIdentity() DeviceIdentity {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("generate device key: %v", err))
	}
	return DeviceIdentity{
		DeviceID:   DeriveDeviceID(pub[:]),
		PublicKey:  *pub,
		PrivateKey: *priv,
	}
}

func saveIdentity(storage Storage, id DeviceIdentity) error {
	data, err := json.Marshal(storedIdentity{
		DeviceID:   id.DeviceID,
		PublicKey:  EncodeBase64URL(id.PublicKey[:]),
		PrivateKey: EncodeBase64URL(id.PrivateKey[:]),
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return storage.Set(IdentityKey, string(data))
}

func parseIdentity(raw string) (DeviceIdentity, error) {
	var s storedIdentity
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return DeviceIdentity{}, fmt.Errorf("parse identity: %w", err)
	}
	if s.DeviceID == "" || s.PublicKey == "" || s.PrivateKey == "" {
		return DeviceIdentity{}, fmt.Errorf("identity missing fields")
	}
	pub, err := DecodeBase64URL(s.PublicKey)
	if err != nil || len(pub) != 32 {
		return DeviceIdentity{}, fmt.Errorf("bad public key")
	}
	priv, err := DecodeBase64URL(s.PrivateKey)
	if err != nil || len(priv) != 64 {
		return DeviceIdentity{}, fmt.Errorf("bad private key")
	}
	if !bytes.Equal(priv[32:], pub) {
		return DeviceIdentity{}, fmt.Errorf("private key does not match public key")
	}
	if DeriveDeviceID(pub) != s.DeviceID {
		return DeviceIdentity{}, fmt.Errorf("device id does not match public key")
	}

	var id DeviceIdentity
	id.DeviceID = s.DeviceID
	copy(id.PublicKey[:], pub)
	copy(id.PrivateKey[:], priv)
	return id, nil
}
