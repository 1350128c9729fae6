// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

// Package device implements the virtual device: its identity, the session
// state machine that speaks the cloud protocol, and the fleet that drives
// many sessions at once.
package device

import (
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/particle-tools/collider/internal/protocol"
)

// DeviceIDLen is the wire size of a device identifier.
const DeviceIDLen = 12

// Identity is a device id plus its RSA keypair. Immutable after creation; the
// private key is persisted so the same identity reconnects across runs.
type Identity struct {
	id  [DeviceIDLen]byte
	key *rsa.PrivateKey
}

// NewIdentity mints a fresh identity with a random id.
func NewIdentity() (*Identity, error) {
	idBytes, err := protocol.RandomBytes(DeviceIDLen)
	if err != nil {
		return nil, err
	}
	key, err := protocol.GenerateDeviceKey()
	if err != nil {
		return nil, err
	}
	ident := &Identity{key: key}
	copy(ident.id[:], idBytes)
	return ident, nil
}

// LoadOrCreateIdentity returns the identity for idHex, reading its key from
// keysDir when present and minting + persisting one when not. An empty idHex
// creates a brand-new identity.
func LoadOrCreateIdentity(keysDir, idHex string) (*Identity, error) {
	if idHex == "" {
		ident, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		return ident, ident.save(keysDir)
	}

	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != DeviceIDLen {
		return nil, fmt.Errorf("device: invalid device id %q", idHex)
	}
	ident := &Identity{}
	copy(ident.id[:], raw)

	keyPath := filepath.Join(keysDir, ident.IDHex()+".pem")
	pemBytes, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		if ident.key, err = protocol.GenerateDeviceKey(); err != nil {
			return nil, err
		}
		return ident, ident.save(keysDir)
	}
	if err != nil {
		return nil, err
	}
	if ident.key, err = protocol.LoadPrivateKey(pemBytes); err != nil {
		return nil, fmt.Errorf("device: key file %s: %w", keyPath, err)
	}
	return ident, nil
}

func (i *Identity) save(keysDir string) error {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(keysDir, i.IDHex()+".pem")
	return os.WriteFile(path, protocol.MarshalPrivateKeyPEM(i.key), 0o600)
}

// ID returns the raw 12-byte identifier.
func (i *Identity) ID() [DeviceIDLen]byte { return i.id }

// IDHex renders the id the way the cloud APIs expect it: 24 lowercase hex
// characters.
func (i *Identity) IDHex() string { return hex.EncodeToString(i.id[:]) }

// PrivateKey exposes the keypair for the handshake.
func (i *Identity) PrivateKey() *rsa.PrivateKey { return i.key }

// PublicKeyPEM returns the PKCS#8 public PEM used for out-of-band claiming.
func (i *Identity) PublicKeyPEM() (string, error) {
	pemBytes, err := protocol.MarshalPublicKeyPEM(&i.key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pemBytes), nil
}

// PublicKeyDER returns the raw PKCS#8 DER bytes carried in the handshake.
func (i *Identity) PublicKeyDER() ([]byte, error) {
	return protocol.MarshalPublicKeyDER(&i.key.PublicKey)
}
