// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

// Package protocol implements the device-to-cloud transport stack: RSA/AES
// primitives, length-prefixed framing, the chained-IV cipher pipeline, and the
// CoAP packet codec spoken on the encrypted stream.
package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

const (
	// DeviceKeyBits is the RSA modulus size of a device keypair.
	DeviceKeyBits = 1024
)

var (
	errNotRSAKey   = errors.New("protocol: PEM block does not contain an RSA key")
	errBadPadding  = errors.New("protocol: invalid PKCS#7 padding")
	errShortCipher = errors.New("protocol: ciphertext shorter than one block")
)

// GenerateDeviceKey mints a fresh 1024-bit device keypair with the standard
// public exponent.
func GenerateDeviceKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, DeviceKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey parses a PKCS#1 RSA private key PEM.
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("protocol: no PEM block in private key data")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#1 private key: %w", err)
	}
	return key, nil
}

// LoadPublicKey parses a PKCS#8 (PKIX) RSA public key PEM, e.g. the cloud
// server's key file.
func LoadPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("protocol: no PEM block in public key data")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSAKey
	}
	return rsaPub, nil
}

// MarshalPrivateKeyPEM encodes a private key as PKCS#1 PEM, the on-disk format
// of the device key store.
func MarshalPrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// MarshalPublicKeyPEM encodes a public key as PKCS#8 PEM for out-of-band
// device claiming.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPublicKeyDER encodes a public key as raw PKCS#8 DER bytes, the form
// carried inside the handshake payload.
func MarshalPublicKeyDER(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKeyDER reverses MarshalPublicKeyDER.
func ParsePublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key DER: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSAKey
	}
	return rsaPub, nil
}

// EncryptPublic is RSA PKCS#1 v1.5 encryption under a public key.
func EncryptPublic(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
}

// DecryptPrivate reverses EncryptPublic with the matching private key.
func DecryptPrivate(key *rsa.PrivateKey, ct []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(nil, key, ct)
}

// DecryptPublic recovers the payload of a raw private-key "signature": the
// server encrypts a digest with its private key and the device undoes it with
// the server public key. crypto/rsa has no primitive for this direction, so
// the exponentiation and PKCS#1 v1.5 type-01 unpadding are done here.
func DecryptPublic(pub *rsa.PublicKey, sig []byte) ([]byte, error) {
	k := pub.Size()
	if len(sig) != k {
		return nil, fmt.Errorf("protocol: signature length %d, want %d", len(sig), k)
	}
	c := new(big.Int).SetBytes(sig)
	if c.Cmp(pub.N) >= 0 {
		return nil, errors.New("protocol: signature out of range")
	}
	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)
	em := m.FillBytes(make([]byte, k))

	// EM = 0x00 || 0x01 || PS (0xff...) || 0x00 || payload
	if em[0] != 0x00 || em[1] != 0x01 {
		return nil, errors.New("protocol: bad signature padding header")
	}
	idx := -1
	for i := 2; i < len(em); i++ {
		if em[i] == 0x00 {
			idx = i
			break
		}
		if em[i] != 0xff {
			return nil, errors.New("protocol: bad signature padding byte")
		}
	}
	if idx < 10 {
		return nil, errors.New("protocol: signature padding too short")
	}
	return em[idx+1:], nil
}

// HMACSHA1 computes the 20-byte HMAC-SHA1 of data under key.
func HMACSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual is a constant-time digest comparison.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AESEncryptCBC is a one-shot AES-128-CBC encryption with PKCS#7 padding. A
// fresh cipher is constructed per call; the caller owns IV chaining.
func AESEncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AESDecryptCBC is the one-shot inverse: decrypt then strip and verify the
// PKCS#7 padding.
func AESDecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errShortCipher
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-n], nil
}
