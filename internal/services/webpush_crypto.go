package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// RFC 8188 record size used for the single-record aes128gcm body.
const webpushRecordSize = 4096

// webpushMaxPlaintext is the largest plaintext that fits one record after
// the padding delimiter and the AES-GCM tag.
const webpushMaxPlaintext = webpushRecordSize - 16 - 1

// encryptWebPush encrypts the plaintext for a subscription per RFC 8291
// (ECDH key agreement with the p256dh client key and the auth secret) and
// wraps it in the RFC 8188 aes128gcm framing, ephemeral public key in the
// header keyid field.
func encryptWebPush(p256dh, auth string, plaintext []byte) ([]byte, error) {
	if len(plaintext) > webpushMaxPlaintext {
		return nil, fmt.Errorf("webpush plaintext of %d bytes exceeds a single record", len(plaintext))
	}
	clientPublicBytes, err := decodeWebPushKey(p256dh)
	if err != nil {
		return nil, fmt.Errorf("invalid p256dh key: %w", err)
	}
	authSecret, err := decodeWebPushKey(auth)
	if err != nil {
		return nil, fmt.Errorf("invalid auth secret: %w", err)
	}
	clientPublic, err := ecdh.P256().NewPublicKey(clientPublicBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid p256dh key: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return encryptWebPushRecord(clientPublic, ephemeral, authSecret, salt, plaintext)
}

// encryptWebPushRecord is the deterministic core, split out so tests can fix
// the ephemeral key and salt.
func encryptWebPushRecord(clientPublic *ecdh.PublicKey, ephemeral *ecdh.PrivateKey, authSecret, salt, plaintext []byte) ([]byte, error) {
	shared, err := ephemeral.ECDH(clientPublic)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement failed: %w", err)
	}

	ephemeralPublic := ephemeral.PublicKey().Bytes()
	ikmInfo := append([]byte("WebPush: info\x00"), clientPublic.Bytes()...)
	ikmInfo = append(ikmInfo, ephemeralPublic...)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, authSecret, ikmInfo), ikm); err != nil {
		return nil, err
	}

	key := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: aes128gcm\x00")), key); err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Single (and therefore last) record: plaintext, the 0x02 delimiter, no
	// padding.
	record := make([]byte, 0, len(plaintext)+1)
	record = append(record, plaintext...)
	record = append(record, 0x02)

	header := make([]byte, 0, 16+4+1+len(ephemeralPublic))
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, webpushRecordSize)
	header = append(header, byte(len(ephemeralPublic)))
	header = append(header, ephemeralPublic...)

	return aead.Seal(header, nonce, record, nil), nil
}

// decodeWebPushKey decodes subscription key material, accepting both the
// url-safe and standard base64 alphabets, padded or not.
func decodeWebPushKey(value string) ([]byte, error) {
	trimmed := strings.TrimRight(value, "=")
	if decoded, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}
