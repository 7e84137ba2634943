package infra

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// localBlobVersion は暗号文の先頭に付与するフォーマットバージョン。AADとしても認証される。
const localBlobVersion byte = 0x01

var hkdfInfoKeyRecord = []byte("pairlet.key_record.v1")

// ErrInvalidCiphertext は暗号文の形式が不正、または認証に失敗した場合のエラー。
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// LocalKMS はCloud KMSを使わない環境向けの鍵暗号化クライアント。
// マスターシークレットからHKDF-SHA256で導出した鍵でXChaCha20-Poly1305暗号化する。
//
// 暗号文のフォーマット: [version 1byte][nonce 24byte][ciphertext+tag]
type LocalKMS struct {
	key []byte
}

// NewLocalKMS はマスターシークレットから新しいLocalKMSを生成する。
func NewLocalKMS(secret []byte) (*LocalKMS, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("local KMS secret must be at least 16 bytes, got %d", len(secret))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoKeyRecord), key); err != nil {
		return nil, fmt.Errorf("deriving local KMS key: %w", err)
	}
	return &LocalKMS{key: key}, nil
}

// Encrypt は平文を暗号化する。
func (k *LocalKMS) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = localBlobVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, out[:1]), nil
}

// Decrypt は暗号文を復号する。
func (k *LocalKMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	if ciphertext[0] != localBlobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCiphertext, ciphertext[0])
	}

	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := ciphertext[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[1+chacha20poly1305.NonceSizeX:], ciphertext[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// Close は何もしない。
func (k *LocalKMS) Close() error {
	return nil
}
