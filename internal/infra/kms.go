package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pairlet-service/config"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrKMSIntegrity はCloud KMSとの通信でデータ破損を検出した場合のエラー。
var ErrKMSIntegrity = errors.New("KMS integrity check failed")

// KeyEncrypter は鍵素材の暗号化クライアント。
type KeyEncrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	Close() error
}

// NewKeyEncrypter は設定に応じてCloud KMSまたはLocalKMSを返す。
// KMS_KEY_NAME が優先され、なければ LOCAL_KMS_KEY を使う。
func NewKeyEncrypter(ctx context.Context, cfg *config.Config) (KeyEncrypter, error) {
	switch {
	case cfg.KMSKeyName != "":
		client, err := NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		return client, nil
	case cfg.LocalKMSKey != "":
		local, err := NewLocalKMS([]byte(cfg.LocalKMSKey))
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, fmt.Errorf("KMS_KEY_NAME or LOCAL_KMS_KEY environment variable is required")
	}
}

// KMSClient はCloud KMSクライアントをラップする。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は指定された鍵名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Encrypt は平文をCloud KMSで暗号化する。送受信データはCRC32Cで検証する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:            c.keyName,
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(crc32c(plaintext)),
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if !resp.VerifiedPlaintextCrc32C {
		return nil, fmt.Errorf("%w: plaintext corrupted in transit", ErrKMSIntegrity)
	}
	if resp.CiphertextCrc32C == nil || resp.CiphertextCrc32C.Value != crc32c(resp.Ciphertext) {
		return nil, fmt.Errorf("%w: ciphertext corrupted in transit", ErrKMSIntegrity)
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文をCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:             c.keyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(crc32c(ciphertext)),
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if resp.PlaintextCrc32C == nil || resp.PlaintextCrc32C.Value != crc32c(resp.Plaintext) {
		return nil, fmt.Errorf("%w: plaintext corrupted in transit", ErrKMSIntegrity)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}
