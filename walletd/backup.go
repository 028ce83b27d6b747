package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	backupEnvelopeVersion = 1
	latestBackupName      = "latest.cbor"
)

var backupAAD = []byte("walletd-backup-v1")

// Snapshotter is the store's export/import surface.
type Snapshotter interface {
	Export() ([]byte, error)
	Import(data []byte) error
}

type kmsAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// backupEnvelope is what lands in S3: the snapshot sealed under a data key
// that only KMS can unwrap.
type backupEnvelope struct {
	Version      int    `cbor:"1,keyasint"`
	KMSKeyID     string `cbor:"2,keyasint"`
	EncryptedKey []byte `cbor:"3,keyasint"`
	Ciphertext   []byte `cbor:"4,keyasint"`
	CreatedAt    int64  `cbor:"5,keyasint"`
}

// BackupSync uploads encrypted store snapshots to S3.
type BackupSync struct {
	kms      kmsAPI
	s3       s3API
	bucket   string
	prefix   string
	keyID    string
	interval time.Duration
	store    Snapshotter
}

// NewBackupSync loads AWS configuration for cfg.Region.
func NewBackupSync(ctx context.Context, cfg BackupConfig, store Snapshotter) (*BackupSync, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newBackupSync(kms.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), cfg, store), nil
}

func newBackupSync(k kmsAPI, s s3API, cfg BackupConfig, store Snapshotter) *BackupSync {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return &BackupSync{
		kms:      k,
		s3:       s,
		bucket:   cfg.Bucket,
		prefix:   cfg.KeyPrefix,
		keyID:    cfg.KMSKeyID,
		interval: interval,
		store:    store,
	}
}

// Backup uploads one snapshot and returns its object key. The newest
// snapshot is also written as latest.cbor.
func (b *BackupSync) Backup(ctx context.Context) (string, error) {
	snapshot, err := b.store.Export()
	if err != nil {
		return "", err
	}

	dk, err := b.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(b.keyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return "", fmt.Errorf("KMS generate data key failed: %w", err)
	}
	defer clear(dk.Plaintext)

	ciphertext, err := sealSnapshot(dk.Plaintext, snapshot)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	env, err := cbor.Marshal(backupEnvelope{
		Version:      backupEnvelopeVersion,
		KMSKeyID:     b.keyID,
		EncryptedKey: dk.CiphertextBlob,
		Ciphertext:   ciphertext,
		CreatedAt:    now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode backup: %w", err)
	}

	key := b.prefix + "snapshots/" + now.Format("20060102T150405Z") + ".cbor"
	for _, k := range []string{key, b.prefix + latestBackupName} {
		if err := b.put(ctx, k, env); err != nil {
			return "", err
		}
	}

	log.Info().
		Str("bucket", b.bucket).
		Str("key", key).
		Int("size", len(env)).
		Msg("Backup uploaded")
	return key, nil
}

// Restore downloads the snapshot at key (latest when empty), decrypts it
// and replaces the store contents.
func (b *BackupSync) Restore(ctx context.Context, key string) error {
	if key == "" {
		key = b.prefix + latestBackupName
	}

	data, err := b.get(ctx, key)
	if err != nil {
		return err
	}

	var env backupEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode backup: %w", err)
	}
	if env.Version != backupEnvelopeVersion {
		return fmt.Errorf("unsupported backup version %d", env.Version)
	}

	out, err := b.kms.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(env.KMSKeyID),
		CiphertextBlob: env.EncryptedKey,
	})
	if err != nil {
		return fmt.Errorf("KMS decrypt failed: %w", err)
	}
	defer clear(out.Plaintext)

	snapshot, err := openSnapshot(out.Plaintext, env.Ciphertext)
	if err != nil {
		return err
	}
	if err := b.store.Import(snapshot); err != nil {
		return err
	}

	log.Info().
		Str("bucket", b.bucket).
		Str("key", key).
		Time("created_at", time.Unix(env.CreatedAt, 0)).
		Msg("Backup restored")
	return nil
}

// Run uploads a snapshot every interval until ctx is done.
func (b *BackupSync) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Backup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Scheduled backup failed")
			}
		}
	}
}

func (b *BackupSync) put(ctx context.Context, key string, data []byte) error {
	_, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

func (b *BackupSync) get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

// sealSnapshot encrypts with XChaCha20-Poly1305, nonce prepended.
func sealSnapshot(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, backupAAD), nil
}

func openSnapshot(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], backupAAD)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt backup: %w", err)
	}
	return plaintext, nil
}
