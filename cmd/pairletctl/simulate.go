package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pairlet-service/config"
	"pairlet-service/internal/clock"
	"pairlet-service/internal/domain"
	"pairlet-service/internal/infra"
	"pairlet-service/internal/middleware"
	"pairlet-service/internal/repository"
	"pairlet-service/internal/usecase"
	"pairlet-service/internal/wire"
	"pairlet-service/migrations"
)

// simulationOptions は2台のデバイスによる鍵合意シミュレーションの設定。
type simulationOptions struct {
	DeviceA  string
	DeviceB  string
	DSN      string
	Secret   []byte
	Recover  bool
	Protocol domain.ProtocolConfig
	Start    time.Time
}

// simulationResult はシミュレーションの結果。
type simulationResult struct {
	DeviceA      string  `json:"device_a"`
	DeviceB      string  `json:"device_b"`
	Quality      float64 `json:"context_quality"`
	Generation   uint    `json:"generation"`
	KeysMatch    bool    `json:"keys_match"`
	Fingerprint  string  `json:"fingerprint"`
	Recovered    bool    `json:"recovered"`
	RecoveredGen uint    `json:"recovered_generation,omitempty"`
	RecoveryKeys bool    `json:"recovery_keys_match,omitempty"`
}

// simDevice はシミュレーション上の1台のデバイス。
type simDevice struct {
	id      string
	clock   *clock.Fake
	device  *usecase.Device
	service *usecase.KeyService
}

func simulateCmd() *cobra.Command {
	var opts simulationOptions
	var secretHex string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a co-presence key agreement between two simulated devices",
		Long: "Run two simulated devices side by side: collect sensor windows, exchange them as CBOR, " +
			"establish a shared context, rotate to a confirmed key and optionally recover after invalidation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			slog.SetDefault(infra.NewLogger(os.Stderr, cfg))

			opts.Protocol = config.LoadProtocol()
			opts.Start = time.Now().UTC()
			if secretHex != "" {
				secret, err := hex.DecodeString(secretHex)
				if err != nil {
					return fmt.Errorf("--secret must be hex: %w", err)
				}
				opts.Secret = secret
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := runSimulation(ctx, opts)
			if err != nil {
				return err
			}
			return printSimulation(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&opts.DeviceA, "device-a", "phone-a", "ID of the first device")
	cmd.Flags().StringVar(&opts.DeviceB, "device-b", "watch-b", "ID of the second device")
	cmd.Flags().StringVar(&opts.DSN, "database-url", ":memory:", "Database for key records")
	cmd.Flags().StringVar(&secretHex, "secret", "", "Hex local encryption secret (random if empty)")
	cmd.Flags().BoolVar(&opts.Recover, "recover", false, "Invalidate the agreed key and recover it with a fresh context")
	return cmd
}

// runSimulation は2台のデバイスで共存確認から鍵合意（と復旧）までを実行する。
func runSimulation(ctx context.Context, opts simulationOptions) (*simulationResult, error) {
	if opts.DeviceA == opts.DeviceB {
		return nil, fmt.Errorf("device IDs must differ")
	}
	if opts.Secret == nil {
		opts.Secret = make([]byte, 32)
		if _, err := rand.Read(opts.Secret); err != nil {
			return nil, fmt.Errorf("generating local secret: %w", err)
		}
	}

	db, err := infra.NewDB(opts.DSN, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	migrationService := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)
	if _, err := migrationService.ApplyMigrations(ctx); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	kms, err := infra.NewLocalKMS(opts.Secret)
	if err != nil {
		return nil, err
	}
	repo := repository.NewKeyRecordRepository(db)

	a := newSimDevice(opts.DeviceA, opts, repo, kms)
	b := newSimDevice(opts.DeviceB, opts, repo, kms)
	defer func() {
		_ = a.device.Validator().StopCollection()
		_ = b.device.Validator().StopCollection()
	}()

	scA, scB, err := establishPair(ctx, a, b)
	if err != nil {
		return nil, err
	}

	metaA, metaB, err := runPair(ctx, a, b, func(ctx context.Context, d *simDevice, sc *domain.SharedContext, peer usecase.PeerConfirmer) (*domain.KeyMetadata, error) {
		meta, _, err := d.service.RotateIfNeeded(ctx, sc, peer)
		return meta, err
	}, scA, scB, "ROTATE_KEY")
	if err != nil {
		return nil, err
	}
	if metaA == nil || metaB == nil {
		return nil, fmt.Errorf("%w: no key agreed", domain.ErrExchangeIncomplete)
	}

	match, fingerprint, err := compareActiveKeys(ctx, a, b)
	if err != nil {
		return nil, err
	}
	result := &simulationResult{
		DeviceA:     a.id,
		DeviceB:     b.id,
		Quality:     scA.Quality,
		Generation:  metaA.Generation,
		KeysMatch:   match,
		Fingerprint: fingerprint,
	}
	if !opts.Recover {
		return result, nil
	}

	if _, err := a.service.InvalidateKey(ctx, a.id, "simulated device compromise"); err != nil {
		middleware.WriteAuditLog(ctx, "INVALIDATE_KEY", a.id, metaA.Generation, middleware.ResultFailed)
		return nil, err
	}
	middleware.WriteAuditLog(ctx, "INVALIDATE_KEY", a.id, metaA.Generation, middleware.ResultSuccess)

	scA, scB, err = establishPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	recA, _, err := runPair(ctx, a, b, func(ctx context.Context, d *simDevice, sc *domain.SharedContext, peer usecase.PeerConfirmer) (*domain.KeyMetadata, error) {
		return d.service.RecoverKey(ctx, sc, peer)
	}, scA, scB, "RECOVER_KEY")
	if err != nil {
		return nil, err
	}

	recoveredMatch, _, err := compareActiveKeys(ctx, a, b)
	if err != nil {
		return nil, err
	}
	result.Recovered = true
	result.RecoveredGen = recA.Generation
	result.RecoveryKeys = recoveredMatch
	return result, nil
}

func newSimDevice(id string, opts simulationOptions, repo usecase.KeyRecordRepository, kms usecase.KMSClient) *simDevice {
	clk := clock.NewFake(opts.Start)
	device := usecase.NewDevice(id, opts.Protocol, clk)
	device.Validator().AddSensor(infra.NewAccelerometer(clk))
	device.Validator().AddSensor(infra.NewBarometer(clk))
	return &simDevice{
		id:      id,
		clock:   clk,
		device:  device,
		service: usecase.NewKeyService(device, repo, kms),
	}
}

// establishPair は両デバイスで測定ウィンドウを収集し、CBORで交換して共有コンテキストを確立する。
func establishPair(ctx context.Context, a, b *simDevice) (*domain.SharedContext, *domain.SharedContext, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range []*simDevice{a, b} {
		d := d
		g.Go(func() error {
			return d.device.Validator().StartCollection(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("collecting measurements: %w", err)
	}

	msgA, err := contextMessage(a)
	if err != nil {
		return nil, nil, err
	}
	msgB, err := contextMessage(b)
	if err != nil {
		return nil, nil, err
	}

	scA, err := receiveContext(ctx, a, msgB)
	if err != nil {
		return nil, nil, err
	}
	scB, err := receiveContext(ctx, b, msgA)
	if err != nil {
		return nil, nil, err
	}
	return scA, scB, nil
}

func contextMessage(d *simDevice) ([]byte, error) {
	windows := d.device.Validator().RecentWindows(d.device.Contexts.Config().RequiredWindows)
	data, err := wire.EncodeContext(wire.NewContextMessage(d.id, d.clock.Now(), windows, nil))
	if err != nil {
		return nil, fmt.Errorf("encoding context from %s: %w", d.id, err)
	}
	return data, nil
}

func receiveContext(ctx context.Context, d *simDevice, data []byte) (*domain.SharedContext, error) {
	msg, err := wire.DecodeContext(data)
	if err != nil {
		return nil, fmt.Errorf("decoding peer context on %s: %w", d.id, err)
	}
	slog.DebugContext(ctx, "peer context received",
		"operation", "receive_context",
		"device_id", d.id,
		"peer_id", msg.DeviceID,
		"windows", len(msg.Windows),
		"bytes", len(data),
	)
	return d.service.EstablishContext(ctx, msg.MeasurementWindows())
}

type pairStep func(ctx context.Context, d *simDevice, sc *domain.SharedContext, peer usecase.PeerConfirmer) (*domain.KeyMetadata, error)

// runPair は両デバイスで step を同時に実行し、確認ハッシュをパイプ経由で交換させる。
func runPair(ctx context.Context, a, b *simDevice, step pairStep, scA, scB *domain.SharedContext, operation string) (*domain.KeyMetadata, *domain.KeyMetadata, error) {
	endA, endB := wire.NewPipe(a.id, b.id)
	var metaA, metaB *domain.KeyMetadata

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		metaA, err = auditedStep(gctx, a, scA, endA, step, operation)
		return err
	})
	g.Go(func() error {
		var err error
		metaB, err = auditedStep(gctx, b, scB, endB, step, operation)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return metaA, metaB, nil
}

func auditedStep(ctx context.Context, d *simDevice, sc *domain.SharedContext, peer usecase.PeerConfirmer, step pairStep, operation string) (*domain.KeyMetadata, error) {
	meta, err := step(ctx, d, sc, peer)
	if err != nil {
		middleware.WriteAuditLog(ctx, operation, d.id, 0, middleware.ResultFailed)
		return nil, fmt.Errorf("%s on %s: %w", operation, d.id, err)
	}
	var generation uint
	if meta != nil {
		generation = meta.Generation
	}
	middleware.WriteAuditLog(ctx, operation, d.id, generation, middleware.ResultSuccess)
	return meta, nil
}

// compareActiveKeys は保存済みのアクティブ鍵を復号して比較し、一致すれば検証ハッシュの先頭を返す。
func compareActiveKeys(ctx context.Context, a, b *simDevice) (bool, string, error) {
	keyA, err := a.service.GetActiveKey(ctx, a.id)
	if err != nil {
		return false, "", fmt.Errorf("reading key of %s: %w", a.id, err)
	}
	keyB, err := b.service.GetActiveKey(ctx, b.id)
	if err != nil {
		return false, "", fmt.Errorf("reading key of %s: %w", b.id, err)
	}
	if !bytes.Equal(keyA.Key, keyB.Key) {
		return false, "", nil
	}

	active := a.device.Rotation.ActiveKey()
	if active == nil {
		return true, "", nil
	}
	fingerprint := hex.EncodeToString(active.Key.VerificationHash)
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return true, fingerprint, nil
}

func printSimulation(w io.Writer, r *simulationResult) error {
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "Shared context between %q and %q (quality: %.3f)\n", r.DeviceA, r.DeviceB, r.Quality)
	if !r.KeysMatch {
		fmt.Fprintf(w, "Generation %d: keys DO NOT match\n", r.Generation)
		return fmt.Errorf("%w: devices derived different keys", domain.ErrConfirmationMismatch)
	}
	fmt.Fprintf(w, "Generation %d agreed (fingerprint: %s)\n", r.Generation, r.Fingerprint)
	if r.Recovered {
		state := "match"
		if !r.RecoveryKeys {
			state = "DO NOT match"
		}
		fmt.Fprintf(w, "Recovered to generation %d, keys %s\n", r.RecoveredGen, state)
	}
	return nil
}
