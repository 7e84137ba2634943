package repository

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"pairlet-service/internal/domain"
	"pairlet-service/migrations"
)

// setupTestDB はmigrationsのSQLを適用したインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// インメモリDBは接続ごとに別のDBになるため、トランザクションも同じ接続を使わせる
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	sort.Strings(files)
	for _, name := range files {
		sqlBytes, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		if err := db.Exec(string(sqlBytes)).Error; err != nil {
			t.Fatalf("failed to apply %s: %v", name, err)
		}
	}
	return db
}

var repoEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func storedRecord(deviceID string, generation uint, status domain.KeyStatus) *domain.StoredKeyRecord {
	return &domain.StoredKeyRecord{
		DeviceID:         deviceID,
		Generation:       generation,
		EncryptedKey:     []byte("encrypted-key"),
		VerificationHash: []byte("hash"),
		Quality:          0.92,
		Status:           status,
		GeneratedAt:      repoEpoch,
		ActivatedAt:      repoEpoch.Add(time.Duration(generation) * time.Minute),
	}
}

func seed(t *testing.T, repo *KeyRecordRepository, records ...*domain.StoredKeyRecord) {
	t.Helper()
	for _, rec := range records {
		if err := repo.Create(context.Background(), rec); err != nil {
			t.Fatalf("failed to seed generation %d: %v", rec.Generation, err)
		}
	}
}

func TestKeyRecordRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRecordRepository(db)

	rec := storedRecord("device-1", 1, domain.KeyStatusActive)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if rec.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	var count int64
	if err := db.Model(&KeyRecordModel{}).Where("device_id = ?", "device-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestKeyRecordRepository_Create_KeepsGivenID(t *testing.T) {
	repo := NewKeyRecordRepository(setupTestDB(t))

	rec := storedRecord("device-1", 1, domain.KeyStatusActive)
	rec.ID = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID != "1b4e28ba-2fa1-11d2-883f-0016d3cca427" {
		t.Errorf("expected given ID to be kept, got %s", rec.ID)
	}
}

func TestKeyRecordRepository_Create_DuplicateGeneration(t *testing.T) {
	repo := NewKeyRecordRepository(setupTestDB(t))
	seed(t, repo, storedRecord("device-1", 1, domain.KeyStatusActive))

	if err := repo.Create(context.Background(), storedRecord("device-1", 1, domain.KeyStatusActive)); err == nil {
		t.Error("expected unique constraint error, got nil")
	}
}

func TestKeyRecordRepository_FindByDeviceIDAndGeneration(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))
	seed(t, repo, storedRecord("device-1", 1, domain.KeyStatusActive))

	rec, err := repo.FindByDeviceIDAndGeneration(ctx, "device-1", 1)
	if err != nil {
		t.Fatalf("FindByDeviceIDAndGeneration failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.Quality != 0.92 || string(rec.VerificationHash) != "hash" {
		t.Errorf("expected stored quality and hash, got %v %q", rec.Quality, rec.VerificationHash)
	}
	if !rec.ActivatedAt.Equal(repoEpoch.Add(time.Minute)) {
		t.Errorf("expected activated_at %v, got %v", repoEpoch.Add(time.Minute), rec.ActivatedAt)
	}

	rec, err = repo.FindByDeviceIDAndGeneration(ctx, "device-2", 1)
	if err != nil {
		t.Fatalf("FindByDeviceIDAndGeneration failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}
}

func TestKeyRecordRepository_FindActiveByDeviceID(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))
	seed(t, repo,
		storedRecord("device-1", 1, domain.KeyStatusExpired),
		storedRecord("device-1", 2, domain.KeyStatusActive),
		storedRecord("device-1", 3, domain.KeyStatusInvalidated),
	)

	rec, err := repo.FindActiveByDeviceID(ctx, "device-1")
	if err != nil {
		t.Fatalf("FindActiveByDeviceID failed: %v", err)
	}
	if rec == nil || rec.Generation != 2 {
		t.Fatalf("expected generation 2, got %+v", rec)
	}

	rec, err = repo.FindActiveByDeviceID(ctx, "device-2")
	if err != nil {
		t.Fatalf("FindActiveByDeviceID failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}
}

func TestKeyRecordRepository_FindAllByDeviceID(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))
	seed(t, repo,
		storedRecord("device-1", 1, domain.KeyStatusExpired),
		storedRecord("device-1", 2, domain.KeyStatusActive),
		storedRecord("device-2", 1, domain.KeyStatusActive),
	)

	records, err := repo.FindAllByDeviceID(ctx, "device-1")
	if err != nil {
		t.Fatalf("FindAllByDeviceID failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Generation != 2 || records[1].Generation != 1 {
		t.Errorf("expected newest first, got %d then %d", records[0].Generation, records[1].Generation)
	}
}

func TestKeyRecordRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))
	rec := storedRecord("device-1", 1, domain.KeyStatusActive)
	seed(t, repo, rec)

	at := repoEpoch.Add(time.Hour)
	if err := repo.UpdateStatus(ctx, rec.ID, domain.KeyStatusInvalidated, at, "device lost"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := repo.FindByDeviceIDAndGeneration(ctx, "device-1", 1)
	if err != nil {
		t.Fatalf("FindByDeviceIDAndGeneration failed: %v", err)
	}
	if got.Status != domain.KeyStatusInvalidated {
		t.Errorf("expected status invalidated, got %s", got.Status)
	}
	if got.DeactivatedAt == nil || !got.DeactivatedAt.Equal(at) {
		t.Errorf("expected deactivated_at %v, got %v", at, got.DeactivatedAt)
	}
	if got.DeactivationReason != "device lost" {
		t.Errorf("expected reason device lost, got %q", got.DeactivationReason)
	}

	err = repo.UpdateStatus(ctx, "missing-id", domain.KeyStatusExpired, at, "")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRecordRepository_ReplaceActive(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))

	first := storedRecord("device-1", 1, domain.KeyStatusActive)
	if err := repo.ReplaceActive(ctx, first, "", ""); err != nil {
		t.Fatalf("ReplaceActive failed: %v", err)
	}

	second := storedRecord("device-1", 2, domain.KeyStatusActive)
	if err := repo.ReplaceActive(ctx, second, first.ID, domain.ReasonRoutineRotation); err != nil {
		t.Fatalf("ReplaceActive failed: %v", err)
	}

	active, err := repo.FindActiveByDeviceID(ctx, "device-1")
	if err != nil {
		t.Fatalf("FindActiveByDeviceID failed: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Fatalf("expected generation 2 active, got %+v", active)
	}

	previous, err := repo.FindByDeviceIDAndGeneration(ctx, "device-1", 1)
	if err != nil {
		t.Fatalf("FindByDeviceIDAndGeneration failed: %v", err)
	}
	if previous.Status != domain.KeyStatusExpired {
		t.Errorf("expected status expired, got %s", previous.Status)
	}
	if previous.DeactivatedAt == nil || !previous.DeactivatedAt.Equal(second.ActivatedAt) {
		t.Errorf("expected deactivated_at %v, got %v", second.ActivatedAt, previous.DeactivatedAt)
	}
	if previous.DeactivationReason != domain.ReasonRoutineRotation {
		t.Errorf("expected reason %s, got %q", domain.ReasonRoutineRotation, previous.DeactivationReason)
	}
}

func TestKeyRecordRepository_ReplaceActive_RollsBackOnUpdateFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))
	first := storedRecord("device-1", 1, domain.KeyStatusActive)
	seed(t, repo, first)

	second := storedRecord("device-1", 2, domain.KeyStatusActive)
	err := repo.ReplaceActive(ctx, second, "missing-id", domain.ReasonKeyRecovery)
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	got, err := repo.FindByDeviceIDAndGeneration(ctx, "device-1", 2)
	if err != nil {
		t.Fatalf("FindByDeviceIDAndGeneration failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected generation 2 rolled back, got %+v", got)
	}

	all, err := repo.FindAllByDeviceID(ctx, "device-1")
	if err != nil {
		t.Fatalf("FindAllByDeviceID failed: %v", err)
	}
	if len(all) != 1 || all[0].Status != domain.KeyStatusActive {
		t.Errorf("expected only generation 1 active, got %d records", len(all))
	}
}

func TestKeyRecordRepository_PruneInactive(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepository(setupTestDB(t))
	seed(t, repo,
		storedRecord("device-1", 1, domain.KeyStatusExpired),
		storedRecord("device-1", 2, domain.KeyStatusInvalidated),
		storedRecord("device-1", 3, domain.KeyStatusExpired),
		storedRecord("device-1", 4, domain.KeyStatusActive),
		storedRecord("device-2", 1, domain.KeyStatusExpired),
	)

	pruned, err := repo.PruneInactive(ctx, "device-1", 2)
	if err != nil {
		t.Fatalf("PruneInactive failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned record, got %d", pruned)
	}

	records, err := repo.FindAllByDeviceID(ctx, "device-1")
	if err != nil {
		t.Fatalf("FindAllByDeviceID failed: %v", err)
	}
	var gens []uint
	for _, r := range records {
		gens = append(gens, r.Generation)
	}
	if len(gens) != 3 || gens[0] != 4 || gens[1] != 3 || gens[2] != 2 {
		t.Errorf("expected generations [4 3 2], got %v", gens)
	}

	// 他デバイスのレコードは削除されない
	others, err := repo.FindAllByDeviceID(ctx, "device-2")
	if err != nil {
		t.Fatalf("FindAllByDeviceID failed: %v", err)
	}
	if len(others) != 1 {
		t.Errorf("expected device-2 record kept, got %d", len(others))
	}

	pruned, err = repo.PruneInactive(ctx, "device-1", 5)
	if err != nil {
		t.Fatalf("PruneInactive failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("expected nothing pruned, got %d", pruned)
	}
}

func TestMigrationRepository(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	repo := NewMigrationRepository(db)

	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	applied, err := repo.IsMigrationApplied(ctx, "001")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if applied {
		t.Error("expected 001 not applied")
	}

	if err := db.Create(&SchemaMigrationModel{Version: "001"}).Error; err != nil {
		t.Fatalf("failed to insert migration: %v", err)
	}
	applied, err = repo.IsMigrationApplied(ctx, "001")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if !applied {
		t.Error("expected 001 applied")
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 1 || all[0].AppliedAt == nil || !all[0].IsApplied() {
		t.Errorf("expected one applied migration with time, got %+v", all)
	}
}
