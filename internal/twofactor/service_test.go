package twofactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"apigate/internal/apperr"
	"apigate/internal/models"
	"apigate/internal/storage"
	"apigate/internal/totp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *storage.MemoryStorage
	engine  *totp.Engine
	account *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewMemoryStorage(storage.Config{Type: models.StorageTypeMemory})
	require.NoError(t, err)

	account := models.NewAccount("alice@example.com")
	require.NoError(t, store.CreateAccount(context.Background(), account))

	engine := totp.NewEngine(models.TwoFactorConfig{Issuer: "MyApp"}, totp.WithClock(func() time.Time { return fixedNow }))
	return &fixture{
		svc:     NewService(store, engine),
		store:   store,
		engine:  engine,
		account: account,
	}
}

func (f *fixture) currentCode(t *testing.T) string {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.NotEmpty(t, a.TwoFactorSecret)
	code, err := f.engine.GenerateCode(a.TwoFactorSecret, fixedNow)
	require.NoError(t, err)
	return code
}

func (f *fixture) enable(t *testing.T) []string {
	t.Helper()
	_, err := f.svc.Setup(context.Background(), f.account.ID)
	require.NoError(t, err)
	codes, err := f.svc.Enable(context.Background(), f.account.ID, f.currentCode(t))
	require.NoError(t, err)
	return codes
}

func TestSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Setup(ctx, f.account.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Secret)
	assert.Contains(t, res.ProvisioningURI, "MyApp:alice@example.com")
	assert.Contains(t, res.QRCode, "data:image/png;base64,")

	state, err := f.svc.State(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSecretIssued, state)

	again, err := f.svc.Setup(ctx, f.account.ID)
	require.NoError(t, err)
	assert.NotEqual(t, res.Secret, again.Secret, "pending secret is replaced")

	a, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, again.Secret, a.TwoFactorSecret)
}

func TestSetup_RefusedWhenEnabled(t *testing.T) {
	f := newFixture(t)
	f.enable(t)

	_, err := f.svc.Setup(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Equal(t, MessageAlreadyEnabled, apperr.Message(err))
}

func TestSetup_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Setup(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes := f.enable(t)
	assert.Len(t, codes, totp.DefaultBackupCodeCount)

	a, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, a.TwoFactorEnabled)
	assert.Equal(t, totp.HashBackupCodes(codes), a.BackupCodeHashes)
	assert.Equal(t, StateEnabled, StateOf(a))
}

func TestEnable_Errors(t *testing.T) {
	t.Run("code required", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Enable(context.Background(), f.account.ID, "")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		assert.Equal(t, MessageCodeRequired, apperr.Message(err))
	})

	t.Run("no secret", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Enable(context.Background(), f.account.ID, "123456")
		assert.True(t, apperr.IsKind(err, apperr.KindNoSecret))
		assert.Equal(t, "No 2FA secret found. Please setup 2FA first.", apperr.Message(err))
	})

	t.Run("already enabled", func(t *testing.T) {
		f := newFixture(t)
		f.enable(t)
		_, err := f.svc.Enable(context.Background(), f.account.ID, f.currentCode(t))
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
		assert.Equal(t, MessageAlreadyEnabled, apperr.Message(err))
	})

	t.Run("invalid code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Setup(context.Background(), f.account.ID)
		require.NoError(t, err)

		_, err = f.svc.Enable(context.Background(), f.account.ID, "abcdef")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidCode))

		state, err := f.svc.State(context.Background(), f.account.ID)
		require.NoError(t, err)
		assert.Equal(t, StateSecretIssued, state, "failed enable keeps the pending secret")
	})
}

func TestDisable_WithTOTPCode(t *testing.T) {
	f := newFixture(t)
	f.enable(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Disable(ctx, f.account.ID, f.currentCode(t)))

	a, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, a.TwoFactorEnabled)
	assert.Empty(t, a.TwoFactorSecret)
	assert.Empty(t, a.BackupCodeHashes)
	assert.Equal(t, StateDisabled, StateOf(a))
}

func TestDisable_WithBackupCode(t *testing.T) {
	f := newFixture(t)
	codes := f.enable(t)

	require.NoError(t, f.svc.Disable(context.Background(), f.account.ID, codes[3]))

	state, err := f.svc.State(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, state)
}

func TestDisable_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Disable(ctx, f.account.ID, "123456")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState), "not enabled yet")

	f.enable(t)
	err = f.svc.Disable(ctx, f.account.ID, "zzzzzzzz")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidCode))

	err = f.svc.Disable(ctx, f.account.ID, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestConsumeBackupCode(t *testing.T) {
	f := newFixture(t)
	codes := f.enable(t)
	ctx := context.Background()

	ok, err := f.svc.ConsumeBackupCode(ctx, f.account.ID, codes[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.ConsumeBackupCode(ctx, f.account.ID, codes[0])
	require.NoError(t, err)
	assert.False(t, ok, "second use fails")

	a, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Len(t, a.BackupCodeHashes, len(codes)-1)
	assert.Equal(t, totp.HashBackupCodes(codes[1:]), a.BackupCodeHashes)
}

func TestConsumeBackupCode_Concurrent(t *testing.T) {
	f := newFixture(t)
	codes := f.enable(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.svc.ConsumeBackupCode(context.Background(), f.account.ID, codes[5])
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConsumeBackupCode_NotEnabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConsumeBackupCode(context.Background(), f.account.ID, "AAAA1111")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

type failingStore struct {
	*storage.MemoryStorage
}

func (failingStore) GetAccount(context.Context, string) (*models.Account, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	svc := NewService(failingStore{f.store}, f.engine)

	_, err := svc.Setup(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindStoreUnavailable))
	assert.NotContains(t, apperr.Message(err), "connection refused")
}

// interleavingStore runs before ahead of EnableTwoFactor, standing in for a
// request that lands between the code check and the write.
type interleavingStore struct {
	*storage.MemoryStorage
	before func()
}

func (s *interleavingStore) EnableTwoFactor(ctx context.Context, id, secret string, hashes []string) error {
	if s.before != nil {
		s.before()
	}
	return s.MemoryStorage.EnableTwoFactor(ctx, id, secret, hashes)
}

func TestEnable_SecretReplacedBeforeCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Setup(ctx, f.account.ID)
	require.NoError(t, err)
	code, err := f.engine.GenerateCode(first.Secret, fixedNow)
	require.NoError(t, err)

	store := &interleavingStore{MemoryStorage: f.store}
	svc := NewService(store, f.engine)
	var replaced *SetupResult
	store.before = func() {
		res, setupErr := svc.Setup(ctx, f.account.ID)
		require.NoError(t, setupErr)
		replaced = res
	}

	codes, err := svc.Enable(ctx, f.account.ID, code)
	assert.Nil(t, codes)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Equal(t, MessageSecretChanged, apperr.Message(err))

	a, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, a.TwoFactorEnabled, "an unverified secret is never enabled")
	assert.Empty(t, a.BackupCodeHashes)
	require.NotNil(t, replaced)
	assert.Equal(t, replaced.Secret, a.TwoFactorSecret)
	assert.Equal(t, StateSecretIssued, StateOf(a))
}

func TestEnable_ConcurrentEnableReportsAlreadyEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Setup(ctx, f.account.ID)
	require.NoError(t, err)
	code := f.currentCode(t)

	store := &interleavingStore{MemoryStorage: f.store}
	svc := NewService(store, f.engine)
	store.before = func() {
		store.before = nil
		_, err := svc.Enable(ctx, f.account.ID, code)
		require.NoError(t, err)
	}

	_, err = svc.Enable(ctx, f.account.ID, code)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Equal(t, MessageAlreadyEnabled, apperr.Message(err))
}
