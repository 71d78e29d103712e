package observability

import (
	"context"
	"errors"
	"time"

	"apigate/internal/models"
	"apigate/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStorage decorates an account store with a span, a latency
// sample and an error count per call. Not-found lookups are expected on the
// authentication path and are not counted as errors.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewInstrumentedStorage wraps inner using the global tracer and meter providers.
func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("apigate/storage")
	meter := otel.Meter("apigate/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		failures: errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

func (s *InstrumentedStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	ctx, span := s.startSpan(ctx, "CreateAccount", attribute.String("account_id", account.ID))
	start := time.Now()
	err := s.inner.CreateAccount(ctx, account)
	s.record(ctx, span, "CreateAccount", start, err)
	return err
}

func (s *InstrumentedStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "GetAccount", attribute.String("account_id", id))
	start := time.Now()
	result, err := s.inner.GetAccount(ctx, id)
	s.record(ctx, span, "GetAccount", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "GetAccountByEmail")
	start := time.Now()
	result, err := s.inner.GetAccountByEmail(ctx, email)
	s.record(ctx, span, "GetAccountByEmail", start, err)
	return result, err
}

// GetAccountByAPIKeyHash never puts the digest on the span.
func (s *InstrumentedStorage) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "GetAccountByAPIKeyHash")
	start := time.Now()
	result, err := s.inner.GetAccountByAPIKeyHash(ctx, hash)
	s.record(ctx, span, "GetAccountByAPIKeyHash", start, err)
	return result, err
}

func (s *InstrumentedStorage) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	ctx, span := s.startSpan(ctx, "ListAccounts")
	start := time.Now()
	result, err := s.inner.ListAccounts(ctx)
	s.record(ctx, span, "ListAccounts", start, err)
	return result, err
}

func (s *InstrumentedStorage) IssueAPIKey(ctx context.Context, id, hash, prefix string, createdAt time.Time) error {
	ctx, span := s.startSpan(ctx, "IssueAPIKey",
		attribute.String("account_id", id),
		attribute.String("key_prefix", prefix),
	)
	start := time.Now()
	err := s.inner.IssueAPIKey(ctx, id, hash, prefix, createdAt)
	s.record(ctx, span, "IssueAPIKey", start, err)
	return err
}

func (s *InstrumentedStorage) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, span := s.startSpan(ctx, "SetAPIKeyEnabled",
		attribute.String("account_id", id),
		attribute.Bool("enabled", enabled),
	)
	start := time.Now()
	err := s.inner.SetAPIKeyEnabled(ctx, id, enabled)
	s.record(ctx, span, "SetAPIKeyEnabled", start, err)
	return err
}

func (s *InstrumentedStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	ctx, span := s.startSpan(ctx, "TouchAPIKey", attribute.String("account_id", id))
	start := time.Now()
	err := s.inner.TouchAPIKey(ctx, id, at)
	s.record(ctx, span, "TouchAPIKey", start, err)
	return err
}

func (s *InstrumentedStorage) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	ctx, span := s.startSpan(ctx, "SetTwoFactorSecret", attribute.String("account_id", id))
	start := time.Now()
	err := s.inner.SetTwoFactorSecret(ctx, id, secret)
	s.record(ctx, span, "SetTwoFactorSecret", start, err)
	return err
}

func (s *InstrumentedStorage) EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	ctx, span := s.startSpan(ctx, "EnableTwoFactor",
		attribute.String("account_id", id),
		attribute.Int("backup_codes", len(backupCodeHashes)),
	)
	start := time.Now()
	err := s.inner.EnableTwoFactor(ctx, id, secret, backupCodeHashes)
	s.record(ctx, span, "EnableTwoFactor", start, err)
	return err
}

func (s *InstrumentedStorage) DisableTwoFactor(ctx context.Context, id string) error {
	ctx, span := s.startSpan(ctx, "DisableTwoFactor", attribute.String("account_id", id))
	start := time.Now()
	err := s.inner.DisableTwoFactor(ctx, id)
	s.record(ctx, span, "DisableTwoFactor", start, err)
	return err
}

func (s *InstrumentedStorage) RemoveBackupCode(ctx context.Context, id, hash string) (bool, error) {
	ctx, span := s.startSpan(ctx, "RemoveBackupCode", attribute.String("account_id", id))
	start := time.Now()
	removed, err := s.inner.RemoveBackupCode(ctx, id, hash)
	span.SetAttributes(attribute.Bool("removed", removed))
	s.record(ctx, span, "RemoveBackupCode", start, err)
	return removed, err
}

func (s *InstrumentedStorage) Stats(ctx context.Context) (*storage.Stats, error) {
	ctx, span := s.startSpan(ctx, "Stats")
	start := time.Now()
	result, err := s.inner.Stats(ctx)
	s.record(ctx, span, "Stats", start, err)
	return result, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
