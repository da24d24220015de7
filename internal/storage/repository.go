package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pricewatch/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	trackedItemColumns = `id, sku, recipient_id, last_price::text, currency, availability,
        last_checked_at, policy_kind, policy_value::text, active, version, created_at`

	insertTrackedItemSQL = `INSERT INTO tracked_items (
        id, sku, recipient_id, last_price, currency, availability,
        last_checked_at, policy_kind, policy_value, active, version, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	getTrackedItemSQL = `SELECT ` + trackedItemColumns + ` FROM tracked_items WHERE id = $1;`

	listActiveItemsSQL = `SELECT ` + trackedItemColumns + ` FROM tracked_items
    WHERE active
    ORDER BY sku, created_at;`

	listItemsBySKUSQL = `SELECT ` + trackedItemColumns + ` FROM tracked_items
    WHERE sku = $1 AND active
    ORDER BY created_at;`

	listItemsByRecipientSQL = `SELECT ` + trackedItemColumns + ` FROM tracked_items
    WHERE recipient_id = $1
    ORDER BY created_at;`

	updateTrackedItemSQL = `UPDATE tracked_items
    SET last_price      = $3,
        currency        = $4,
        availability    = $5,
        last_checked_at = $6,
        policy_kind     = $7,
        policy_value    = $8,
        active          = $9,
        version         = version + 1
    WHERE id = $1 AND version = $2
    RETURNING version;`

	deleteTrackedItemSQL = `DELETE FROM tracked_items WHERE id = $1;`

	deactivateSKUSQL = `UPDATE tracked_items
    SET active = FALSE, version = version + 1
    WHERE sku = $1 AND active
    RETURNING ` + trackedItemColumns + `;`

	lockSKUSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	latestSampleSQL = `SELECT id, sku, price::text, currency, annotation, recorded_at
    FROM price_samples
    WHERE sku = $1
    ORDER BY recorded_at DESC, id DESC
    LIMIT 1;`

	insertSampleSQL = `INSERT INTO price_samples (sku, price, currency, annotation, recorded_at)
    VALUES ($1,$2,$3,$4,$5);`

	listSamplesSQL = `SELECT id, sku, price::text, currency, annotation, recorded_at
    FROM price_samples
    WHERE sku = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at, id;`

	insertPublicationSQL = `INSERT INTO publications (
        id, sku, price, previous_price, discount_pct, channels, message_ids, success, error, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	publicationColumns = `id, sku, price::text, previous_price::text, discount_pct::text,
        channels, message_ids, success, error, created_at`

	latestPublicationSQL = `SELECT ` + publicationColumns + ` FROM publications
    WHERE sku = $1 AND success
    ORDER BY created_at DESC
    LIMIT 1;`

	listRecentPublicationsSQL = `SELECT ` + publicationColumns + ` FROM publications
    ORDER BY created_at DESC
    LIMIT $1;`

	recipientColumns = `id, email, email_enabled, email_verified, email_bounces, created_at`

	getRecipientSQL = `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1;`

	upsertRecipientSQL = `INSERT INTO recipients (id, email, email_enabled, email_verified, email_bounces, created_at)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (id) DO UPDATE
    SET email          = EXCLUDED.email,
        email_enabled  = EXCLUDED.email_enabled,
        email_verified = EXCLUDED.email_verified,
        email_bounces  = EXCLUDED.email_bounces;`

	recordEmailResultSQL = `UPDATE recipients
    SET email_bounces = CASE WHEN $2 THEN 0 ELSE email_bounces + 1 END,
        email_enabled = CASE
            WHEN $2 THEN email_enabled
            WHEN email_bounces + 1 >= $3 THEN FALSE
            ELSE email_enabled
        END
    WHERE id = $1
    RETURNING ` + recipientColumns + `;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL implementation of Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateTrackedItem inserts a new tracked item.
func (s *Store) CreateTrackedItem(ctx context.Context, item domain.TrackedItem) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertTrackedItemSQL,
		item.ID,
		item.SKU,
		item.RecipientID,
		item.LastPrice.String(),
		item.Currency,
		item.Availability,
		nullTime(item.LastCheckedAt),
		string(item.Policy.Kind),
		item.Policy.Value.String(),
		item.Active,
		item.Version,
		item.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert tracked item: %w", execErr)
	}
	return nil
}

// GetTrackedItem loads one item by id.
func (s *Store) GetTrackedItem(ctx context.Context, id uuid.UUID) (domain.TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.TrackedItem{}, err
	}
	item, scanErr := scanTrackedItem(pool.QueryRow(ctx, getTrackedItemSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.TrackedItem{}, domain.ErrNotFound
	}
	if scanErr != nil {
		return domain.TrackedItem{}, fmt.Errorf("get tracked item: %w", scanErr)
	}
	return item, nil
}

// ListActiveItems lists every active item ordered by SKU.
func (s *Store) ListActiveItems(ctx context.Context) ([]domain.TrackedItem, error) {
	return s.queryItems(ctx, "list active items", listActiveItemsSQL)
}

// ListItemsBySKU lists active items for one SKU.
func (s *Store) ListItemsBySKU(ctx context.Context, sku string) ([]domain.TrackedItem, error) {
	return s.queryItems(ctx, "list items by sku", listItemsBySKUSQL, sku)
}

// ListItemsByRecipient lists every item owned by a recipient.
func (s *Store) ListItemsByRecipient(ctx context.Context, recipientID string) ([]domain.TrackedItem, error) {
	return s.queryItems(ctx, "list items by recipient", listItemsByRecipientSQL, recipientID)
}

func (s *Store) queryItems(ctx context.Context, op, query string, args ...any) ([]domain.TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	items := make([]domain.TrackedItem, 0)
	for rows.Next() {
		item, scanErr := scanTrackedItem(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// UpdateTrackedItem writes item if its Version still matches the stored row.
func (s *Store) UpdateTrackedItem(ctx context.Context, item domain.TrackedItem) (domain.TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.TrackedItem{}, err
	}
	var version int64
	scanErr := pool.QueryRow(ctx, updateTrackedItemSQL,
		item.ID,
		item.Version,
		item.LastPrice.String(),
		item.Currency,
		item.Availability,
		nullTime(item.LastCheckedAt),
		string(item.Policy.Kind),
		item.Policy.Value.String(),
		item.Active,
	).Scan(&version)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.TrackedItem{}, domain.ErrConflict
	}
	if scanErr != nil {
		return domain.TrackedItem{}, fmt.Errorf("update tracked item: %w", scanErr)
	}
	item.Version = version
	return item, nil
}

// DeleteTrackedItem removes an item.
func (s *Store) DeleteTrackedItem(ctx context.Context, id uuid.UUID) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteTrackedItemSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete tracked item: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeactivateSKU marks every active item on sku inactive and returns them.
func (s *Store) DeactivateSKU(ctx context.Context, sku string) ([]domain.TrackedItem, error) {
	return s.queryItems(ctx, "deactivate sku", deactivateSKUSQL, sku)
}

// AppendSampleIfChanged serialises writers per SKU with a transaction-scoped
// advisory lock before comparing against the latest row.
func (s *Store) AppendSampleIfChanged(ctx context.Context, sample domain.PriceSample) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin append sample: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockSKUSQL, sample.SKU); err != nil {
		return false, fmt.Errorf("lock sku: %w", err)
	}

	last, err := scanSample(tx.QueryRow(ctx, latestSampleSQL, sample.SKU))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("latest sample: %w", err)
	case last.Price.Equal(sample.Price) && last.Currency == sample.Currency:
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertSampleSQL,
		sample.SKU,
		sample.Price.String(),
		sample.Currency,
		sample.Annotation,
		sample.RecordedAt,
	); err != nil {
		return false, fmt.Errorf("insert sample: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit sample: %w", err)
	}
	return true, nil
}

// LatestSample returns the most recent sample for sku.
func (s *Store) LatestSample(ctx context.Context, sku string) (domain.PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PriceSample{}, err
	}
	sample, scanErr := scanSample(pool.QueryRow(ctx, latestSampleSQL, sku))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.PriceSample{}, domain.ErrNotFound
	}
	if scanErr != nil {
		return domain.PriceSample{}, fmt.Errorf("latest sample: %w", scanErr)
	}
	return sample, nil
}

// ListSamples lists samples for sku within [from, to) in insertion order.
func (s *Store) ListSamples(ctx context.Context, sku string, from, to time.Time) ([]domain.PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesSQL, sku, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]domain.PriceSample, 0)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list samples: %w", scanErr)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// InsertPublication persists a broadcast attempt.
func (s *Store) InsertPublication(ctx context.Context, rec domain.PublicationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	ids, err := json.Marshal(rec.MessageIDs)
	if err != nil {
		return fmt.Errorf("marshal message ids: %w", err)
	}
	channels := rec.Channels
	if channels == nil {
		channels = []string{}
	}
	_, execErr := pool.Exec(ctx, insertPublicationSQL,
		rec.ID,
		rec.SKU,
		rec.Price.String(),
		rec.PreviousPrice.String(),
		rec.DiscountPct.String(),
		channels,
		ids,
		rec.Success,
		rec.Error,
		rec.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert publication: %w", execErr)
	}
	return nil
}

// LatestSuccessfulPublication returns the newest successful broadcast of sku.
func (s *Store) LatestSuccessfulPublication(ctx context.Context, sku string) (domain.PublicationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PublicationRecord{}, err
	}
	rec, scanErr := scanPublication(pool.QueryRow(ctx, latestPublicationSQL, sku))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.PublicationRecord{}, domain.ErrNotFound
	}
	if scanErr != nil {
		return domain.PublicationRecord{}, fmt.Errorf("latest publication: %w", scanErr)
	}
	return rec, nil
}

// ListRecentPublications lists the newest broadcast attempts.
func (s *Store) ListRecentPublications(ctx context.Context, limit int) ([]domain.PublicationRecord, error) {
	if limit <= 0 {
		limit = defaultPublicationLimit
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPublicationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent publications: %w", queryErr)
	}
	defer rows.Close()

	recs := make([]domain.PublicationRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanPublication(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list recent publications: %w", scanErr)
		}
		recs = append(recs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recs, nil
}

// GetRecipient loads delivery settings for a recipient.
func (s *Store) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Recipient{}, err
	}
	r, scanErr := scanRecipient(pool.QueryRow(ctx, getRecipientSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.Recipient{}, domain.ErrNotFound
	}
	if scanErr != nil {
		return domain.Recipient{}, fmt.Errorf("get recipient: %w", scanErr)
	}
	return r, nil
}

// UpsertRecipient creates or replaces recipient settings.
func (s *Store) UpsertRecipient(ctx context.Context, r domain.Recipient) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, upsertRecipientSQL,
		r.ID, r.Email, r.EmailEnabled, r.EmailVerified, r.EmailBounces, createdAt,
	); execErr != nil {
		return fmt.Errorf("upsert recipient: %w", execErr)
	}
	return nil
}

// RecordEmailResult applies the bounce policy in a single statement.
func (s *Store) RecordEmailResult(ctx context.Context, id string, delivered bool, maxBounces int) (domain.Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Recipient{}, err
	}
	r, scanErr := scanRecipient(pool.QueryRow(ctx, recordEmailResultSQL, id, delivered, maxBounces))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return domain.Recipient{}, domain.ErrNotFound
	}
	if scanErr != nil {
		return domain.Recipient{}, fmt.Errorf("record email result: %w", scanErr)
	}
	return r, nil
}

func scanTrackedItem(row pgx.Row) (domain.TrackedItem, error) {
	var (
		item        domain.TrackedItem
		lastPrice   string
		checkedAt   sql.NullTime
		policyKind  string
		policyValue string
	)
	if err := row.Scan(
		&item.ID,
		&item.SKU,
		&item.RecipientID,
		&lastPrice,
		&item.Currency,
		&item.Availability,
		&checkedAt,
		&policyKind,
		&policyValue,
		&item.Active,
		&item.Version,
		&item.CreatedAt,
	); err != nil {
		return domain.TrackedItem{}, err
	}

	var err error
	item.LastPrice, err = decimal.NewFromString(lastPrice)
	if err != nil {
		return domain.TrackedItem{}, fmt.Errorf("parse last price: %w", err)
	}
	item.Policy.Kind = domain.PolicyKind(policyKind)
	item.Policy.Value, err = decimal.NewFromString(policyValue)
	if err != nil {
		return domain.TrackedItem{}, fmt.Errorf("parse policy value: %w", err)
	}
	if checkedAt.Valid {
		item.LastCheckedAt = checkedAt.Time.UTC()
	}
	return item, nil
}

func scanSample(row pgx.Row) (domain.PriceSample, error) {
	var (
		sample   domain.PriceSample
		priceStr string
	)
	if err := row.Scan(&sample.ID, &sample.SKU, &priceStr, &sample.Currency, &sample.Annotation, &sample.RecordedAt); err != nil {
		return domain.PriceSample{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("parse sample price: %w", err)
	}
	sample.Price = price
	return sample, nil
}

func scanPublication(row pgx.Row) (domain.PublicationRecord, error) {
	var (
		rec         domain.PublicationRecord
		priceStr    string
		prevStr     string
		discountStr string
		messageIDs  []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SKU,
		&priceStr,
		&prevStr,
		&discountStr,
		&rec.Channels,
		&messageIDs,
		&rec.Success,
		&rec.Error,
		&rec.CreatedAt,
	); err != nil {
		return domain.PublicationRecord{}, err
	}

	var err error
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return domain.PublicationRecord{}, fmt.Errorf("parse publication price: %w", err)
	}
	if rec.PreviousPrice, err = decimal.NewFromString(prevStr); err != nil {
		return domain.PublicationRecord{}, fmt.Errorf("parse previous price: %w", err)
	}
	if rec.DiscountPct, err = decimal.NewFromString(discountStr); err != nil {
		return domain.PublicationRecord{}, fmt.Errorf("parse discount pct: %w", err)
	}
	if len(messageIDs) > 0 {
		if err := json.Unmarshal(messageIDs, &rec.MessageIDs); err != nil {
			return domain.PublicationRecord{}, fmt.Errorf("decode message ids: %w", err)
		}
	}
	return rec, nil
}

func scanRecipient(row pgx.Row) (domain.Recipient, error) {
	var r domain.Recipient
	err := row.Scan(&r.ID, &r.Email, &r.EmailEnabled, &r.EmailVerified, &r.EmailBounces, &r.CreatedAt)
	return r, err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
