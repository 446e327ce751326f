/*
Package sqlite provides a SQLite-backed implementation of the billing
collaborators.

PURPOSE:
  Implements every interface in billing/store.go (readings, tariffs,
  review flags, apartment profiles, bill state, month status, audit log)
  plus the write operations the HTTP layer needs.

KEY TABLES:
  apartments:        Billing policy per apartment
  tariffs:           Global catalog, one row per month_from
  apartment_tariffs: Per-apartment overrides, NULL = inherit
  meter_readings:    Raw readings; previous/delta derived on read
  review_flags:      Disputed readings
  month_statuses:    rent_paid, reminder, approval and send state, extra
                     electric reading (00002)
  audit_log:         Append-only operator actions

VALUE ENCODING:
  Months are TEXT "YYYY-MM", money and readings are decimal TEXT (never
  REAL), timestamps are RFC3339 TEXT. An unset optional value is NULL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so
  ":memory:" databases survive between calls. Bill state updates run in
  one transaction: read, apply fn, write, commit.

MIGRATIONS:
  Versioned goose migrations are embedded from migrations/ and applied
  on New().

USAGE:
  store, err := sqlite.New("./data/rent.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := billing.NewEngine(billing.StoresFrom(store))

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/meters"
	"github.com/warp/rent-engine/tariff"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName("schema_migrations")
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// =============================================================================
// VALUE ENCODING
// =============================================================================

func nowText() string { return time.Now().UTC().Format(time.RFC3339) }

func moneyArg(o generic.Optional[generic.Money]) any {
	if m, ok := o.Get(); ok {
		return m.Value.String()
	}
	return nil
}

func timeArg(o generic.Optional[time.Time]) any {
	if t, ok := o.Get(); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return nil
}

func monthArg(o generic.Optional[generic.Month]) any {
	if m, ok := o.Get(); ok {
		return m.String()
	}
	return nil
}

func scanMoney(ns sql.NullString) (generic.Optional[generic.Money], error) {
	if !ns.Valid {
		return generic.None[generic.Money](), nil
	}
	m, err := generic.ParseMoney(ns.String)
	if err != nil {
		return generic.None[generic.Money](), fmt.Errorf("sqlite: stored amount %q: %w", ns.String, err)
	}
	return generic.Some(m), nil
}

func scanTime(ns sql.NullString) generic.Optional[time.Time] {
	if !ns.Valid {
		return generic.None[time.Time]()
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return generic.None[time.Time]()
	}
	return generic.Some(t)
}

func scanMonth(ns sql.NullString) (generic.Optional[generic.Month], error) {
	if !ns.Valid {
		return generic.None[generic.Month](), nil
	}
	m, err := generic.ParseMonth(ns.String)
	if err != nil {
		return generic.None[generic.Month](), err
	}
	return generic.Some(m), nil
}

// moneyScanner collects the first decode error over several columns.
type moneyScanner struct{ err error }

func (ms *moneyScanner) opt(ns sql.NullString) generic.Optional[generic.Money] {
	m, err := scanMoney(ns)
	if err != nil && ms.err == nil {
		ms.err = err
	}
	return m
}

func (ms *moneyScanner) req(ns sql.NullString) generic.Money {
	return ms.opt(ns).OrElse(generic.Zero)
}

// =============================================================================
// APARTMENT PROFILES (billing.ApartmentProfileStore)
// =============================================================================

// SaveProfile inserts or replaces an apartment's billing policy.
func (s *Store) SaveProfile(ctx context.Context, p billing.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO apartments (id, title, electric_expected, tenant_since, rent_monthly,
			has_active_chat, chat_id, utilities_mode, utilities_fixed_monthly,
			utilities_advance_amount, utilities_advance_cycle_months, utilities_advance_anchor_ym,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			electric_expected = excluded.electric_expected,
			tenant_since = excluded.tenant_since,
			rent_monthly = excluded.rent_monthly,
			has_active_chat = excluded.has_active_chat,
			chat_id = excluded.chat_id,
			utilities_mode = excluded.utilities_mode,
			utilities_fixed_monthly = excluded.utilities_fixed_monthly,
			utilities_advance_amount = excluded.utilities_advance_amount,
			utilities_advance_cycle_months = excluded.utilities_advance_cycle_months,
			utilities_advance_anchor_ym = excluded.utilities_advance_anchor_ym,
			updated_at = excluded.updated_at
	`
	var tenantSince any
	if t, ok := p.TenantSince.Get(); ok {
		tenantSince = t.Format("2006-01-02")
	}
	now := nowText()
	_, err := s.db.ExecContext(ctx, query,
		p.ApartmentID, p.Title, p.ElectricExpected, tenantSince, p.RentMonthly.Value.String(),
		p.HasActiveChat, p.ChatID, string(p.Mode()), p.UtilitiesFixedMonthly.Value.String(),
		p.UtilitiesAdvanceAmount.Value.String(), p.UtilitiesAdvanceCycle, monthArg(p.UtilitiesAdvanceAnchor),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save apartment %s: %w", p.ApartmentID, err)
	}
	return nil
}

const profileColumns = `id, title, electric_expected, tenant_since, rent_monthly, has_active_chat,
	chat_id, utilities_mode, utilities_fixed_monthly, utilities_advance_amount,
	utilities_advance_cycle_months, utilities_advance_anchor_ym`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (billing.Profile, error) {
	var (
		p                          billing.Profile
		tenantSince, anchor        sql.NullString
		rent, fixed, advance, mode sql.NullString
	)
	err := row.Scan(&p.ApartmentID, &p.Title, &p.ElectricExpected, &tenantSince, &rent,
		&p.HasActiveChat, &p.ChatID, &mode, &fixed, &advance,
		&p.UtilitiesAdvanceCycle, &anchor)
	if err != nil {
		return billing.Profile{}, err
	}

	var ms moneyScanner
	p.RentMonthly = ms.req(rent)
	p.UtilitiesFixedMonthly = ms.req(fixed)
	p.UtilitiesAdvanceAmount = ms.req(advance)
	if ms.err != nil {
		return billing.Profile{}, ms.err
	}
	p.UtilitiesMode = billing.UtilitiesMode(mode.String)
	if tenantSince.Valid {
		if t, err := time.Parse("2006-01-02", tenantSince.String); err == nil {
			p.TenantSince = generic.Some(t)
		}
	}
	if p.UtilitiesAdvanceAnchor, err = scanMonth(anchor); err != nil {
		return billing.Profile{}, err
	}
	return p, nil
}

// GetProfile returns generic.ErrApartmentNotFound for an unknown id.
func (s *Store) GetProfile(ctx context.Context, apartmentID string) (billing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM apartments WHERE id = ?", apartmentID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Profile{}, fmt.Errorf("%w: %s", generic.ErrApartmentNotFound, apartmentID)
	}
	if err != nil {
		return billing.Profile{}, fmt.Errorf("sqlite: get apartment %s: %w", apartmentID, err)
	}
	return p, nil
}

// ListProfiles returns all apartments ordered by id.
func (s *Store) ListProfiles(ctx context.Context) ([]billing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+profileColumns+" FROM apartments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list apartments: %w", err)
	}
	defer rows.Close()

	var out []billing.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list apartments: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// TARIFFS (billing.TariffStore)
// =============================================================================

// UpsertGlobalTariff saves a catalog row, replacing the row with the same
// month_from.
func (s *Store) UpsertGlobalTariff(ctx context.Context, e tariff.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO tariffs (month_from, cold, hot, sewer, electric, electric_t1, electric_t2, electric_t3, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(month_from) DO UPDATE SET
			cold = excluded.cold,
			hot = excluded.hot,
			sewer = excluded.sewer,
			electric = excluded.electric,
			electric_t1 = excluded.electric_t1,
			electric_t2 = excluded.electric_t2,
			electric_t3 = excluded.electric_t3,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		e.EffectiveFrom.String(), e.Cold.Value.String(), e.Hot.Value.String(), e.Sewer.Value.String(),
		e.Electric.Value.String(), moneyArg(e.ElectricT1), moneyArg(e.ElectricT2), moneyArg(e.ElectricT3),
		nowText(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save tariff %s: %w", e.EffectiveFrom, err)
	}
	return nil
}

// UpsertApartmentTariff saves an override, keyed by (apartment, month_from).
func (s *Store) UpsertApartmentTariff(ctx context.Context, o tariff.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO apartment_tariffs (apartment_id, month_from, cold, hot, sewer,
			electric_t1, electric_t2, electric_t3, rent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(apartment_id, month_from) DO UPDATE SET
			cold = excluded.cold,
			hot = excluded.hot,
			sewer = excluded.sewer,
			electric_t1 = excluded.electric_t1,
			electric_t2 = excluded.electric_t2,
			electric_t3 = excluded.electric_t3,
			rent = excluded.rent,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ApartmentID, o.EffectiveFrom.String(), moneyArg(o.Cold), moneyArg(o.Hot), moneyArg(o.Sewer),
		moneyArg(o.ElectricT1), moneyArg(o.ElectricT2), moneyArg(o.ElectricT3), moneyArg(o.Rent),
		nowText(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save apartment tariff %s %s: %w", o.ApartmentID, o.EffectiveFrom, err)
	}
	return nil
}

// ListGlobal returns the catalog ordered by month_from.
func (s *Store) ListGlobal(ctx context.Context) ([]tariff.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT month_from, cold, hot, sewer, electric, electric_t1, electric_t2, electric_t3
		FROM tariffs ORDER BY month_from`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tariffs: %w", err)
	}
	defer rows.Close()

	var out []tariff.Entry
	for rows.Next() {
		var from string
		var cold, hot, sewer, electric, t1, t2, t3 sql.NullString
		if err := rows.Scan(&from, &cold, &hot, &sewer, &electric, &t1, &t2, &t3); err != nil {
			return nil, fmt.Errorf("sqlite: list tariffs: %w", err)
		}
		m, err := generic.ParseMonth(from)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list tariffs: %w", err)
		}
		var ms moneyScanner
		e := tariff.Entry{
			EffectiveFrom: m,
			Cold:          ms.req(cold),
			Hot:           ms.req(hot),
			Sewer:         ms.req(sewer),
			Electric:      ms.req(electric),
			ElectricT1:    ms.opt(t1),
			ElectricT2:    ms.opt(t2),
			ElectricT3:    ms.opt(t3),
		}
		if ms.err != nil {
			return nil, ms.err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListForApartment returns the apartment's overrides ordered by month_from.
func (s *Store) ListForApartment(ctx context.Context, apartmentID string) ([]tariff.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT month_from, cold, hot, sewer, electric_t1, electric_t2, electric_t3, rent
		FROM apartment_tariffs WHERE apartment_id = ? ORDER BY month_from`, apartmentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list apartment tariffs: %w", err)
	}
	defer rows.Close()

	var out []tariff.Override
	for rows.Next() {
		var from string
		var cold, hot, sewer, t1, t2, t3, rent sql.NullString
		if err := rows.Scan(&from, &cold, &hot, &sewer, &t1, &t2, &t3, &rent); err != nil {
			return nil, fmt.Errorf("sqlite: list apartment tariffs: %w", err)
		}
		m, err := generic.ParseMonth(from)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list apartment tariffs: %w", err)
		}
		var ms moneyScanner
		o := tariff.Override{
			ApartmentID:   apartmentID,
			EffectiveFrom: m,
			Cold:          ms.opt(cold),
			Hot:           ms.opt(hot),
			Sewer:         ms.opt(sewer),
			ElectricT1:    ms.opt(t1),
			ElectricT2:    ms.opt(t2),
			ElectricT3:    ms.opt(t3),
			Rent:          ms.opt(rent),
		}
		if ms.err != nil {
			return nil, ms.err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// READINGS (billing.MeterHistoryProvider)
// =============================================================================

// SaveReading stores one reading, replacing the same (month, channel).
func (s *Store) SaveReading(ctx context.Context, apartmentID string, r meters.RawReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO meter_readings (apartment_id, ym, meter_type, meter_index, value, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(apartment_id, ym, meter_type, meter_index) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		apartmentID, r.Month.String(), r.Channel.MeterType(), r.Channel.MeterIndex(),
		r.Value.String(), string(r.Source), nowText(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save reading %s %s %s: %w", apartmentID, r.Month, r.Channel, err)
	}
	return nil
}

// DeleteReading removes the reading of (month, channel) if present.
func (s *Store) DeleteReading(ctx context.Context, apartmentID string, m generic.Month, ch meters.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM meter_readings
		WHERE apartment_id = ? AND ym = ? AND meter_type = ? AND meter_index = ?`,
		apartmentID, m.String(), ch.MeterType(), ch.MeterIndex())
	if err != nil {
		return fmt.Errorf("sqlite: delete reading %s %s %s: %w", apartmentID, m, ch, err)
	}
	return nil
}

// History returns the apartment's month rows in ascending order.
func (s *Store) History(ctx context.Context, apartmentID string) ([]meters.MonthRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ym, meter_type, meter_index, value, source
		FROM meter_readings WHERE apartment_id = ? ORDER BY ym`, apartmentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load readings: %w", err)
	}
	defer rows.Close()

	var raw []meters.RawReading
	for rows.Next() {
		var ym, meterType, value, source string
		var index int
		if err := rows.Scan(&ym, &meterType, &index, &value, &source); err != nil {
			return nil, fmt.Errorf("sqlite: load readings: %w", err)
		}
		m, err := generic.ParseMonth(ym)
		if err != nil {
			return nil, fmt.Errorf("sqlite: load readings: %w", err)
		}
		ch, ok := meters.ChannelFor(meterType, index)
		if !ok {
			continue
		}
		v, err := generic.ParseDecimal(value)
		if err != nil {
			return nil, fmt.Errorf("sqlite: stored reading %q: %w", value, err)
		}
		raw = append(raw, meters.RawReading{Month: m, Channel: ch, Value: v, Source: meters.Source(source)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meters.BuildHistory(raw), nil
}

// =============================================================================
// REVIEW FLAGS (billing.ReviewFlagStore)
// =============================================================================

// CreateFlag stores a new flag.
func (s *Store) CreateFlag(ctx context.Context, f billing.ReviewFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_flags (id, apartment_id, ym, meter_type, meter_index, status, reason, comment, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ApartmentID, f.Month.String(), f.MeterType, f.MeterIndex, string(f.Status),
		f.Reason, f.Comment, f.CreatedAt.UTC().Format(time.RFC3339Nano), timeArg(f.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create review flag: %w", err)
	}
	return nil
}

const flagColumns = `id, apartment_id, ym, meter_type, meter_index, status, reason, comment, created_at, resolved_at`

func scanFlag(row rowScanner) (billing.ReviewFlag, error) {
	var f billing.ReviewFlag
	var ym, status, createdAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&f.ID, &f.ApartmentID, &ym, &f.MeterType, &f.MeterIndex, &status,
		&f.Reason, &f.Comment, &createdAt, &resolvedAt); err != nil {
		return billing.ReviewFlag{}, err
	}
	m, err := generic.ParseMonth(ym)
	if err != nil {
		return billing.ReviewFlag{}, err
	}
	f.Month = m
	f.Status = billing.FlagStatus(status)
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.ResolvedAt = scanTime(resolvedAt)
	return f, nil
}

// ListFlags filters an apartment's flags by month and status; a zero
// status matches every flag.
func (s *Store) ListFlags(ctx context.Context, apartmentID string, m generic.Optional[generic.Month], status billing.FlagStatus) ([]billing.ReviewFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + flagColumns + " FROM review_flags WHERE apartment_id = ?"
	args := []any{apartmentID}
	if month, ok := m.Get(); ok {
		query += " AND ym = ?"
		args = append(args, month.String())
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list review flags: %w", err)
	}
	defer rows.Close()

	var out []billing.ReviewFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list review flags: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListOpen(ctx context.Context, apartmentID string) ([]billing.ReviewFlag, error) {
	return s.ListFlags(ctx, apartmentID, generic.None[generic.Month](), billing.FlagOpen)
}

// Resolve marks a flag resolved; resolving twice keeps the first time.
func (s *Store) Resolve(ctx context.Context, flagID string, at time.Time) (billing.ReviewFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE review_flags SET status = ?, resolved_at = ? WHERE id = ? AND status = ?",
		string(billing.FlagResolved), at.UTC().Format(time.RFC3339Nano), flagID, string(billing.FlagOpen))
	if err != nil {
		return billing.ReviewFlag{}, fmt.Errorf("sqlite: resolve review flag: %w", err)
	}

	f, err := scanFlag(s.db.QueryRowContext(ctx, "SELECT "+flagColumns+" FROM review_flags WHERE id = ?", flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ReviewFlag{}, fmt.Errorf("%w: %s", generic.ErrFlagNotFound, flagID)
	}
	if err != nil {
		return billing.ReviewFlag{}, fmt.Errorf("sqlite: resolve review flag: %w", err)
	}
	return f, nil
}

// =============================================================================
// BILL STATE AND MONTH STATUS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadBillState(ctx context.Context, q queryer, apartmentID string, m generic.Month) (billing.BillState, error) {
	var approvedAt, components, sentAt, sentTotal sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT approved_at, approved_components, sent_at, sent_total
		FROM month_statuses WHERE apartment_id = ? AND ym = ?`, apartmentID, m.String(),
	).Scan(&approvedAt, &components, &sentAt, &sentTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.BillState{}, nil
	}
	if err != nil {
		return billing.BillState{}, err
	}

	st := billing.BillState{
		ApprovedAt: scanTime(approvedAt),
		SentAt:     scanTime(sentAt),
	}
	if st.SentTotal, err = scanMoney(sentTotal); err != nil {
		return billing.BillState{}, err
	}
	if components.Valid {
		var c meters.Components
		if err := json.Unmarshal([]byte(components.String), &c); err != nil {
			return billing.BillState{}, fmt.Errorf("stored approval snapshot: %w", err)
		}
		st.Approved = generic.Some(c)
	}
	return st, nil
}

func (s *Store) GetBillState(ctx context.Context, apartmentID string, m generic.Month) (billing.BillState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := loadBillState(ctx, s.db, apartmentID, m)
	if err != nil {
		return billing.BillState{}, fmt.Errorf("sqlite: get bill state: %w", err)
	}
	return st, nil
}

// UpdateBillState reads, applies fn and writes in one transaction. When fn
// fails the transaction is rolled back and the stored state is returned.
func (s *Store) UpdateBillState(ctx context.Context, apartmentID string, m generic.Month, fn func(*billing.BillState) error) (billing.BillState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.BillState{}, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := loadBillState(ctx, tx, apartmentID, m)
	if err != nil {
		return billing.BillState{}, fmt.Errorf("sqlite: load bill state: %w", err)
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}

	var components any
	if c, ok := next.Approved.Get(); ok {
		b, err := json.Marshal(c)
		if err != nil {
			return current, fmt.Errorf("sqlite: encode approval snapshot: %w", err)
		}
		components = string(b)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO month_statuses (apartment_id, ym, approved_at, approved_components, sent_at, sent_total)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(apartment_id, ym) DO UPDATE SET
			approved_at = excluded.approved_at,
			approved_components = excluded.approved_components,
			sent_at = excluded.sent_at,
			sent_total = excluded.sent_total`,
		apartmentID, m.String(), timeArg(next.ApprovedAt), components, timeArg(next.SentAt), moneyArg(next.SentTotal),
	)
	if err != nil {
		return current, fmt.Errorf("%w: %v", generic.ErrStoreWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("%w: %v", generic.ErrStoreWrite, err)
	}
	return next, nil
}

func (s *Store) GetMonthStatus(ctx context.Context, apartmentID string, m generic.Month) (billing.MonthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st billing.MonthStatus
	var reminder sql.NullString
	var snapshot sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT rent_paid, rent_reminder_sent_at, electric_extra_pending, electric_expected_snapshot
		FROM month_statuses WHERE apartment_id = ? AND ym = ?`,
		apartmentID, m.String(),
	).Scan(&st.RentPaid, &reminder, &st.ElectricExtraPending, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.MonthStatus{}, nil
	}
	if err != nil {
		return billing.MonthStatus{}, fmt.Errorf("sqlite: get month status: %w", err)
	}
	st.RentReminderSentAt = scanTime(reminder)
	if snapshot.Valid {
		st.ElectricExpectedSnapshot = generic.Some(int(snapshot.Int64))
	}
	return st, nil
}

func (s *Store) SetRentPaid(ctx context.Context, apartmentID string, m generic.Month, paid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO month_statuses (apartment_id, ym, rent_paid) VALUES (?, ?, ?)
		ON CONFLICT(apartment_id, ym) DO UPDATE SET rent_paid = excluded.rent_paid`,
		apartmentID, m.String(), paid)
	if err != nil {
		return fmt.Errorf("sqlite: set rent paid: %w", err)
	}
	return nil
}

func (s *Store) MarkRentReminderSent(ctx context.Context, apartmentID string, m generic.Month, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO month_statuses (apartment_id, ym, rent_reminder_sent_at) VALUES (?, ?, ?)
		ON CONFLICT(apartment_id, ym) DO UPDATE SET rent_reminder_sent_at = excluded.rent_reminder_sent_at`,
		apartmentID, m.String(), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: mark reminder sent: %w", err)
	}
	return nil
}

// SetElectricExtra records the pending extra reading; clearing it stamps
// electric_extra_resolved_at and drops the snapshot.
func (s *Store) SetElectricExtra(ctx context.Context, apartmentID string, m generic.Month, pending bool, snapshot generic.Optional[int]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap, resolvedAt any
	if pending {
		if n, ok := snapshot.Get(); ok {
			snap = n
		}
	} else {
		resolvedAt = nowText()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO month_statuses (apartment_id, ym, electric_extra_pending, electric_expected_snapshot, electric_extra_resolved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(apartment_id, ym) DO UPDATE SET
			electric_extra_pending = excluded.electric_extra_pending,
			electric_expected_snapshot = excluded.electric_expected_snapshot,
			electric_extra_resolved_at = excluded.electric_extra_resolved_at`,
		apartmentID, m.String(), pending, snap, resolvedAt)
	if err != nil {
		return fmt.Errorf("sqlite: set electric extra: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG (billing.AuditLog)
// =============================================================================

// AppendAudit records an entry. Append-only.
func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO audit_log (id, ts, apartment_id, ym, action, payload) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.ApartmentID, monthArg(e.Month), string(e.Action), string(payload),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append audit: %w", err)
	}
	return nil
}

// ListAudit returns an apartment's entries, oldest first.
func (s *Store) ListAudit(ctx context.Context, apartmentID string) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, apartment_id, ym, action, payload FROM audit_log WHERE apartment_id = ? ORDER BY ts, rowid",
		apartmentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit: %w", err)
	}
	defer rows.Close()

	var out []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var ts, action, payload string
		var ym sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.ApartmentID, &ym, &action, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: list audit: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Action = billing.AuditAction(action)
		if e.Month, err = scanMonth(ym); err != nil {
			return nil, fmt.Errorf("sqlite: list audit: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode audit payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
