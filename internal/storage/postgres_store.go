package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, q: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Store) error) (err error) {
	if p.inTx {
		return fn(ctx, p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Dependency("begin tx", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = models.Dependency("commit tx", cErr)
		}
	}()
	return fn(ctx, &PostgresStore{db: p.db, q: tx, inTx: true})
}

const providerColumns = `id, lat, lon, online, available, verified, suspended, tags, rating, earnings, updated_at, located_at`

// lockClause makes reads inside a transaction hold the row until commit, so
// read-check-write sequences on one booking or provider run one at a time.
func (p *PostgresStore) lockClause() string {
	if p.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func scanProvider(row interface{ Scan(...any) error }) (*models.Provider, error) {
	var pr models.Provider
	var lat, lon sql.NullFloat64
	var tags pq.StringArray
	var located sql.NullTime
	if err := row.Scan(&pr.ID, &lat, &lon, &pr.Online, &pr.Available, &pr.Verified, &pr.Suspended, &tags, &pr.Rating, &pr.Earnings, &pr.Updated, &located); err != nil {
		return nil, err
	}
	pr.LocatedAt = located.Time
	if lat.Valid && lon.Valid {
		pr.Loc = &models.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
	}
	pr.Tags = []string(tags)
	return &pr, nil
}

func (p *PostgresStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`+p.lockClause(), id)
	pr, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("provider %s", id)
	}
	if err != nil {
		return nil, models.Dependency("get provider", err)
	}
	return pr, nil
}

// providerQuery renders f as a WHERE clause. Results keep insertion order.
func providerQuery(f ProviderFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.IDs) > 0 {
		conds = append(conds, "id = ANY("+arg(pq.Array(f.IDs))+")")
	}
	if len(f.ExcludeIDs) > 0 {
		conds = append(conds, "NOT (id = ANY("+arg(pq.Array(f.ExcludeIDs))+"))")
	}
	if f.OnlyOnline {
		conds = append(conds, "online")
	}
	if f.OnlyAvailable {
		conds = append(conds, "available")
	}
	if f.OnlyVerified {
		conds = append(conds, "verified")
	}
	if f.OnlyWithLocation {
		conds = append(conds, "lat IS NOT NULL AND lon IS NOT NULL")
	}
	if f.ExcludeSuspended {
		conds = append(conds, "NOT suspended")
	}
	if f.Tag != "" {
		conds = append(conds, arg(f.Tag)+" = ANY(tags)")
	}
	if f.InterRegionalZoneID != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM provider_zones pz WHERE pz.provider_id = providers.id AND pz.zone_id = "+
			arg(f.InterRegionalZoneID)+" AND pz.can_accept_inter_regional)")
	}
	q := `SELECT ` + providerColumns + ` FROM providers`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return q + " ORDER BY seq", args
}

func (p *PostgresStore) ListProviders(ctx context.Context, f ProviderFilter) ([]models.Provider, error) {
	q, args := providerQuery(f)
	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Dependency("list providers", err)
	}
	defer rows.Close()
	out := make([]models.Provider, 0)
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, models.Dependency("scan provider", err)
		}
		out = append(out, *pr)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Dependency("list providers", err)
	}
	return out, nil
}

func (p *PostgresStore) SaveProvider(ctx context.Context, pr *models.Provider) error {
	var lat, lon sql.NullFloat64
	if pr.Loc != nil {
		lat = sql.NullFloat64{Float64: pr.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: pr.Loc.Lon, Valid: true}
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO providers (id, lat, lon, online, available, verified, suspended, tags, rating, earnings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, online = EXCLUDED.online,
			available = EXCLUDED.available, verified = EXCLUDED.verified,
			suspended = EXCLUDED.suspended, tags = EXCLUDED.tags, rating = EXCLUDED.rating,
			updated_at = NOW()`,
		pr.ID, lat, lon, pr.Online, pr.Available, pr.Verified, pr.Suspended, pq.Array(pr.Tags), pr.Rating, pr.Earnings)
	return models.Dependency("save provider", err)
}

func (p *PostgresStore) SetProviderAvailable(ctx context.Context, id string, available bool) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE providers SET available = $1, updated_at = NOW() WHERE id = $2 AND available = $3`,
		available, id, !available)
	if err != nil {
		return models.Dependency("set provider availability", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := p.GetProvider(ctx, id); err != nil {
		return err
	}
	return models.ErrConflict
}

const moveProviderSQL = `
	WITH prev AS (SELECT id, online FROM providers WHERE id = $1 FOR UPDATE)
	UPDATE providers SET lat = $2, lon = $3, online = $4, located_at = $5
	FROM prev
	WHERE providers.id = prev.id AND (providers.located_at IS NULL OR providers.located_at <= $5)
	RETURNING prev.online`

func (p *PostgresStore) MoveProvider(ctx context.Context, id string, loc *models.Coordinate, online bool, at time.Time) (bool, error) {
	var lat, lon sql.NullFloat64
	if loc != nil {
		lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: loc.Lon, Valid: true}
	}
	var wasOnline bool
	err := p.q.QueryRowContext(ctx, moveProviderSQL, id, lat, lon, online, at).Scan(&wasOnline)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetProvider(ctx, id)
		if gerr != nil {
			return false, gerr
		}
		return cur.Online, models.ErrStaleUpdate
	}
	if err != nil {
		return false, models.Dependency("move provider", err)
	}
	return wasOnline, nil
}

func (p *PostgresStore) AccrueEarnings(ctx context.Context, id string, amount int64) error {
	res, err := p.q.ExecContext(ctx, `UPDATE providers SET earnings = earnings + $1 WHERE id = $2`, amount, id)
	if err != nil {
		return models.Dependency("accrue earnings", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFoundf("provider %s", id)
	}
	return nil
}

func (p *PostgresStore) ProviderZones(ctx context.Context, providerID string) ([]models.ProviderZone, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT provider_id, zone_id, can_accept_inter_regional FROM provider_zones WHERE provider_id = $1 ORDER BY zone_id`, providerID)
	if err != nil {
		return nil, models.Dependency("provider zones", err)
	}
	defer rows.Close()
	var out []models.ProviderZone
	for rows.Next() {
		var pz models.ProviderZone
		if err := rows.Scan(&pz.ProviderID, &pz.ZoneID, &pz.CanAcceptInterRegional); err != nil {
			return nil, models.Dependency("scan provider zone", err)
		}
		out = append(out, pz)
	}
	return out, models.Dependency("provider zones", rows.Err())
}

func (p *PostgresStore) SaveProviderZone(ctx context.Context, pz models.ProviderZone) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO provider_zones (provider_id, zone_id, can_accept_inter_regional) VALUES ($1, $2, $3)
		ON CONFLICT (provider_id, zone_id) DO UPDATE SET can_accept_inter_regional = EXCLUDED.can_accept_inter_regional`,
		pz.ProviderID, pz.ZoneID, pz.CanAcceptInterRegional)
	return models.Dependency("save provider zone", err)
}

const bookingColumns = `id, requester_id, provider_id, service_type, ride_type, booking_type, scheduled_at,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, version, dispatch_round,
	created_at, updated_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at, no_provider_at,
	cancel_reason, cancelled_by, provider_eta, currency, surge_multiplier, estimated_price, final_price,
	platform_commission, provider_earning, actual_distance_meters, payment_method, payment_tx_id, payment_status,
	origin_zone_id, destination_zone_id, inter_regional_fee, is_inter_regional, requires_approval`

// bookingValues lists b's fields in bookingColumns order.
func bookingValues(b *models.Booking) []any {
	return []any{
		b.ID, b.RequesterID, b.ProviderID, string(b.ServiceType), b.RideType, string(b.Type), b.ScheduledAt,
		b.Pickup.Lat, b.Pickup.Lon, b.Dropoff.Lat, b.Dropoff.Lon, string(b.Status), b.Version, b.DispatchRound,
		b.CreatedAt, b.UpdatedAt, b.AssignedAt, b.ArrivedAt, b.StartedAt, b.CompletedAt, b.CancelledAt, b.NoProviderAt,
		b.CancelReason, b.CancelledBy, b.ProviderETA, b.Currency, b.SurgeMultiplier, b.EstimatedPrice, b.FinalPrice,
		b.PlatformCommission, b.ProviderEarning, b.ActualDistanceMeters, string(b.PaymentMethod), b.PaymentTxID, b.PaymentStatus,
		b.OriginZoneID, b.DestinationZoneID, b.InterRegionalFee, b.IsInterRegional, b.RequiresApproval,
	}
}

func scanBooking(row interface{ Scan(...any) error }) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(
		&b.ID, &b.RequesterID, &b.ProviderID, &b.ServiceType, &b.RideType, &b.Type, &b.ScheduledAt,
		&b.Pickup.Lat, &b.Pickup.Lon, &b.Dropoff.Lat, &b.Dropoff.Lon, &b.Status, &b.Version, &b.DispatchRound,
		&b.CreatedAt, &b.UpdatedAt, &b.AssignedAt, &b.ArrivedAt, &b.StartedAt, &b.CompletedAt, &b.CancelledAt, &b.NoProviderAt,
		&b.CancelReason, &b.CancelledBy, &b.ProviderETA, &b.Currency, &b.SurgeMultiplier, &b.EstimatedPrice, &b.FinalPrice,
		&b.PlatformCommission, &b.ProviderEarning, &b.ActualDistanceMeters, &b.PaymentMethod, &b.PaymentTxID, &b.PaymentStatus,
		&b.OriginZoneID, &b.DestinationZoneID, &b.InterRegionalFee, &b.IsInterRegional, &b.RequiresApproval,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	vals := bookingValues(b)
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (`+placeholders(1, len(vals))+`)`, vals...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.ErrConflict
	}
	return models.Dependency("create booking", err)
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+p.lockClause(), id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("booking %s", id)
	}
	if err != nil {
		return nil, models.Dependency("get booking", err)
	}
	return b, nil
}

const engagedBookingSQL = `SELECT ` + bookingColumns + ` FROM bookings
	WHERE provider_id = $1 AND status IN ('DRIVER_ASSIGNED', 'DRIVER_ARRIVED', 'IN_PROGRESS')
	ORDER BY created_at DESC LIMIT 1`

func (p *PostgresStore) EngagedBooking(ctx context.Context, providerID string) (*models.Booking, error) {
	b, err := scanBooking(p.q.QueryRowContext(ctx, engagedBookingSQL, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("engaged booking for provider %s", providerID)
	}
	if err != nil {
		return nil, models.Dependency("engaged booking", err)
	}
	return b, nil
}

// UpdateBooking rewrites every column except id and created_at, conditioned
// on the version the caller read.
func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	cols := strings.Split(bookingColumns, ",")
	vals := bookingValues(b)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		c = strings.TrimSpace(c)
		if c == "id" || c == "created_at" || c == "version" {
			continue
		}
		args = append(args, vals[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
	}
	args = append(args, b.ID, b.Version)
	q := fmt.Sprintf(`UPDATE bookings SET %s, version = version + 1 WHERE id = $%d AND version = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	res, err := p.q.ExecContext(ctx, q, args...)
	if err != nil {
		return models.Dependency("update booking", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if _, err := p.GetBooking(ctx, b.ID); err != nil {
			return err
		}
		return models.ErrVersionConflict
	}
	b.Version++
	return nil
}

func (p *PostgresStore) CreateAttempt(ctx context.Context, a *models.DispatchAttempt) (bool, error) {
	res, err := p.q.ExecContext(ctx, `
		INSERT INTO dispatch_attempts (id, booking_id, provider_id, round, status, notified_at, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (booking_id, provider_id) DO NOTHING`,
		a.ID, a.BookingID, a.ProviderID, a.Round, string(a.Status), a.NotifiedAt, a.RespondedAt)
	if err != nil {
		return false, models.Dependency("create attempt", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) ListAttempts(ctx context.Context, bookingID string) ([]models.DispatchAttempt, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, booking_id, provider_id, round, status, notified_at, responded_at
		FROM dispatch_attempts WHERE booking_id = $1 ORDER BY seq`, bookingID)
	if err != nil {
		return nil, models.Dependency("list attempts", err)
	}
	defer rows.Close()
	out := make([]models.DispatchAttempt, 0)
	for rows.Next() {
		var a models.DispatchAttempt
		if err := rows.Scan(&a.ID, &a.BookingID, &a.ProviderID, &a.Round, &a.Status, &a.NotifiedAt, &a.RespondedAt); err != nil {
			return nil, models.Dependency("scan attempt", err)
		}
		out = append(out, a)
	}
	return out, models.Dependency("list attempts", rows.Err())
}

func (p *PostgresStore) UpdateAttempt(ctx context.Context, a *models.DispatchAttempt) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE dispatch_attempts SET status = $1, responded_at = $2 WHERE booking_id = $3 AND provider_id = $4`,
		string(a.Status), a.RespondedAt, a.BookingID, a.ProviderID)
	if err != nil {
		return models.Dependency("update attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFoundf("attempt %s/%s", a.BookingID, a.ProviderID)
	}
	return nil
}

func (p *PostgresStore) ListZones(ctx context.Context) ([]models.ServiceZone, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, name, parent_zone_id, shape, center_lat, center_lon, radius_meters, boundary, priority, active,
		       connected_zones, allows_inter_regional, inter_regional_fee, high_risk, international
		FROM service_zones ORDER BY id`)
	if err != nil {
		return nil, models.Dependency("list zones", err)
	}
	defer rows.Close()
	var out []models.ServiceZone
	for rows.Next() {
		var z models.ServiceZone
		var boundary []byte
		var connected pq.StringArray
		if err := rows.Scan(&z.ID, &z.Name, &z.ParentZoneID, &z.Shape, &z.Center.Lat, &z.Center.Lon, &z.RadiusMeters,
			&boundary, &z.Priority, &z.Active, &connected, &z.AllowsInterRegional, &z.InterRegionalFee,
			&z.HighRisk, &z.International); err != nil {
			return nil, models.Dependency("scan zone", err)
		}
		if len(boundary) > 0 {
			if err := json.Unmarshal(boundary, &z.Boundary); err != nil {
				return nil, models.Dependency("decode zone boundary", err)
			}
		}
		z.ConnectedZones = []string(connected)
		out = append(out, z)
	}
	return out, models.Dependency("list zones", rows.Err())
}

func (p *PostgresStore) SaveZone(ctx context.Context, z models.ServiceZone) error {
	boundary, err := json.Marshal(z.Boundary)
	if err != nil {
		return models.Validationf("zone boundary: %v", err)
	}
	if z.Boundary == nil {
		boundary = []byte("[]")
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO service_zones (id, name, parent_zone_id, shape, center_lat, center_lon, radius_meters, boundary,
			priority, active, connected_zones, allows_inter_regional, inter_regional_fee, high_risk, international)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, parent_zone_id = EXCLUDED.parent_zone_id, shape = EXCLUDED.shape,
			center_lat = EXCLUDED.center_lat, center_lon = EXCLUDED.center_lon, radius_meters = EXCLUDED.radius_meters,
			boundary = EXCLUDED.boundary, priority = EXCLUDED.priority, active = EXCLUDED.active,
			connected_zones = EXCLUDED.connected_zones, allows_inter_regional = EXCLUDED.allows_inter_regional,
			inter_regional_fee = EXCLUDED.inter_regional_fee, high_risk = EXCLUDED.high_risk,
			international = EXCLUDED.international`,
		z.ID, z.Name, z.ParentZoneID, string(z.Shape), z.Center.Lat, z.Center.Lon, z.RadiusMeters, boundary,
		z.Priority, z.Active, pq.Array(z.ConnectedZones), z.AllowsInterRegional, z.InterRegionalFee, z.HighRisk, z.International)
	return models.Dependency("save zone", err)
}
