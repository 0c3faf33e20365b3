package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/db"
	"github.com/sells-group/property-research/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool, pool.Close), nil
}

func newPostgresWithPool(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: closeFn,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	domain     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_domain ON sessions(domain);

CREATE TABLE IF NOT EXISTS properties (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_url    TEXT NOT NULL UNIQUE,
	domain        TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL DEFAULT '',
	city          TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT '',
	postal_code   TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	property_type TEXT NOT NULL DEFAULT '',
	unit_count    INTEGER NOT NULL DEFAULT 0,
	year_built    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_properties_domain ON properties(domain);

CREATE TABLE IF NOT EXISTS property_images (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	url         TEXT NOT NULL,
	alt         TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_branding (
	property_id     TEXT PRIMARY KEY REFERENCES properties(id) ON DELETE CASCADE,
	logo_url        TEXT NOT NULL DEFAULT '',
	favicon_url     TEXT NOT NULL DEFAULT '',
	primary_color   TEXT NOT NULL DEFAULT '',
	secondary_color TEXT NOT NULL DEFAULT '',
	tagline         TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_amenities (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_floor_plans (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	bedrooms    DOUBLE PRECISION NOT NULL DEFAULT 0,
	bathrooms   DOUBLE PRECISION NOT NULL DEFAULT 0,
	sqft_min    INTEGER NOT NULL DEFAULT 0,
	sqft_max    INTEGER NOT NULL DEFAULT 0,
	rent_min    DOUBLE PRECISION NOT NULL DEFAULT 0,
	rent_max    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_offers (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	expires_at  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_review_summaries (
	property_id  TEXT PRIMARY KEY REFERENCES properties(id) ON DELETE CASCADE,
	source       TEXT NOT NULL,
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_reviews (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	author      TEXT NOT NULL DEFAULT '',
	rating      DOUBLE PRECISION NOT NULL DEFAULT 0,
	body        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS property_competitors (
	id           TEXT PRIMARY KEY,
	property_id  TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	place_id     TEXT NOT NULL DEFAULT '',
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_property_images_pid ON property_images(property_id);
CREATE INDEX IF NOT EXISTS idx_property_amenities_pid ON property_amenities(property_id);
CREATE INDEX IF NOT EXISTS idx_property_floor_plans_pid ON property_floor_plans(property_id);
CREATE INDEX IF NOT EXISTS idx_property_offers_pid ON property_offers(property_id);
CREATE INDEX IF NOT EXISTS idx_property_reviews_pid ON property_reviews(property_id);
CREATE INDEX IF NOT EXISTS idx_property_competitors_pid ON property_competitors(property_id);

CREATE TABLE IF NOT EXISTS content_cache (
	domain     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (domain, kind)
);

CREATE INDEX IF NOT EXISTS idx_content_cache_created_at ON content_cache(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Sessions

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, target, domain, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   target = EXCLUDED.target, domain = EXCLUDED.domain, status = EXCLUDED.status,
		   data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.Target, sess.Domain, string(sess.Status), data, sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save session %s", sess.ID)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "session %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return decodeSession(data)
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT data FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Domain != "" {
		query += fmt.Sprintf(` AND domain = $%d`, argIdx)
		args = append(args, filter.Domain)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sess, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

// Properties

func (s *PostgresStore) FindPropertyByURL(ctx context.Context, sourceURL string) (*model.Property, error) {
	p, err := scanProperty(s.pool.QueryRow(ctx, propertySelect+` WHERE source_url = $1`, sourceURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find property by url")
	}
	return p, nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	p, err := scanProperty(s.pool.QueryRow(ctx, propertySelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "property %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get property %s", id)
	}
	return p, nil
}

func (s *PostgresStore) UpsertProperty(ctx context.Context, p *model.Property) (string, error) {
	now := s.now()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	var gotID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO properties (id, source_url, domain, name, address, city, state, postal_code,
		   phone, email, description, property_type, unit_count, year_built, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (source_url) DO UPDATE SET
		   domain = EXCLUDED.domain, name = EXCLUDED.name, address = EXCLUDED.address,
		   city = EXCLUDED.city, state = EXCLUDED.state, postal_code = EXCLUDED.postal_code,
		   phone = EXCLUDED.phone, email = EXCLUDED.email, description = EXCLUDED.description,
		   property_type = EXCLUDED.property_type, unit_count = EXCLUDED.unit_count,
		   year_built = EXCLUDED.year_built, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		id, p.SourceURL, p.Domain, p.Name, p.Address, p.City, p.State, p.PostalCode,
		p.Phone, p.Email, p.Description, p.PropertyType, p.UnitCount, p.YearBuilt, now, now,
	).Scan(&gotID)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert property %s", p.SourceURL)
	}
	p.ID = gotID
	return gotID, nil
}

func (s *PostgresStore) SaveImages(ctx context.Context, propertyID string, images []model.Image) error {
	return s.replace(ctx, propertyID, imageRows(propertyID, images, s.now()))
}

func (s *PostgresStore) SaveBranding(ctx context.Context, propertyID string, b model.Branding) error {
	return s.replace(ctx, propertyID, brandingRows(propertyID, b, s.now()))
}

func (s *PostgresStore) SaveAmenities(ctx context.Context, propertyID string, amenities []model.Amenity) error {
	return s.replace(ctx, propertyID, amenityRows(propertyID, amenities, s.now()))
}

func (s *PostgresStore) SaveFloorPlans(ctx context.Context, propertyID string, plans []model.FloorPlan) error {
	return s.replace(ctx, propertyID, floorPlanRows(propertyID, plans, s.now()))
}

func (s *PostgresStore) SaveOffers(ctx context.Context, propertyID string, offers []model.Offer) error {
	return s.replace(ctx, propertyID, offerRows(propertyID, offers, s.now()))
}

func (s *PostgresStore) SaveReviews(ctx context.Context, propertyID string, summary *model.ReviewSummary, reviews []model.Review) error {
	return s.replace(ctx, propertyID, reviewRows(propertyID, summary, reviews, s.now())...)
}

func (s *PostgresStore) SaveCompetitors(ctx context.Context, propertyID string, competitors []model.Competitor) error {
	return s.replace(ctx, propertyID, competitorRows(propertyID, competitors, s.now()))
}

// replace deletes the property's rows in each set's table and COPYs the new
// rows in, all in one transaction.
func (s *PostgresStore) replace(ctx context.Context, propertyID string, sets ...rowSet) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rs := range sets {
			if _, err := tx.Exec(ctx, `DELETE FROM `+rs.table+` WHERE property_id = $1`, propertyID); err != nil {
				return eris.Wrapf(err, "postgres: clear %s", rs.table)
			}
			if _, err := db.CopyFrom(ctx, tx, rs.table, rs.columns, rs.rows); err != nil {
				return eris.Wrap(err, "postgres: replace rows")
			}
		}
		return nil
	})
}

// Presence

func (s *PostgresStore) HasExtraction(ctx context.Context, propertyID string, kind model.StepKind) (bool, error) {
	if kind == model.StepProperty {
		return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM properties WHERE id = $1)`, propertyID)
	}
	tables, err := presenceTablesFor(kind)
	if err != nil {
		return false, err
	}
	for _, table := range tables {
		ok, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE property_id = $1)`, propertyID)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (s *PostgresStore) exists(ctx context.Context, query, propertyID string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, propertyID).Scan(&ok); err != nil {
		return false, eris.Wrap(err, "postgres: exists")
	}
	return ok, nil
}

// Content cache

func (s *PostgresStore) GetCache(ctx context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error) {
	e := model.CacheEntry{Domain: domain, Kind: kind}
	err := s.pool.QueryRow(ctx,
		`SELECT payload, created_at FROM content_cache WHERE domain = $1 AND kind = $2`,
		domain, string(kind),
	).Scan(&e.Payload, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cache %s/%s", domain, kind)
	}
	return &e, nil
}

func (s *PostgresStore) PutCache(ctx context.Context, domain string, kind model.ContentKind, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO content_cache (domain, kind, payload, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (domain, kind) DO UPDATE SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at`,
		domain, string(kind), payload, s.now(),
	)
	return eris.Wrapf(err, "postgres: put cache %s/%s", domain, kind)
}

func (s *PostgresStore) InvalidateCache(ctx context.Context, domain string, kind model.ContentKind) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM content_cache WHERE domain = $1 AND kind = $2`, domain, string(kind),
	)
	return eris.Wrapf(err, "postgres: invalidate cache %s/%s", domain, kind)
}

func (s *PostgresStore) CacheAge(ctx context.Context, domain string, kind model.ContentKind) (time.Duration, bool, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM content_cache WHERE domain = $1 AND kind = $2`, domain, string(kind),
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "postgres: cache age %s/%s", domain, kind)
	}
	return s.now().Sub(createdAt), true, nil
}

func (s *PostgresStore) PruneCache(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM content_cache WHERE created_at < $1`, s.now().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune cache")
	}
	return int(tag.RowsAffected()), nil
}
