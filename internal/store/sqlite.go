package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/property-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	domain     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_domain ON sessions(domain);

CREATE TABLE IF NOT EXISTS properties (
	id            TEXT PRIMARY KEY,
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
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_domain ON properties(domain);

CREATE TABLE IF NOT EXISTS property_images (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	url         TEXT NOT NULL,
	alt         TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_branding (
	property_id     TEXT PRIMARY KEY REFERENCES properties(id) ON DELETE CASCADE,
	logo_url        TEXT NOT NULL DEFAULT '',
	favicon_url     TEXT NOT NULL DEFAULT '',
	primary_color   TEXT NOT NULL DEFAULT '',
	secondary_color TEXT NOT NULL DEFAULT '',
	tagline         TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_amenities (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_floor_plans (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	bedrooms    REAL NOT NULL DEFAULT 0,
	bathrooms   REAL NOT NULL DEFAULT 0,
	sqft_min    INTEGER NOT NULL DEFAULT 0,
	sqft_max    INTEGER NOT NULL DEFAULT 0,
	rent_min    REAL NOT NULL DEFAULT 0,
	rent_max    REAL NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_offers (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	expires_at  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_review_summaries (
	property_id  TEXT PRIMARY KEY REFERENCES properties(id) ON DELETE CASCADE,
	source       TEXT NOT NULL,
	rating       REAL NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_reviews (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	author      TEXT NOT NULL DEFAULT '',
	rating      REAL NOT NULL DEFAULT 0,
	body        TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS property_competitors (
	id           TEXT PRIMARY KEY,
	property_id  TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	place_id     TEXT NOT NULL DEFAULT '',
	rating       REAL NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
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
	payload    BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (domain, kind)
);

CREATE INDEX IF NOT EXISTS idx_content_cache_created_at ON content_cache(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sessions

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, target, domain, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   target = excluded.target, domain = excluded.domain, status = excluded.status,
		   data = excluded.data, updated_at = excluded.updated_at`,
		sess.ID, sess.Target, sess.Domain, string(sess.Status), string(data), sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save session %s", sess.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return decodeSession([]byte(data))
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT data FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sess, err := decodeSession([]byte(data))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// Properties

const propertySelect = `SELECT id, source_url, domain, name, address, city, state, postal_code,
	phone, email, description, property_type, unit_count, year_built, created_at, updated_at
	FROM properties`

func (s *SQLiteStore) FindPropertyByURL(ctx context.Context, sourceURL string) (*model.Property, error) {
	p, err := scanProperty(s.db.QueryRowContext(ctx, propertySelect+` WHERE source_url = ?`, sourceURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find property by url")
	}
	return p, nil
}

func (s *SQLiteStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	p, err := scanProperty(s.db.QueryRowContext(ctx, propertySelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "property %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get property %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertProperty(ctx context.Context, p *model.Property) (string, error) {
	now := s.now()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	var gotID string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO properties (id, source_url, domain, name, address, city, state, postal_code,
		   phone, email, description, property_type, unit_count, year_built, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_url) DO UPDATE SET
		   domain = excluded.domain, name = excluded.name, address = excluded.address,
		   city = excluded.city, state = excluded.state, postal_code = excluded.postal_code,
		   phone = excluded.phone, email = excluded.email, description = excluded.description,
		   property_type = excluded.property_type, unit_count = excluded.unit_count,
		   year_built = excluded.year_built, updated_at = excluded.updated_at
		 RETURNING id`,
		id, p.SourceURL, p.Domain, p.Name, p.Address, p.City, p.State, p.PostalCode,
		p.Phone, p.Email, p.Description, p.PropertyType, p.UnitCount, p.YearBuilt, now, now,
	).Scan(&gotID)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert property %s", p.SourceURL)
	}
	p.ID = gotID
	return gotID, nil
}

func (s *SQLiteStore) SaveImages(ctx context.Context, propertyID string, images []model.Image) error {
	return s.replace(ctx, propertyID, imageRows(propertyID, images, s.now()))
}

func (s *SQLiteStore) SaveBranding(ctx context.Context, propertyID string, b model.Branding) error {
	return s.replace(ctx, propertyID, brandingRows(propertyID, b, s.now()))
}

func (s *SQLiteStore) SaveAmenities(ctx context.Context, propertyID string, amenities []model.Amenity) error {
	return s.replace(ctx, propertyID, amenityRows(propertyID, amenities, s.now()))
}

func (s *SQLiteStore) SaveFloorPlans(ctx context.Context, propertyID string, plans []model.FloorPlan) error {
	return s.replace(ctx, propertyID, floorPlanRows(propertyID, plans, s.now()))
}

func (s *SQLiteStore) SaveOffers(ctx context.Context, propertyID string, offers []model.Offer) error {
	return s.replace(ctx, propertyID, offerRows(propertyID, offers, s.now()))
}

func (s *SQLiteStore) SaveReviews(ctx context.Context, propertyID string, summary *model.ReviewSummary, reviews []model.Review) error {
	return s.replace(ctx, propertyID, reviewRows(propertyID, summary, reviews, s.now())...)
}

func (s *SQLiteStore) SaveCompetitors(ctx context.Context, propertyID string, competitors []model.Competitor) error {
	return s.replace(ctx, propertyID, competitorRows(propertyID, competitors, s.now()))
}

// replace deletes the property's rows in each set's table and inserts the
// new rows, all in one transaction.
func (s *SQLiteStore) replace(ctx context.Context, propertyID string, sets ...rowSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rs := range sets {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+rs.table+` WHERE property_id = ?`, propertyID); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s", rs.table)
		}
		if len(rs.rows) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rs.columns)), ", ")
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s)`, rs.table, strings.Join(rs.columns, ", "), placeholders,
		))
		if err != nil {
			return eris.Wrapf(err, "sqlite: prepare insert %s", rs.table)
		}
		for _, row := range rs.rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				stmt.Close()
				return eris.Wrapf(err, "sqlite: insert %s", rs.table)
			}
		}
		stmt.Close()
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// Presence

func (s *SQLiteStore) HasExtraction(ctx context.Context, propertyID string, kind model.StepKind) (bool, error) {
	if kind == model.StepProperty {
		return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM properties WHERE id = ?)`, propertyID)
	}
	tables, err := presenceTablesFor(kind)
	if err != nil {
		return false, err
	}
	for _, table := range tables {
		ok, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE property_id = ?)`, propertyID)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (s *SQLiteStore) exists(ctx context.Context, query, propertyID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, propertyID).Scan(&ok); err != nil {
		return false, eris.Wrap(err, "sqlite: exists")
	}
	return ok, nil
}

// Content cache

func (s *SQLiteStore) GetCache(ctx context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error) {
	e := model.CacheEntry{Domain: domain, Kind: kind}
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, created_at FROM content_cache WHERE domain = ? AND kind = ?`,
		domain, string(kind),
	).Scan(&e.Payload, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache %s/%s", domain, kind)
	}
	return &e, nil
}

func (s *SQLiteStore) PutCache(ctx context.Context, domain string, kind model.ContentKind, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_cache (domain, kind, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (domain, kind) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		domain, string(kind), payload, s.now(),
	)
	return eris.Wrapf(err, "sqlite: put cache %s/%s", domain, kind)
}

func (s *SQLiteStore) InvalidateCache(ctx context.Context, domain string, kind model.ContentKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM content_cache WHERE domain = ? AND kind = ?`, domain, string(kind),
	)
	return eris.Wrapf(err, "sqlite: invalidate cache %s/%s", domain, kind)
}

func (s *SQLiteStore) CacheAge(ctx context.Context, domain string, kind model.ContentKind) (time.Duration, bool, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM content_cache WHERE domain = ? AND kind = ?`, domain, string(kind),
	).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: cache age %s/%s", domain, kind)
	}
	return s.now().Sub(createdAt), true, nil
}

func (s *SQLiteStore) PruneCache(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM content_cache WHERE created_at < ?`, s.now().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanProperty(row scannable) (*model.Property, error) {
	var p model.Property
	err := row.Scan(&p.ID, &p.SourceURL, &p.Domain, &p.Name, &p.Address, &p.City, &p.State, &p.PostalCode,
		&p.Phone, &p.Email, &p.Description, &p.PropertyType, &p.UnitCount, &p.YearBuilt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeSession(data []byte) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal session")
	}
	return &sess, nil
}
