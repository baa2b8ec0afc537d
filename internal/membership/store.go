// Package membership answers entitlement questions from the membership
// database: a user may use a feature while they hold an active membership
// whose type lists it.
package membership

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Features a membership type may grant.
const (
	FeatureStudy        = "학습"
	FeatureConversation = "대화"
	FeatureAnalysis     = "분석"
)

// Membership statuses.
const (
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrNotFound       = errors.New("not found")
)

// KnownFeatures lists every feature a membership type may carry.
func KnownFeatures() []string {
	return []string{FeatureStudy, FeatureConversation, FeatureAnalysis}
}

// Membership is one grant of a membership type to a user.
type Membership struct {
	ID        int64
	UserID    int64
	TypeID    int64
	TypeName  string
	Features  []string
	Status    string
	ValidFrom time.Time
	ValidTo   time.Time
}

// Active reports whether the membership currently grants its features.
func (m Membership) Active(now time.Time) bool {
	return m.Status == StatusActive && m.ValidTo.After(now)
}

type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open connects to the membership database, creating the schema when missing.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, log: log.With(slog.String("component", "membership")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS membership_types (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    duration_days INTEGER NOT NULL CHECK (duration_days > 0),
    price INTEGER NOT NULL DEFAULT 0,
    features TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS user_memberships (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    membership_type_id INTEGER NOT NULL REFERENCES membership_types(id),
    status TEXT NOT NULL DEFAULT 'active',
    valid_from INTEGER NOT NULL,
    valid_to INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_memberships_user_status ON user_memberships(user_id, status);
CREATE INDEX IF NOT EXISTS idx_user_memberships_valid_to ON user_memberships(valid_to);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// HasFeature reports whether userID holds an active membership granting
// feature. Ids that are not numeric belong to nobody.
func (s *Store) HasFeature(ctx context.Context, userID, feature string) (bool, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return false, nil
	}
	memberships, err := s.ActiveMemberships(ctx, id)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if slices.Contains(m.Features, feature) {
			return true, nil
		}
	}
	return false, nil
}

// ActiveMemberships returns the user's memberships that are active now.
func (s *Store) ActiveMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT um.id, um.user_id, um.membership_type_id, mt.name, mt.features, um.status, um.valid_from, um.valid_to
FROM user_memberships um
JOIN membership_types mt ON mt.id = um.membership_type_id
WHERE um.user_id = ? AND um.status = ? AND um.valid_to > ?
ORDER BY um.valid_to DESC`, userID, StatusActive, s.clock().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query memberships for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var (
			m         Membership
			features  string
			from, til int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.TypeID, &m.TypeName, &features, &m.Status, &from, &til); err != nil {
			return nil, err
		}
		m.Features = parseFeatures(features)
		m.ValidFrom = time.UnixMilli(from)
		m.ValidTo = time.UnixMilli(til)
		out = append(out, m)
	}
	return out, rows.Err()
}

// parseFeatures treats a malformed list as granting nothing.
func parseFeatures(raw string) []string {
	var features []string
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return nil
	}
	return features
}

func (s *Store) CreateUser(ctx context.Context, email, name string) (int64, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" || name == "" {
		return 0, errors.New("email and name are required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, name, created_at) VALUES(?, ?, ?)`,
		email, name, s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("create user %s: %w", email, err)
	}
	return res.LastInsertId()
}

// CreateMembershipType stores a type granting features for durationDays.
func (s *Store) CreateMembershipType(ctx context.Context, name string, durationDays int, price int64, features []string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("name is required")
	}
	if durationDays <= 0 {
		return 0, fmt.Errorf("duration_days must be positive, got %d", durationDays)
	}
	if price < 0 {
		return 0, fmt.Errorf("price must not be negative, got %d", price)
	}
	for _, f := range features {
		if !slices.Contains(KnownFeatures(), f) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownFeature, f)
		}
	}
	if features == nil {
		features = []string{}
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO membership_types(name, duration_days, price, features, created_at) VALUES(?, ?, ?, ?, ?)`,
		name, durationDays, price, string(encoded), s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("create membership type %s: %w", name, err)
	}
	return res.LastInsertId()
}

// Grant gives userID a membership of typeID starting at from and lasting the
// type's duration.
func (s *Store) Grant(ctx context.Context, userID, typeID int64, from time.Time) (int64, error) {
	var days int
	err := s.db.QueryRowContext(ctx, `SELECT duration_days FROM membership_types WHERE id = ?`, typeID).Scan(&days)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("membership type %d: %w", typeID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	to := from.Add(time.Duration(days) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_memberships(user_id, membership_type_id, status, valid_from, valid_to, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		userID, typeID, StatusActive, from.UnixMilli(), to.UnixMilli(), s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("grant membership to user %d: %w", userID, err)
	}
	return res.LastInsertId()
}

func (s *Store) Cancel(ctx context.Context, membershipID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_memberships SET status = ? WHERE id = ?`, StatusCancelled, membershipID)
	if err != nil {
		return fmt.Errorf("cancel membership %d: %w", membershipID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %d: %w", membershipID, ErrNotFound)
	}
	return nil
}

// ExpireMemberships marks active memberships past their end as expired and
// returns how many changed.
func (s *Store) ExpireMemberships(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_memberships SET status = ? WHERE status = ? AND valid_to <= ?`,
		StatusExpired, StatusActive, s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire memberships: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		s.log.Info("memberships expired", slog.Int64("count", n))
	}
	return n, err
}
