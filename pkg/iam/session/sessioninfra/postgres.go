package sessioninfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/session"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// PostgresSessionStore implements session.Store with Postgres as the
// authoritative record and an optional Redis-backed revocation index for the
// hot verification path. Index failures are logged and absorbed: the DB
// fallback keeps revocation deny-safe.
type PostgresSessionStore struct {
	db            *sqlx.DB
	index         session.RevocationIndex
	maxConcurrent int
	clockSkew     time.Duration
	now           func() time.Time
}

type StoreOptions struct {
	// MaxConcurrent caps live refresh sessions per user. Zero disables
	// the cap.
	MaxConcurrent int
	// ClockSkew pads revocation-index TTLs past token expiry.
	ClockSkew time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewPostgresSessionStore(db *sqlx.DB, index session.RevocationIndex, opts StoreOptions) *PostgresSessionStore {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &PostgresSessionStore{
		db:            db,
		index:         index,
		maxConcurrent: opts.MaxConcurrent,
		clockSkew:     opts.ClockSkew,
		now:           opts.Now,
	}
}

func (s *PostgresSessionStore) Create(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin session transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	superseded, err := s.createInTx(ctx, tx, sess)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit session create", errx.TypeInternal)
	}

	s.publishRevocations(ctx, superseded)
	return nil
}

// createInTx inserts the session and enforces the refresh concurrency cap.
// Returns the sessions revoked as superseded so the caller can publish them
// to the index after commit.
func (s *PostgresSessionStore) createInTx(ctx context.Context, tx *sqlx.Tx, sess *session.Session) ([]*session.Session, error) {
	var superseded []*session.Session

	if sess.TokenType == kernel.TokenTypeRefresh && s.maxConcurrent > 0 {
		var live []sessionPersistence
		query := `
			SELECT * FROM sessions
			WHERE user_id = $1 AND token_type = $2
			  AND revoked_at IS NULL AND expires_at > $3
			ORDER BY last_used_at ASC
			FOR UPDATE`
		if err := tx.SelectContext(ctx, &live, query, sess.UserID.String(), string(kernel.TokenTypeRefresh), s.now()); err != nil {
			return nil, errx.Wrap(err, "failed to count live sessions", errx.TypeInternal)
		}

		// Revoke the oldest by last use until one slot is free.
		for i := 0; len(live)-i >= s.maxConcurrent; i++ {
			old := toDomain(live[i])
			revoke := `
				UPDATE sessions SET revoked_at = $1, revoke_reason = $2
				WHERE jti = $3 AND revoked_at IS NULL`
			if _, err := tx.ExecContext(ctx, revoke, s.now(), session.ReasonSuperseded, old.JTI); err != nil {
				return nil, errx.Wrap(err, "failed to supersede session", errx.TypeInternal).
					WithDetail("jti", old.JTI)
			}
			superseded = append(superseded, old)
		}
	}

	insert := `
		INSERT INTO sessions (
			jti, user_id, tenant_id, token_type, device_fingerprint, ip,
			user_agent, issued_at, last_used_at, expires_at, revoked_at,
			revoke_reason, rotated_from, replaced_by, access_jti
		) VALUES (
			:jti, :user_id, :tenant_id, :token_type, :device_fingerprint, :ip,
			:user_agent, :issued_at, :last_used_at, :expires_at, :revoked_at,
			:revoke_reason, :rotated_from, :replaced_by, :access_jti
		)`
	if _, err := tx.NamedExecContext(ctx, insert, toPersistence(sess)); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
			return nil, errx.New("session jti already exists", errx.TypeConflict).
				WithDetail("jti", sess.JTI)
		}
		return nil, errx.Wrap(err, "failed to create session", errx.TypeInternal).
			WithDetail("jti", sess.JTI)
	}
	return superseded, nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, jti string) (*session.Session, error) {
	var p sessionPersistence
	query := `SELECT * FROM sessions WHERE jti = $1`
	err := s.db.GetContext(ctx, &p, query, jti)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, session.ErrSessionNotFound()
		}
		return nil, errx.Wrap(err, "failed to get session", errx.TypeInternal)
	}
	sess := toDomain(p)
	return sess, nil
}

func (s *PostgresSessionStore) Touch(ctx context.Context, jti string, extend bool) error {
	query := `
		UPDATE sessions SET
			last_used_at = $1,
			expires_at = CASE WHEN $2 THEN $1 + (expires_at - issued_at) ELSE expires_at END
		WHERE jti = $3 AND revoked_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, s.now(), extend, jti)
	if err != nil {
		return errx.Wrap(err, "failed to touch session", errx.TypeInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on touch", errx.TypeInternal)
	}
	if rows == 0 {
		return session.ErrSessionNotFound()
	}
	return nil
}

func (s *PostgresSessionStore) Revoke(ctx context.Context, jti, reason string) error {
	sess, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	if sess.RevokedAt != nil {
		return nil // terminal state, idempotent
	}

	query := `
		UPDATE sessions SET revoked_at = $1, revoke_reason = $2
		WHERE jti = $3 AND revoked_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, s.now(), reason, jti); err != nil {
		return errx.Wrap(err, "failed to revoke session", errx.TypeInternal).
			WithDetail("jti", jti)
	}

	s.publishRevocations(ctx, []*session.Session{sess})
	return nil
}

func (s *PostgresSessionStore) RevokeChain(ctx context.Context, jti, reason string) error {
	// Follow replaced_by links forward. Chains are short (one link per
	// rotation) so row-at-a-time is fine.
	seen := map[string]bool{}
	current := jti
	for current != "" && !seen[current] {
		seen[current] = true
		sess, err := s.Get(ctx, current)
		if err != nil {
			if errx.IsType(err, errx.TypeNotFound) {
				return nil
			}
			return err
		}
		if err := s.Revoke(ctx, current, reason); err != nil {
			return err
		}
		if sess.ReplacedBy == nil {
			return nil
		}
		current = *sess.ReplacedBy
	}
	return nil
}

func (s *PostgresSessionStore) RevokeAllForUser(ctx context.Context, userID kernel.UserID, reason string) error {
	live, err := s.ListActiveForUser(ctx, userID)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions SET revoked_at = $1, revoke_reason = $2
		WHERE user_id = $3 AND revoked_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, s.now(), reason, userID.String()); err != nil {
		return errx.Wrap(err, "failed to revoke user sessions", errx.TypeInternal).
			WithDetail("user_id", userID.String())
	}

	s.publishRevocations(ctx, live)
	return nil
}

func (s *PostgresSessionStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s.index != nil {
		revoked, err := s.index.IsRevoked(ctx, jti)
		if err == nil {
			if revoked {
				return true, nil
			}
			// Index miss is not authoritative for rows revoked before
			// the index existed or after an eviction; fall through.
		} else {
			logx.WithError(err).Debug("Session revocation index unavailable, falling back to database")
		}
	}

	var revoked bool
	query := `SELECT EXISTS(SELECT 1 FROM sessions WHERE jti = $1 AND revoked_at IS NOT NULL)`
	if err := s.db.GetContext(ctx, &revoked, query, jti); err != nil {
		return false, errx.Wrap(err, "failed to check session revocation", errx.TypeInternal)
	}
	return revoked, nil
}

func (s *PostgresSessionStore) ListActiveForUser(ctx context.Context, userID kernel.UserID) ([]*session.Session, error) {
	var rows []sessionPersistence
	query := `
		SELECT * FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY last_used_at DESC`
	if err := s.db.SelectContext(ctx, &rows, query, userID.String(), s.now()); err != nil {
		return nil, errx.Wrap(err, "failed to list active sessions", errx.TypeInternal)
	}
	return toDomainSlice(rows), nil
}

func (s *PostgresSessionStore) Rotate(ctx context.Context, oldJTI string, next *session.Session) error {
	old, err := s.Get(ctx, oldJTI)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin rotation transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	revoke := `
		UPDATE sessions SET revoked_at = $1, revoke_reason = $2, replaced_by = $3
		WHERE jti = $4 AND revoked_at IS NULL`
	result, err := tx.ExecContext(ctx, revoke, s.now(), session.ReasonRotated, next.JTI, oldJTI)
	if err != nil {
		return errx.Wrap(err, "failed to revoke rotated session", errx.TypeInternal).
			WithDetail("jti", oldJTI)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on rotation", errx.TypeInternal)
	}
	if rows == 0 {
		return session.ErrSessionRevoked().WithDetail("jti", oldJTI)
	}

	next.RotatedFrom = &old.JTI
	if _, err := s.createInTx(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit rotation", errx.TypeInternal)
	}

	s.publishRevocations(ctx, []*session.Session{old})
	return nil
}

func (s *PostgresSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1`
	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, errx.Wrap(err, "failed to delete expired sessions", errx.TypeInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errx.Wrap(err, "failed to get rows affected on cleanup", errx.TypeInternal)
	}
	return rows, nil
}

// publishRevocations pushes revoked JTIs into the index with TTL equal to the
// remaining token lifetime plus skew. Failures degrade to DB-backed checks.
func (s *PostgresSessionStore) publishRevocations(ctx context.Context, revoked []*session.Session) {
	if s.index == nil {
		return
	}
	now := s.now()
	for _, sess := range revoked {
		ttl := sess.Remaining(now) + s.clockSkew
		if err := s.index.MarkRevoked(ctx, sess.JTI, ttl); err != nil {
			logx.WithError(err).WithField("jti", sess.JTI).Warn("Failed to publish revocation to index")
		}
	}
}

// Persistence struct handling DB-specific types.
type sessionPersistence struct {
	JTI               string         `db:"jti"`
	UserID            string         `db:"user_id"`
	TenantID          *string        `db:"tenant_id"`
	TokenType         string         `db:"token_type"`
	DeviceFingerprint sql.NullString `db:"device_fingerprint"`
	IP                sql.NullString `db:"ip"`
	UserAgent         sql.NullString `db:"user_agent"`
	IssuedAt          time.Time      `db:"issued_at"`
	LastUsedAt        time.Time      `db:"last_used_at"`
	ExpiresAt         time.Time      `db:"expires_at"`
	RevokedAt         *time.Time     `db:"revoked_at"`
	RevokeReason      sql.NullString `db:"revoke_reason"`
	RotatedFrom       *string        `db:"rotated_from"`
	ReplacedBy        *string        `db:"replaced_by"`
	AccessJTI         sql.NullString `db:"access_jti"`
}

func toPersistence(s *session.Session) sessionPersistence {
	p := sessionPersistence{
		JTI:               s.JTI,
		UserID:            s.UserID.String(),
		TokenType:         string(s.TokenType),
		DeviceFingerprint: sql.NullString{String: s.DeviceFingerprint, Valid: s.DeviceFingerprint != ""},
		IP:                sql.NullString{String: s.IP, Valid: s.IP != ""},
		UserAgent:         sql.NullString{String: s.UserAgent, Valid: s.UserAgent != ""},
		IssuedAt:          s.IssuedAt,
		LastUsedAt:        s.LastUsedAt,
		ExpiresAt:         s.ExpiresAt,
		RevokedAt:         s.RevokedAt,
		RevokeReason:      sql.NullString{String: s.RevokeReason, Valid: s.RevokeReason != ""},
		RotatedFrom:       s.RotatedFrom,
		ReplacedBy:        s.ReplacedBy,
		AccessJTI:         sql.NullString{String: s.AccessJTI, Valid: s.AccessJTI != ""},
	}
	if s.TenantID != nil {
		id := s.TenantID.String()
		p.TenantID = &id
	}
	return p
}

func toDomain(p sessionPersistence) *session.Session {
	s := &session.Session{
		JTI:               p.JTI,
		UserID:            kernel.NewUserID(p.UserID),
		TokenType:         kernel.TokenType(p.TokenType),
		DeviceFingerprint: p.DeviceFingerprint.String,
		IP:                p.IP.String,
		UserAgent:         p.UserAgent.String,
		IssuedAt:          p.IssuedAt,
		LastUsedAt:        p.LastUsedAt,
		ExpiresAt:         p.ExpiresAt,
		RevokedAt:         p.RevokedAt,
		RevokeReason:      p.RevokeReason.String,
		RotatedFrom:       p.RotatedFrom,
		ReplacedBy:        p.ReplacedBy,
		AccessJTI:         p.AccessJTI.String,
	}
	if p.TenantID != nil {
		id := kernel.NewTenantID(*p.TenantID)
		s.TenantID = &id
	}
	return s
}

func toDomainSlice(rows []sessionPersistence) []*session.Session {
	sessions := make([]*session.Session, len(rows))
	for i, p := range rows {
		sessions[i] = toDomain(p)
	}
	return sessions
}
