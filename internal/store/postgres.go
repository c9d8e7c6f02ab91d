package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
)

// Schema creates the tables used by PostgresStore. Roster and point order
// follow the serial position columns.
const Schema = `
CREATE TABLE IF NOT EXISTS poker_sessions (
	session_id  TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT 'Hidden',
	expire_time TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS poker_session_points (
	session_id TEXT NOT NULL REFERENCES poker_sessions (session_id) ON DELETE CASCADE,
	point      TEXT NOT NULL,
	position   BIGSERIAL,
	PRIMARY KEY (session_id, point)
);

CREATE TABLE IF NOT EXISTS poker_participants (
	session_id     TEXT NOT NULL REFERENCES poker_sessions (session_id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	points         TEXT NOT NULL DEFAULT '',
	stars          INTEGER NOT NULL DEFAULT 0,
	position       BIGSERIAL,
	PRIMARY KEY (session_id, participant_id)
);`

const codeUniqueViolation = "23505"

type PostgresConfig struct {
	DB    *pgxpool.Pool
	Clock clockwork.Clock
	// TTL counted from session creation. Zero disables expiry.
	TTL   time.Duration
	NewID func() string
}

// PostgresStore is the durable Store. Expired sessions are hidden from reads
// and writes; DeleteExpired reclaims their rows.
type PostgresStore struct {
	db    *pgxpool.Pool
	clock clockwork.Clock
	ttl   time.Duration
	newID func() string
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(c PostgresConfig) *PostgresStore {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.NewID == nil {
		c.NewID = NewSessionID
	}

	return &PostgresStore{
		db:    c.DB,
		clock: c.Clock,
		ttl:   c.TTL,
		newID: c.NewID,
	}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return errors.StoreUnavailable(fmt.Errorf("migrate schema: %w", err))
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, title string, points []string) (string, error) {
	for range maxCreateAttempts {
		id := s.newID()
		err := s.insertSession(ctx, id, title, points)

		var pgErr *pgconn.PgError
		switch {
		case err == nil:
			return id, nil
		case stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation:
			continue
		default:
			return "", errors.StoreUnavailable(fmt.Errorf("create session: %w", err))
		}
	}

	return "", errors.Internal(fmt.Errorf("create session: no free id after %d attempts", maxCreateAttempts))
}

func (s *PostgresStore) insertSession(ctx context.Context, id, title string, points []string) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		purgeStmt  = `DELETE FROM poker_sessions WHERE session_id = $1 AND expire_time <= $2;`
		insertStmt = `INSERT INTO poker_sessions (session_id, title, state, expire_time) VALUES ($1, $2, $3, $4);`
		pointStmt  = `INSERT INTO poker_session_points (session_id, point) VALUES ($1, $2) ON CONFLICT DO NOTHING;`
	)

	now := s.clock.Now()
	if _, err = tx.Exec(ctx, purgeStmt, id, now); err != nil {
		return fmt.Errorf("purge expired session: %w", err)
	}

	if _, err = tx.Exec(ctx, insertStmt, id, title, domain.StateHidden.String(), s.expireTime(now)); err != nil {
		return err
	}

	b := &pgx.Batch{}
	for _, p := range points {
		b.Queue(pointStmt, id, p)
	}
	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert points: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	const stmt = `SELECT EXISTS (SELECT 1 FROM poker_sessions WHERE session_id = $1 AND (expire_time IS NULL OR expire_time > $2));`

	var ok bool
	if err := s.db.QueryRow(ctx, stmt, sessionID, s.clock.Now()).Scan(&ok); err != nil {
		return false, errors.StoreUnavailable(fmt.Errorf("session exists: %w", err))
	}

	return ok, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	const (
		headerStmt = `SELECT title, state FROM poker_sessions WHERE session_id = $1 AND (expire_time IS NULL OR expire_time > $2);`
		pointsStmt = `SELECT point FROM poker_session_points WHERE session_id = $1 ORDER BY position;`
		rosterStmt = `SELECT participant_id, name, points, stars FROM poker_participants WHERE session_id = $1 ORDER BY position;`
	)

	var (
		header       = make(map[string]string, 2)
		points       []string
		participants []domain.Participant
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var title, state string
		err := s.db.QueryRow(gctx, headerStmt, sessionID, s.clock.Now()).Scan(&title, &state)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.SessionNotFound(sessionID)
		}
		if err != nil {
			return fmt.Errorf("get session header: %w", err)
		}

		header[FieldTitle], header[FieldState] = title, state
		return nil
	})
	g.Go(func() error {
		rows, err := s.db.Query(gctx, pointsStmt, sessionID)
		if err != nil {
			return fmt.Errorf("get session points: %w", err)
		}

		points, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	g.Go(func() error {
		rows, err := s.db.Query(gctx, rosterStmt, sessionID)
		if err != nil {
			return fmt.Errorf("get participants: %w", err)
		}

		participants, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Participant, error) {
			var p domain.Participant
			err := r.Scan(&p.ID, &p.Name, &p.Points, &p.Stars)
			return p, err
		})
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, s.wrap("get session", err)
	}

	state, err := domain.ParseState(header[FieldState])
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("decode session %s: %w", sessionID, err))
	}

	ss := domain.Session{
		Title:        header[FieldTitle],
		State:        state,
		Points:       append([]string{}, points...),
		Participants: append([]domain.Participant{}, participants...),
	}
	return &ss, nil
}

func (s *PostgresStore) GetSessionState(ctx context.Context, sessionID string) (domain.State, error) {
	const stmt = `SELECT state FROM poker_sessions WHERE session_id = $1 AND (expire_time IS NULL OR expire_time > $2);`

	var v string
	err := s.db.QueryRow(ctx, stmt, sessionID, s.clock.Now()).Scan(&v)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, errors.SessionNotFound(sessionID)
	}
	if err != nil {
		return 0, errors.StoreUnavailable(fmt.Errorf("get session state: %w", err))
	}

	st, err := domain.ParseState(v)
	if err != nil {
		return 0, errors.Internal(err)
	}

	return st, nil
}

func (s *PostgresStore) ParticipantExists(ctx context.Context, sessionID, participantID string) (bool, error) {
	const stmt = `SELECT EXISTS (SELECT 1 FROM poker_participants WHERE session_id = $1 AND participant_id = $2);`

	var ok bool
	if err := s.db.QueryRow(ctx, stmt, sessionID, participantID).Scan(&ok); err != nil {
		return false, errors.StoreUnavailable(fmt.Errorf("participant exists: %w", err))
	}

	return ok, nil
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, sessionID string, p domain.Participant) error {
	const stmt = `
INSERT INTO poker_participants (session_id, participant_id, name, points, stars)
SELECT $1, $2, $3, $4, $5
WHERE EXISTS (SELECT 1 FROM poker_sessions WHERE session_id = $1 AND (expire_time IS NULL OR expire_time > $6))
ON CONFLICT (session_id, participant_id) DO UPDATE
SET name = EXCLUDED.name, points = EXCLUDED.points, stars = EXCLUDED.stars;`

	_, err := s.db.Exec(ctx, stmt, sessionID, p.ID, p.Name, p.Points, p.Stars, s.clock.Now())
	return s.wrap("create participant", err)
}

func (s *PostgresStore) DeleteParticipant(ctx context.Context, sessionID, participantID string) error {
	const stmt = `DELETE FROM poker_participants WHERE session_id = $1 AND participant_id = $2;`

	_, err := s.db.Exec(ctx, stmt, sessionID, participantID)
	return s.wrap("delete participant", err)
}

func (s *PostgresStore) MigrateParticipantID(ctx context.Context, sessionID, oldID, newID string) error {
	ok, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.SessionNotFound(sessionID)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		const (
			dropStmt   = `DELETE FROM poker_participants WHERE session_id = $1 AND participant_id = $2;`
			renameStmt = `UPDATE poker_participants SET participant_id = $3 WHERE session_id = $1 AND participant_id = $2;`
		)

		if _, err := tx.Exec(ctx, dropStmt, sessionID, newID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, renameStmt, sessionID, oldID, newID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.ParticipantNotFound(sessionID, oldID)
		}
		return nil
	})

	return s.wrap("migrate participant", err)
}

func (s *PostgresStore) UpdateParticipantName(ctx context.Context, sessionID, participantID, name string) error {
	const stmt = `UPDATE poker_participants SET name = $3 WHERE session_id = $1 AND participant_id = $2;`

	_, err := s.db.Exec(ctx, stmt, sessionID, participantID, name)
	return s.wrap("update participant name", err)
}

func (s *PostgresStore) UpdateParticipantPoints(ctx context.Context, sessionID, participantID, points string) error {
	const stmt = `UPDATE poker_participants SET points = $3 WHERE session_id = $1 AND participant_id = $2;`

	_, err := s.db.Exec(ctx, stmt, sessionID, participantID, points)
	return s.wrap("update participant points", err)
}

func (s *PostgresStore) IncrementParticipantStars(ctx context.Context, sessionID, participantID string, n int) error {
	const stmt = `UPDATE poker_participants SET stars = stars + $3 WHERE session_id = $1 AND participant_id = $2;`

	_, err := s.db.Exec(ctx, stmt, sessionID, participantID, n)
	return s.wrap("increment participant stars", err)
}

func (s *PostgresStore) ClearAllParticipantPoints(ctx context.Context, sessionID string) error {
	const stmt = `UPDATE poker_participants SET points = '' WHERE session_id = $1;`

	_, err := s.db.Exec(ctx, stmt, sessionID)
	return s.wrap("clear participant points", err)
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, sessionID string, state domain.State) error {
	const stmt = `UPDATE poker_sessions SET state = $2 WHERE session_id = $1;`

	_, err := s.db.Exec(ctx, stmt, sessionID, state.String())
	return s.wrap("update session state", err)
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	const stmt = `UPDATE poker_sessions SET title = $2 WHERE session_id = $1;`

	_, err := s.db.Exec(ctx, stmt, sessionID, title)
	return s.wrap("update session title", err)
}

func (s *PostgresStore) AddPoint(ctx context.Context, sessionID, point string) error {
	const stmt = `
INSERT INTO poker_session_points (session_id, point)
SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM poker_sessions WHERE session_id = $1)
ON CONFLICT DO NOTHING;`

	_, err := s.db.Exec(ctx, stmt, sessionID, point)
	return s.wrap("add point", err)
}

func (s *PostgresStore) RemovePoint(ctx context.Context, sessionID, point string) error {
	const stmt = `DELETE FROM poker_session_points WHERE session_id = $1 AND point = $2;`

	_, err := s.db.Exec(ctx, stmt, sessionID, point)
	return s.wrap("remove point", err)
}

// DeleteExpired removes expired sessions with their points and participants.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	const stmt = `DELETE FROM poker_sessions WHERE expire_time <= $1;`

	tag, err := s.db.Exec(ctx, stmt, s.clock.Now())
	if err != nil {
		return 0, s.wrap("delete expired sessions", err)
	}

	return tag.RowsAffected(), nil
}

// Close does not close the pool, it is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) expireTime(now time.Time) *time.Time {
	if s.ttl <= 0 {
		return nil
	}
	t := now.Add(s.ttl)
	return &t
}

func (s *PostgresStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}

	return errors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
}
