package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/notify"
)

const (
	roomsTopic  = "rooms"
	searchLimit = 10
)

// SQLStore keeps users, rooms and messages in a relational database. Live
// updates are driven by this process's own writes, so two processes sharing
// one database do not see each other's changes until the next write.
//
// On Postgres, creation times are read from the database clock so several
// writers agree on them. SQLite is single-writer and stamps with the
// process clock.
type SQLStore struct {
	db         *sql.DB
	driverName string
	clock      *store.Clock
	broker     *notify.Broker
	log        zerolog.Logger
}

var (
	_ store.ChatStore = (*SQLStore)(nil)
	_ store.UserStore = (*SQLStore)(nil)
)

func New(driverName, dataSourceName string, log zerolog.Logger) (*SQLStore, error) {
	system := dbSystem(driverName)
	db, err := otelsql.Open(driverName, dataSourceName, otelsql.WithAttributes(system))
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		clock:      store.NewClock(),
		broker:     notify.NewBroker(log),
		log:        log.With().Str("component", "sqlstore").Logger(),
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func dbSystem(driverName string) attribute.KeyValue {
	if driverName == "postgres" {
		return semconv.DBSystemPostgreSQL
	}
	return semconv.DBSystemSqlite
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS room_markers (
		room_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		last_updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS messages_room_idx ON messages (room_id, created_at, seq);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// stamp returns the SQL value for a creation time in unix nanoseconds and
// its arguments. Postgres uses its own clock at microsecond precision.
func (s *SQLStore) stamp() (string, []any) {
	if s.driverName == "postgres" {
		return "(EXTRACT(EPOCH FROM clock_timestamp()) * 1000000)::BIGINT * 1000", nil
	}
	return "?", []any{s.clock.Now().UnixNano()}
}

// insertIfAbsent runs an INSERT ... ON CONFLICT DO NOTHING and reports
// ErrAlreadyExists when no row was written.
func (s *SQLStore) insertIfAbsent(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.insertIfAbsent(ctx,
		"INSERT INTO users (id, name, email, password, avatar) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		user.ID, user.Name, strings.ToLower(user.Email), user.Password, user.Avatar)
}

func (s *SQLStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, name, email, password, avatar FROM users WHERE " + where + " = ?")
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Name, &user.Email, &user.Password, &user.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email", strings.ToLower(email))
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr, excludeID string) ([]models.User, error) {
	query := s.rebind("SELECT id, name, email, avatar FROM users WHERE email LIKE ? AND id <> ? ORDER BY email LIMIT ?")
	rows, err := s.db.QueryContext(ctx, query, "%"+strings.ToLower(queryStr)+"%", excludeID, searchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Avatar); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLStore) updateUser(ctx context.Context, column, id, value string) error {
	query := s.rebind("UPDATE users SET " + column + " = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpdateUserName(ctx context.Context, id, name string) error {
	return s.updateUser(ctx, "name", id, name)
}

func (s *SQLStore) UpdateUserPassword(ctx context.Context, id, hash string) error {
	return s.updateUser(ctx, "password", id, hash)
}

func (s *SQLStore) CreateRoomMarker(ctx context.Context, roomID string) error {
	return s.insertIfAbsent(ctx, "INSERT INTO room_markers (room_id) VALUES (?) ON CONFLICT DO NOTHING", roomID)
}

func (s *SQLStore) CreateRoomSummary(ctx context.Context, roomID string) (models.Room, error) {
	expr, args := s.stamp()
	query := s.rebind("INSERT INTO rooms (id, last_updated_at) VALUES (?, " + expr + ") ON CONFLICT DO NOTHING RETURNING last_updated_at")
	var nanos int64
	err := s.db.QueryRowContext(ctx, query, append([]any{roomID}, args...)...).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, store.ErrAlreadyExists
	}
	if err != nil {
		return models.Room{}, err
	}
	s.broker.Publish(roomsTopic)
	return models.Room{ID: roomID, LastUpdatedAt: fromNanos(nanos)}, nil
}

func (s *SQLStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT last_updated_at FROM rooms WHERE id = ?"), roomID).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, store.ErrNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	return models.Room{ID: roomID, LastUpdatedAt: fromNanos(nanos)}, nil
}

func (s *SQLStore) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	n := at.UnixNano()
	query := s.rebind("UPDATE rooms SET last_updated_at = ? WHERE id = ? AND last_updated_at < ?")
	result, err := s.db.ExecContext(ctx, query, n, roomID, n)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.broker.Publish(roomsTopic)
	}
	return nil
}

func (s *SQLStore) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	expr, args := s.stamp()
	query := s.rebind("INSERT INTO messages (id, room_id, sender_id, text, created_at) VALUES (?, ?, ?, ?, " + expr + ") RETURNING created_at")
	var nanos int64
	err := s.db.QueryRowContext(ctx, query, append([]any{msg.ID, msg.RoomID, msg.SenderID, msg.Text}, args...)...).Scan(&nanos)
	if err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = fromNanos(nanos)
	s.broker.Publish(messagesTopic(msg.RoomID))
	return msg, nil
}

func (s *SQLStore) GetRoomMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT id, room_id, sender_id, text, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at ASC, seq ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var nanos int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &nanos); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(nanos)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_updated_at FROM rooms ORDER BY last_updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		var r models.Room
		var nanos int64
		if err := rows.Scan(&r.ID, &nanos); err != nil {
			return nil, err
		}
		r.LastUpdatedAt = fromNanos(nanos)
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *SQLStore) SubscribeMessages(ctx context.Context, roomID string, fn func([]models.Message)) (store.Disposer, error) {
	stop, err := notify.Watch(ctx, s.broker, messagesTopic(roomID), func(ctx context.Context) ([]models.Message, error) {
		return s.GetRoomMessages(ctx, roomID)
	}, fn)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

func (s *SQLStore) SubscribeRooms(ctx context.Context, fn func([]models.Room)) (store.Disposer, error) {
	stop, err := notify.Watch(ctx, s.broker, roomsTopic, s.ListRooms, fn)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func messagesTopic(roomID string) string { return "messages." + roomID }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
