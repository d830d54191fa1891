package db

import (
	"database/sql"
	"errors"
	"fmt"
	"relay/models"
	"relay/protocol"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows     = errors.New("no rows found")
	ErrUserExists = errors.New("user already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			hash TEXT NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			last_login TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_users (
			user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			date_time TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS users_history (
			user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			sent INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_user ON login_history(user_id, date_time)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) userID(login string) (int64, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM users WHERE login = ?", login).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNoRows
	}
	return id, err
}

// User methods

// CreateUser registers login with the PBKDF2 hash of password.
func (db *DB) CreateUser(login, password string) error {
	exists, err := db.UserExists(login)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(
		"INSERT INTO users (login, hash, last_login) VALUES (?, ?, ?)",
		login, string(protocol.PasswordHash(login, password)), now,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO users_history (user_id) VALUES (?)", id); err != nil {
		return err
	}

	return tx.Commit()
}

// RemoveUser deletes a user with its history and both directions of its contacts.
func (db *DB) RemoveUser(login string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM users WHERE login = ?", login)
	if err != nil {
		return err
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}

	if _, err := tx.Exec("DELETE FROM contacts WHERE owner = ? OR contact = ?", login, login); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) GetUser(login string) (*models.User, error) {
	var user models.User
	var lastLogin string
	err := db.conn.QueryRow(
		"SELECT id, login, hash, public_key, last_login FROM users WHERE login = ?",
		login,
	).Scan(&user.ID, &user.Login, &user.Hash, &user.PublicKey, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	user.LastLogin, _ = time.Parse(time.RFC3339, lastLogin)
	return &user, nil
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PasswordHash returns the stored key used to verify login challenges.
func (db *DB) PasswordHash(login string) ([]byte, error) {
	var hash string
	err := db.conn.QueryRow("SELECT hash FROM users WHERE login = ?", login).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return []byte(hash), nil
}

// PublicKey returns the key the user presented at its last login, or "".
func (db *DB) PublicKey(login string) (string, error) {
	var key string
	err := db.conn.QueryRow("SELECT public_key FROM users WHERE login = ?", login).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return key, err
}

func (db *DB) UsersList() ([]string, error) {
	rows, err := db.conn.Query("SELECT login FROM users ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		users = append(users, login)
	}

	return users, rows.Err()
}

// Session methods

// UserLogin records a successful login: the public key, an active_users row
// and a login_history entry.
func (db *DB) UserLogin(login, ip string, port int, publicKey string) error {
	id, err := db.userID(login)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if publicKey != "" {
		_, err = tx.Exec("UPDATE users SET last_login = ?, public_key = ? WHERE id = ?", now, publicKey, id)
	} else {
		_, err = tx.Exec("UPDATE users SET last_login = ? WHERE id = ?", now, id)
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO active_users (user_id, ip, port, login_time) VALUES (?, ?, ?, ?)",
		id, ip, port, now,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO login_history (user_id, date_time, ip, port) VALUES (?, ?, ?, ?)",
		id, now, ip, port,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) UserLogout(login string) error {
	_, err := db.conn.Exec(
		"DELETE FROM active_users WHERE user_id = (SELECT id FROM users WHERE login = ?)",
		login,
	)
	return err
}

// ResetActive clears sessions left over from a previous run.
func (db *DB) ResetActive() error {
	_, err := db.conn.Exec("DELETE FROM active_users")
	return err
}

func (db *DB) ActiveUsers() ([]models.ActiveUser, error) {
	rows, err := db.conn.Query(`
		SELECT u.login, a.ip, a.port, a.login_time
		FROM active_users a JOIN users u ON u.id = a.user_id
		ORDER BY u.login
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []models.ActiveUser
	for rows.Next() {
		var a models.ActiveUser
		var loginTime string
		if err := rows.Scan(&a.Login, &a.IP, &a.Port, &loginTime); err != nil {
			return nil, err
		}
		a.LoginTime, _ = time.Parse(time.RFC3339, loginTime)
		active = append(active, a)
	}

	return active, rows.Err()
}

// LoginHistory returns login records, oldest first. An empty login returns
// the history of every user.
func (db *DB) LoginHistory(login string) ([]models.LoginRecord, error) {
	query := `
		SELECT u.login, h.date_time, h.ip, h.port
		FROM login_history h JOIN users u ON u.id = h.user_id
	`
	var args []any
	if login != "" {
		query += " WHERE u.login = ?"
		args = append(args, login)
	}
	query += " ORDER BY h.date_time, h.id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var dateTime string
		if err := rows.Scan(&r.Login, &dateTime, &r.IP, &r.Port); err != nil {
			return nil, err
		}
		r.DateTime, _ = time.Parse(time.RFC3339, dateTime)
		history = append(history, r)
	}

	return history, rows.Err()
}

// Contact methods
func (db *DB) GetContacts(owner string) ([]string, error) {
	rows, err := db.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// AddContact is a no-op when the contact is already present.
func (db *DB) AddContact(owner, contact string) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)", owner, contact)
	return err
}

func (db *DB) RemoveContact(owner, contact string) error {
	result, err := db.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// Message methods

// ProcessMessage counts one message sent by sender and accepted by recipient.
func (db *DB) ProcessMessage(sender, recipient string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE users_history SET sent = sent + 1 WHERE user_id = (SELECT id FROM users WHERE login = ?)",
		sender,
	); err != nil {
		return fmt.Errorf("count sent: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE users_history SET accepted = accepted + 1 WHERE user_id = (SELECT id FROM users WHERE login = ?)",
		recipient,
	); err != nil {
		return fmt.Errorf("count accepted: %w", err)
	}

	return tx.Commit()
}

func (db *DB) MessageStats() ([]models.MessageStats, error) {
	rows, err := db.conn.Query(`
		SELECT u.login, u.last_login, h.sent, h.accepted
		FROM users u JOIN users_history h ON h.user_id = u.id
		ORDER BY u.login
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.MessageStats
	for rows.Next() {
		var s models.MessageStats
		var lastLogin string
		if err := rows.Scan(&s.Login, &lastLogin, &s.Sent, &s.Accepted); err != nil {
			return nil, err
		}
		s.LastSeen, _ = time.Parse(time.RFC3339, lastLogin)
		stats = append(stats, s)
	}

	return stats, rows.Err()
}
