package models

import "time"

type User struct {
	ID        int64
	Login     string
	Hash      string // hex PBKDF2 key, also the HMAC key
	PublicKey string
	LastLogin time.Time
}

// ActiveUser is a user with a live session, as recorded at login.
type ActiveUser struct {
	Login     string
	IP        string
	Port      int
	LoginTime time.Time
}

type LoginRecord struct {
	Login    string
	DateTime time.Time
	IP       string
	Port     int
}

// MessageStats counts routed messages per user.
type MessageStats struct {
	Login    string
	LastSeen time.Time
	Sent     int
	Accepted int
}
