package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidMessage = errors.New("invalid message format")

	// ErrMalformedEnvelope is valid JSON that does not fit the envelope, such
	// as a field of the wrong type. The frame itself was consumed intact.
	ErrMalformedEnvelope = errors.New("malformed message envelope")
)

// Action identifies a client request.
type Action string

const (
	ActionPresence         Action = "presence"
	ActionMessage          Action = "message"
	ActionExit             Action = "exit"
	ActionGetContacts      Action = "get_contacts"
	ActionAddContact       Action = "add_contact"
	ActionRemoveContact    Action = "remove_contact"
	ActionUsersRequest     Action = "users_request"
	ActionPublicKeyRequest Action = "public_key_request"
)

// Response codes.
const (
	StatusOK           = 200
	StatusList         = 202
	StatusListsChanged = 205
	StatusBadRequest   = 400
	StatusAuth         = 511
)

// User is the "user" field of a message. Presence carries the full object,
// other actions may send a bare account name.
type User struct {
	AccountName string `json:"account_name"`
	PublicKey   string `json:"public_key,omitempty"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &u.AccountName)
	}
	type plain User
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = User(p)
	return nil
}

// Message is the envelope exchanged in both directions. Requests carry
// Action, replies carry Response.
type Message struct {
	Action      Action   `json:"action,omitempty"`
	Response    int      `json:"response,omitempty"`
	Time        float64  `json:"time,omitempty"`
	User        *User    `json:"user,omitempty"`
	AccountName string   `json:"account_name,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	Destination string   `json:"destination,omitempty"`
	MessageText string   `json:"message_text,omitempty"`
	Data        string   `json:"data,omitempty"`
	Error       string   `json:"error,omitempty"`
	ListInfo    []string `json:"list_info,omitempty"`
}

// UserName returns the account name in the user field, or "" if absent.
func (m *Message) UserName() string {
	if m.User == nil {
		return ""
	}
	return m.User.AccountName
}

// Now returns the current time in the envelope's unix-seconds format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func OK() *Message {
	return &Message{Response: StatusOK}
}

func List(items []string) *Message {
	return &Message{Response: StatusList, ListInfo: items}
}

func ListsChanged() *Message {
	return &Message{Response: StatusListsChanged}
}

func Error(text string) *Message {
	return &Message{Response: StatusBadRequest, Error: text}
}

func Auth(data string) *Message {
	return &Message{Response: StatusAuth, Data: data}
}

// Presence builds the login request a client sends first.
func Presence(accountName, publicKey string) *Message {
	return &Message{
		Action: ActionPresence,
		Time:   Now(),
		User:   &User{AccountName: accountName, PublicKey: publicKey},
	}
}

// Marshal encodes m as JSON.
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a JSON payload into a Message. A payload that is not JSON
// fails with ErrInvalidMessage, valid JSON of the wrong shape with
// ErrMalformedEnvelope.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if json.Valid(data) {
			return nil, errors.Join(ErrMalformedEnvelope, err)
		}
		return nil, errors.Join(ErrInvalidMessage, err)
	}
	return &m, nil
}
