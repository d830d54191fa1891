package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"relay/db"
	"relay/models"
	"strconv"
	"strings"
	"time"
)

// Admin is the part of the database the control socket manages directly.
type Admin interface {
	CreateUser(login, password string) error
	RemoveUser(login string) error
	GetUser(login string) (*models.User, error)
	ActiveUsers() ([]models.ActiveUser, error)
	LoginHistory(login string) ([]models.LoginRecord, error)
	MessageStats() ([]models.MessageStats, error)
}

const controlTimeout = 5 * time.Second

// ServeControl answers one-line management commands on ln until ctx is
// cancelled. shutdown is invoked for the "shutdown" command.
func (s *Server) ServeControl(ctx context.Context, ln net.Listener, admin Admin, shutdown func()) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("Control socket listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go s.handleControlCommand(ctx, conn, admin, shutdown)
	}
}

func (s *Server) handleControlCommand(ctx context.Context, conn net.Conn, admin Admin, shutdown func()) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 3)

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	reply := func(format string, args ...any) {
		fmt.Fprintf(conn, format+"\n", args...)
	}

	switch parts[0] {
	case "stats":
		stats, err := s.Stats(ctx)
		if err != nil {
			reply("ERROR|%v", err)
			return
		}
		reply("OK|%s", stats)

	case "active":
		active, err := admin.ActiveUsers()
		if err != nil {
			reply("ERROR|%v", err)
			return
		}
		items := make([]string, 0, len(active))
		for _, a := range active {
			items = append(items, a.Login+"@"+net.JoinHostPort(a.IP, strconv.Itoa(a.Port))+"@"+a.LoginTime.Format(time.RFC3339))
		}
		reply("OK|%s", strings.Join(items, ","))

	case "history":
		login := ""
		if len(parts) >= 2 {
			login = parts[1]
		}
		history, err := admin.LoginHistory(login)
		if err != nil {
			reply("ERROR|%v", err)
			return
		}
		items := make([]string, 0, len(history))
		for _, h := range history {
			items = append(items, h.Login+"@"+net.JoinHostPort(h.IP, strconv.Itoa(h.Port))+"@"+h.DateTime.Format(time.RFC3339))
		}
		reply("OK|%s", strings.Join(items, ","))

	case "messages":
		stats, err := admin.MessageStats()
		if err != nil {
			reply("ERROR|%v", err)
			return
		}
		items := make([]string, 0, len(stats))
		for _, st := range stats {
			items = append(items, fmt.Sprintf("%s:sent=%d:accepted=%d", st.Login, st.Sent, st.Accepted))
		}
		reply("OK|%s", strings.Join(items, ","))

	case "user":
		if len(parts) < 2 || parts[1] == "" {
			reply("ERROR|Usage: user|login")
			return
		}
		user, err := admin.GetUser(parts[1])
		if err != nil {
			if errors.Is(err, db.ErrNoRows) {
				reply("ERROR|User not found")
			} else {
				reply("ERROR|%v", err)
			}
			return
		}
		hasKey := user.PublicKey != ""
		reply("OK|login=%s,id=%d,last_login=%s,public_key=%t",
			user.Login, user.ID, user.LastLogin.Format(time.RFC3339), hasKey)

	case "adduser":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			reply("ERROR|Usage: adduser|login|password")
			return
		}
		if err := admin.CreateUser(parts[1], parts[2]); err != nil {
			reply("ERROR|%v", err)
			return
		}
		n, _ := s.Broadcast(ctx)
		reply("OK|User %s created, notified %d", parts[1], n)

	case "deluser":
		if len(parts) < 2 || parts[1] == "" {
			reply("ERROR|Usage: deluser|login")
			return
		}
		if err := admin.RemoveUser(parts[1]); err != nil {
			if errors.Is(err, db.ErrNoRows) {
				reply("ERROR|User not found")
			} else {
				reply("ERROR|%v", err)
			}
			return
		}
		if _, err := s.Kick(ctx, parts[1]); err != nil {
			errorLog.Printf("Failed to close session of removed user %s: %v", parts[1], err)
		}
		n, _ := s.Broadcast(ctx)
		reply("OK|User %s removed, notified %d", parts[1], n)

	case "broadcast":
		n, err := s.Broadcast(ctx)
		if err != nil {
			reply("ERROR|%v", err)
			return
		}
		reply("OK|Notified %d", n)

	case "shutdown":
		reply("OK|Shutting down")
		log.Printf("Shutdown requested over control socket")
		if shutdown != nil {
			shutdown()
		}

	default:
		reply("ERROR|Unknown command")
	}
}
