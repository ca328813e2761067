package models

import (
	"strconv"
	"time"
)

// UserID identifies a registered user. It is issued at registration time and
// never changes.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type User struct {
	ID       UserID     `db:"id"`
	UserName string     `db:"username"`
	Language string     `db:"language"`
	Created  time.Time  `db:"created_at"`
	LastSeen *time.Time `db:"last_seen"`
}
