package inmemdb

import (
	"sync"
	"time"

	"github.com/Brhansenane/academy-control-panel/core/message"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

var nowFunc = time.Now // mockable

type (
	// DB is an in-memory storage, for tests and local development.
	DB struct {
		user    *userTable
		message *messageTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	messageTable struct {
		sync.RWMutex
		rows []*message.Message // insertion order
	}
)

func Open() *DB {
	return &DB{
		user:    &userTable{table: make(map[string]*user.User)},
		message: &messageTable{},
	}
}

// Reset empties all tables.
func (db *DB) Reset() {
	db.user.Lock()
	db.user.table = make(map[string]*user.User)
	db.user.Unlock()

	db.message.Lock()
	db.message.rows = nil
	db.message.Unlock()
}
