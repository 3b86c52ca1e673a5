// Package tracked stores the accounts whose follower graphs are scraped.
package tracked

import (
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS user (
	id INTEGER PRIMARY KEY,
	screen_name TEXT NOT NULL,
	target_age INTEGER,
	followers_count INTEGER NOT NULL,
	protected INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS block (
	id INTEGER NOT NULL,
	target_id INTEGER NOT NULL,
	PRIMARY KEY (id, target_id)
);
`

const (
	idSelect            = "SELECT id FROM user ORDER BY id"
	userSelect          = "SELECT id, screen_name, target_age, followers_count, protected FROM user WHERE id = ?"
	userSelectAll       = "SELECT id, screen_name, target_age, followers_count, protected FROM user ORDER BY id"
	userUpdateProtected = "UPDATE user SET protected = ? WHERE id = ?"
	userUpdateTargetAge = "UPDATE user SET target_age = ? WHERE id = ?"
	blockSelect         = "SELECT target_id FROM block WHERE id = ? ORDER BY target_id"
	blockSelectAll      = "SELECT id, target_id FROM block ORDER BY id, target_id"
	blockInsert         = "INSERT OR IGNORE INTO block (id, target_id) VALUES (?, ?)"
)

const userUpsert = `
INSERT INTO user (id, screen_name, followers_count, protected)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		screen_name = excluded.screen_name,
		followers_count = excluded.followers_count,
		protected = excluded.protected`

// User is a tracked account. A zero TargetAge means the default derived from
// the follower count applies. Blocks holds the credential account ids it blocks.
type User struct {
	ID             uint64
	ScreenName     string
	TargetAge      time.Duration
	FollowersCount int
	Protected      bool
	Blocks         map[uint64]struct{}
}

// BlocksCredential reports whether the account blocks the given credential account.
func (u *User) BlocksCredential(credentialID uint64) bool {
	_, ok := u.Blocks[credentialID]
	return ok
}

// ExportRecord is the portable form of a tracked account.
type ExportRecord struct {
	ID         uint64
	ScreenName string
	TargetAge  time.Duration
}

// Registry is a SQLite database of tracked accounts. The connection is
// guarded by a mutex because a SQLite connection is not safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// Open opens or creates the registry database at path.
func Open(path string) (*Registry, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracked registry: %w", err)
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tracked registry schema: %w", err)
	}

	return &Registry{conn: conn}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn.Close()
}

// Put inserts or updates an account and adds its blocks. The stored target age is kept.
func (r *Registry) Put(user *User) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer sqlitex.Save(r.conn)(&err)

	err = sqlitex.Execute(r.conn, userUpsert, &sqlitex.ExecOptions{
		Args: []any{int64(user.ID), user.ScreenName, int64(user.FollowersCount), boolArg(user.Protected)},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}

	for targetID := range user.Blocks {
		if err := r.putBlock(user.ID, targetID); err != nil {
			return err
		}
	}

	return nil
}

// PutBlock records that an account blocks a credential account.
func (r *Registry) PutBlock(id, targetID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.putBlock(id, targetID)
}

func (r *Registry) putBlock(id, targetID uint64) error {
	err := sqlitex.Execute(r.conn, blockInsert, &sqlitex.ExecOptions{
		Args: []any{int64(id), int64(targetID)},
	})
	if err != nil {
		return fmt.Errorf("failed to insert block %d -> %d: %w", id, targetID, err)
	}

	return nil
}

// SetProtected updates the protected flag of an account.
func (r *Registry) SetProtected(id uint64, protected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := sqlitex.Execute(r.conn, userUpdateProtected, &sqlitex.ExecOptions{
		Args: []any{boolArg(protected), int64(id)},
	})
	if err != nil {
		return fmt.Errorf("failed to update protected flag of %d: %w", id, err)
	}

	return nil
}

// SetTargetAge overrides the target age of an account. Zero restores the default.
func (r *Registry) SetTargetAge(id uint64, targetAge time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var arg any
	if targetAge > 0 {
		arg = int64(targetAge / time.Second)
	}

	err := sqlitex.Execute(r.conn, userUpdateTargetAge, &sqlitex.ExecOptions{
		Args: []any{arg, int64(id)},
	})
	if err != nil {
		return fmt.Errorf("failed to update target age of %d: %w", id, err)
	}

	return nil
}

// Get returns an account with its blocks.
func (r *Registry) Get(id uint64) (*User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var user *User

	err := sqlitex.Execute(r.conn, userSelect, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			user = scanUser(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to select user %d: %w", id, err)
	}

	if user == nil {
		return nil, false, nil
	}

	err = sqlitex.Execute(r.conn, blockSelect, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			user.Blocks[uint64(stmt.ColumnInt64(0))] = struct{}{}
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to select blocks of %d: %w", id, err)
	}

	return user, true, nil
}

// IDs returns every tracked account id in ascending order.
func (r *Registry) IDs() ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uint64

	err := sqlitex.Execute(r.conn, idSelect, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, uint64(stmt.ColumnInt64(0)))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select ids: %w", err)
	}

	return ids, nil
}

// Users returns every tracked account with its blocks, ordered by id.
func (r *Registry) Users() ([]*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocks := make(map[uint64]map[uint64]struct{})

	err := sqlitex.Execute(r.conn, blockSelectAll, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, targetID := uint64(stmt.ColumnInt64(0)), uint64(stmt.ColumnInt64(1))
			if blocks[id] == nil {
				blocks[id] = make(map[uint64]struct{})
			}

			blocks[id][targetID] = struct{}{}

			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select blocks: %w", err)
	}

	var users []*User

	err = sqlitex.Execute(r.conn, userSelectAll, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			user := scanUser(stmt)
			if userBlocks, ok := blocks[user.ID]; ok {
				user.Blocks = userBlocks
			}

			users = append(users, user)

			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select users: %w", err)
	}

	return users, nil
}

// Export returns the id, screen name and target age of every account.
func (r *Registry) Export() ([]ExportRecord, error) {
	users, err := r.Users()
	if err != nil {
		return nil, err
	}

	records := make([]ExportRecord, len(users))
	for i, user := range users {
		records[i] = ExportRecord{ID: user.ID, ScreenName: user.ScreenName, TargetAge: user.TargetAge}
	}

	return records, nil
}

func scanUser(stmt *sqlite.Stmt) *User {
	user := &User{
		ID:             uint64(stmt.ColumnInt64(0)),
		ScreenName:     stmt.ColumnText(1),
		FollowersCount: int(stmt.ColumnInt64(3)),
		Protected:      stmt.ColumnInt64(4) != 0,
		Blocks:         make(map[uint64]struct{}),
	}

	if stmt.ColumnType(2) != sqlite.TypeNull {
		user.TargetAge = time.Duration(stmt.ColumnInt64(2)) * time.Second
	}

	return user
}

func boolArg(value bool) int64 {
	if value {
		return 1
	}

	return 0
}
