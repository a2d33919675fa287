package zrel

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type User struct {
	ID    int64
	Name  string
	Email string
	Posts []*Post
}

type Post struct {
	ID     int64
	UserID int64
	Title  string
	Body   string
}

var userPosts = MustDefineHasMany[User, Post]("posts", HasMany[Post]{Field: "Posts"})

const testSchema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT ''
);
CREATE TABLE posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	UNIQUE (user_id, title)
);
`

// setupDB opens a private in-memory SQLite database. A single connection
// keeps every statement, including those inside transactions, on the same
// database.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open("sqlite3", ":memory:", &DBConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

// setupMock returns a sqlmock connection matching SQL exactly, using ?
// placeholders.
func setupMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	RegisterDialect(db, SQLite)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func seedUser(t *testing.T, db *sql.DB, name string) *User {
	t.Helper()
	u := &User{Name: name, Email: name + "@example.com"}
	require.NoError(t, New[User]().SetDB(db).Create(t.Context(), u))
	return u
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}
