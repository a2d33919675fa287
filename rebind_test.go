package zrel

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Simple",
			input:    "SELECT * FROM posts WHERE user_id = ?",
			expected: "SELECT * FROM posts WHERE user_id = $1",
		},
		{
			name:     "Multiple",
			input:    "SELECT * FROM posts WHERE user_id IN (?, ?) AND title = ?",
			expected: "SELECT * FROM posts WHERE user_id IN ($1, $2) AND title = $3",
		},
		{
			name:     "Inside Quotes",
			input:    "SELECT * FROM posts WHERE title = 'Question?' AND user_id = ?",
			expected: "SELECT * FROM posts WHERE title = 'Question?' AND user_id = $1",
		},
		{
			name:     "Multiple Quotes",
			input:    "INSERT INTO posts VALUES (?, 'Value?', ?, 'Another?')",
			expected: "INSERT INTO posts VALUES ($1, 'Value?', $2, 'Another?')",
		},
		{
			name:     "Empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rebind(tt.input)
			if got != tt.expected {
				t.Errorf("rebind() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT id FROM posts WHERE user_id = ?"

	assert.Equal(t, "SELECT id FROM posts WHERE user_id = $1", Postgres.Rebind(query))
	assert.Equal(t, query, MySQL.Rebind(query))
	assert.Equal(t, query, SQLite.Rebind(query))
}

func TestDialectFor(t *testing.T) {
	assert.Same(t, Postgres, DialectFor("pgx"))
	assert.Same(t, Postgres, DialectFor("postgres"))
	assert.Same(t, MySQL, DialectFor("mysql"))
	assert.Same(t, SQLite, DialectFor("sqlite3"))
	assert.Nil(t, DialectFor("oracle"))
}

func TestRegisterDialect(t *testing.T) {
	db := &sql.DB{}
	assert.Same(t, DefaultDialect, dialectOf(db))

	RegisterDialect(db, MySQL)
	assert.Same(t, MySQL, dialectOf(db))
	assert.Same(t, MySQL, New[Post]().SetDB(db).Dialect())
	assert.Same(t, SQLite, New[Post]().SetDB(db).SetDialect(SQLite).Dialect())
}
