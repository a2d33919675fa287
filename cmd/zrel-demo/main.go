// Command zrel-demo walks through relation writes and eager loading against
// the database described by its configuration (an in-memory SQLite database
// by default).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rezakhademix/zrel"
	"github.com/rezakhademix/zrel/internal/config"
)

type User struct {
	ID    int64
	Name  string
	Email string
	Posts []*Post
}

type Post struct {
	ID        int64
	UserID    int64
	Title     string
	CreatedAt time.Time
}

var userPosts = zrel.MustDefineHasMany[User, Post]("posts", zrel.HasMany[Post]{Field: "Posts"},
	zrel.WithQueryHook[User, Post](func(q *zrel.Model[Post]) {
		q.OrderBy("id", "ASC")
	}),
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	if err := run(context.Background(), *configPath); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	zrel.SetLogger(logger)

	db, err := zrel.Open(cfg.Database.Driver, cfg.Database.DSN, &zrel.DBConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	zrel.GlobalDB = db

	if err := createSchema(ctx, db, cfg.Database.Driver); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// 1. A new user and two posts, written in one transaction.
	alice := &User{Name: "Alice", Email: "alice@example.com"}
	posts, err := zrel.NewRelationClient(db, userPosts, alice).SaveMany(ctx, []*Post{
		{Title: "Hello"},
		{Title: "Second thoughts"},
	})
	if err != nil {
		return err
	}
	for _, p := range posts {
		fmt.Printf("saved post %d %q for user %d\n", p.ID, p.Title, p.UserID)
	}

	// 2. The second insert violates the unique title: neither the user nor
	// the first post survive.
	bob := &User{Name: "Bob", Email: "bob@example.com"}
	_, err = zrel.NewRelationClient(db, userPosts, bob).CreateMany(ctx, []map[string]any{
		{"title": "Bob's first"},
		{"title": "Hello"},
	})
	fmt.Printf("createMany for bob failed as expected: %v\n", zrel.IsDuplicateKey(err))

	users, err := zrel.New[User]().Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("users after rollback: %d\n", users)

	// 3. Batch upsert keyed on title within the user's posts.
	rows, err := zrel.NewRelationClient(db, userPosts, alice).FetchOrCreateMany(ctx, []map[string]any{
		{"title": "Hello"},
		{"title": "Third"},
	}, "title")
	if err != nil {
		return err
	}
	fmt.Printf("fetchOrCreateMany returned %d rows, first id %d\n", len(rows), rows[0].ID)

	// 4. One query for the posts of every user.
	all, err := zrel.New[User]().OrderBy("id", "ASC").Get(ctx)
	if err != nil {
		return err
	}
	if err := zrel.Load(ctx, db, userPosts, all...); err != nil {
		return err
	}
	for _, u := range all {
		fmt.Printf("%s has %d posts\n", u.Name, len(u.Posts))
	}

	zrel.PrintRelations(os.Stdout)
	return nil
}

func createSchema(ctx context.Context, db *sql.DB, driver string) error {
	var id string
	switch zrel.DialectFor(driver) {
	case zrel.Postgres:
		id = "BIGSERIAL PRIMARY KEY"
	case zrel.MySQL:
		id = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	statements := []string{
		"CREATE TABLE IF NOT EXISTS users (id " + id + ", name VARCHAR(255) NOT NULL, email VARCHAR(255) NOT NULL)",
		"CREATE TABLE IF NOT EXISTS posts (id " + id + ", user_id BIGINT NOT NULL REFERENCES users(id), " +
			"title VARCHAR(255) NOT NULL UNIQUE, created_at TIMESTAMP NOT NULL)",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
