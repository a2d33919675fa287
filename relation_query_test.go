package zrel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postColumns = "id, user_id, title, body"

func TestDefineHasMany_Defaults(t *testing.T) {
	assert.Equal(t, "posts", userPosts.Name())
	assert.Equal(t, "id", userPosts.LocalKey())
	assert.Equal(t, "user_id", userPosts.ForeignKey())
	assert.Equal(t, "posts.user_id", userPosts.QualifiedForeignKey())
	assert.Equal(t, "posts", userPosts.Table())
	assert.NotNil(t, userPosts.NewRelated())
}

func TestDefineHasMany_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  HasMany[Post]
	}{
		{name: "unknown foreign key", cfg: HasMany[Post]{ForeignKey: "author_id"}},
		{name: "unknown local key", cfg: HasMany[Post]{LocalKey: "uuid"}},
		{name: "unknown field", cfg: HasMany[Post]{Field: "Articles"}},
		{name: "field of wrong type", cfg: HasMany[Post]{Field: "Name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DefineHasMany[User, Post]("broken", tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidRelation)

			var re *RelationError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "broken", re.Relation)
			assert.Equal(t, "User", re.ModelType)
		})
	}

	assert.Panics(t, func() {
		MustDefineHasMany[User, Post]("broken", HasMany[Post]{ForeignKey: "author_id"})
	})
}

func TestRelationQuery_SingleParent(t *testing.T) {
	q := Query(nil, userPosts, &User{ID: 1})

	sql, args, err := q.ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1", sql)
	assert.Equal(t, []any{int64(1)}, args)
	assert.False(t, q.IsEagerLoad())
	assert.Equal(t, []string{"posts.user_id"}, q.RelationKeys())
}

func TestRelationQuery_EagerDedupesKeys(t *testing.T) {
	parents := []*User{{ID: 1}, {ID: 2}, {ID: 2}, {ID: 3}}
	q := EagerQuery(nil, userPosts, parents)

	sql, args, err := q.ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id IN ($1, $2, $3)", sql)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, args)
	assert.True(t, q.IsEagerLoad())
}

func TestRelationQuery_EagerSingleParentUsesIn(t *testing.T) {
	sql, _, err := EagerQuery(nil, userPosts, []*User{{ID: 4}}).ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id IN ($1)", sql)
}

func TestRelationQuery_ConstraintsAppliedOnce(t *testing.T) {
	q := Query(nil, userPosts, &User{ID: 1})

	require.NoError(t, q.ApplyConstraints())
	require.NoError(t, q.ApplyConstraints())

	sql, args, err := q.ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1", sql)
	assert.Len(t, args, 1)
}

func TestRelationQuery_OrWhereKeepsScope(t *testing.T) {
	sql, args, err := Query(nil, userPosts, &User{ID: 1}).
		Where("title", "a").
		OrWhere("title", "b").
		ToSQL()

	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1 AND (title = $2 OR title = $3)", sql)
	assert.Equal(t, []any{int64(1), "a", "b"}, args)
}

func TestRelationQuery_WhereGroup(t *testing.T) {
	var inner string
	q := Query(nil, userPosts, &User{ID: 1}).
		Where("body", "").
		WhereGroup(func(sub *RelationQuery[User, Post]) {
			sub.Where("title", "a").OrWhere("title", "b")
			// The sub query keeps the relation scope when rendered on its own.
			inner, _, _ = sub.Clone().ToSQL()
		}).
		OrderBy("id", "desc").
		Limit(10).
		Offset(20)

	sql, args, err := q.ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1 AND body = $2 AND (title = $3 OR title = $4) ORDER BY id DESC LIMIT 10 OFFSET 20", sql)
	assert.Equal(t, []any{int64(1), "", "a", "b"}, args)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1 AND (title = $2 OR title = $3)", inner)
}

func TestRelationQuery_Hook(t *testing.T) {
	hookCalls := 0
	recent := MustDefineHasMany[User, Post]("recent_posts", HasMany[Post]{},
		WithQueryHook[User, Post](func(q *Model[Post]) {
			hookCalls++
			q.OrderBy("id", "DESC").Limit(5)
		}),
	)

	q := Query(nil, recent, &User{ID: 9})
	require.NoError(t, q.ApplyConstraints())
	sql, _, err := q.ToSQL()

	require.NoError(t, err)
	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1 ORDER BY id DESC LIMIT 5", sql)
	assert.True(t, recent.Describe().HasHook)
	assert.False(t, userPosts.Describe().HasHook)
}

func TestRelationQuery_TableOverride(t *testing.T) {
	archived := MustDefineHasMany[User, Post]("archived_posts", HasMany[Post]{Table: "archived_posts"})

	sql, _, err := Query(nil, archived, &User{ID: 1}).ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM archived_posts WHERE archived_posts.user_id = $1", sql)
}

func TestRelationQuery_MissingParentKey(t *testing.T) {
	_, _, err := Query(nil, userPosts, &User{}).ToSQL()

	var mke *MissingKeyError
	require.ErrorAs(t, err, &mke)
	assert.Equal(t, OpQuery, mke.Op)
	assert.Equal(t, "id", mke.Key)

	_, err = EagerQuery(nil, userPosts, []*User{{ID: 1}, {}}).Get(t.Context())
	assert.True(t, IsMissingKey(err))
}

func TestRelationQuery_EagerWithoutParents(t *testing.T) {
	posts, err := EagerQuery[User, Post](nil, userPosts, nil).Get(t.Context())
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestSubQuery(t *testing.T) {
	sub := SubQuery(nil, userPosts)

	expr, args, err := sub.CountExpr()
	require.NoError(t, err)
	assert.Equal(t, "(SELECT COUNT(*) FROM posts WHERE posts.user_id = users.id)", expr)
	assert.Empty(t, args)

	_, err = SubQuery(nil, userPosts).Get(t.Context())
	assert.ErrorIs(t, err, ErrInvalidRelation)
}

func TestWhereHas(t *testing.T) {
	sql, args := WhereHas(New[User](), userPosts, func(q *RelationQuery[User, Post]) {
		q.Where("title", "a")
	}).Where("name", "alice").ToSQL()

	assert.Equal(t, "SELECT id, name, email FROM users WHERE EXISTS (SELECT 1 FROM posts WHERE posts.user_id = users.id AND title = $1) AND name = $2", sql)
	assert.Equal(t, []any{"a", "alice"}, args)

	sql, args = WhereDoesntHave(New[User](), userPosts, nil).ToSQL()
	assert.Equal(t, "SELECT id, name, email FROM users WHERE NOT EXISTS (SELECT 1 FROM posts WHERE posts.user_id = users.id)", sql)
	assert.Empty(t, args)
}

func TestRelationQuery_GetWithMock(t *testing.T) {
	db, mock := setupMock(t)
	mock.ExpectQuery("SELECT " + postColumns + " FROM posts WHERE posts.user_id = ? AND title = ?").
		WithArgs(int64(1), "a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "body"}).
			AddRow(int64(10), int64(1), "a", "first"))
	mock.ExpectQuery("SELECT COUNT(*) FROM posts WHERE posts.user_id = ?").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	posts, err := Query(db, userPosts, &User{ID: 1}).Where("title", "a").Get(t.Context())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, Post{ID: 10, UserID: 1, Title: "a", Body: "first"}, *posts[0])

	n, err := Query(db, userPosts, &User{ID: 1}).Count(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLoad(t *testing.T) {
	db := setupDB(t)
	ctx := t.Context()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	carol := seedUser(t, db, "carol")

	_, err := NewRelationClient(db, userPosts, alice).CreateMany(ctx, []map[string]any{{"title": "a1"}, {"title": "a2"}})
	require.NoError(t, err)
	_, err = NewRelationClient(db, userPosts, bob).Create(ctx, map[string]any{"title": "b1"})
	require.NoError(t, err)

	require.NoError(t, Load(ctx, db, userPosts, alice, bob, carol))

	require.Len(t, alice.Posts, 2)
	assert.Equal(t, "a1", alice.Posts[0].Title)
	assert.Equal(t, "a2", alice.Posts[1].Title)
	require.Len(t, bob.Posts, 1)
	assert.Equal(t, bob.ID, bob.Posts[0].UserID)
	assert.NotNil(t, carol.Posts)
	assert.Empty(t, carol.Posts)

	groups, err := EagerQuery(db, userPosts, []*User{bob, alice}).GetGrouped(ctx)
	require.NoError(t, err)
	assert.Len(t, groups[0], 1)
	assert.Len(t, groups[1], 2)

	exists, err := Query(db, userPosts, carol).Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	first, err := Query(db, userPosts, alice).OrderBy("id", "ASC").First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", first.Title)

	_, err = Query(db, userPosts, carol).First(ctx)
	assert.True(t, IsNotFound(err))

	withPosts, err := WhereHas(New[User]().SetDB(db), userPosts, nil).OrderBy("id", "ASC").Get(ctx)
	require.NoError(t, err)
	require.Len(t, withPosts, 2)
	assert.Equal(t, "alice", withPosts[0].Name)
}

func TestLoad_WithoutField(t *testing.T) {
	noField := MustDefineHasMany[User, Post]("posts_no_field", HasMany[Post]{})
	err := Load(t.Context(), nil, noField, &User{ID: 1})
	assert.ErrorIs(t, err, ErrInvalidRelation)
}

func TestPrintRelations(t *testing.T) {
	var buf bytes.Buffer
	PrintRelations(&buf)

	out := buf.String()
	assert.Contains(t, out, "user_id")
	assert.Contains(t, out, "Posts")

	var names []string
	for _, info := range Relations() {
		if info.Parent == "User" {
			names = append(names, info.Name)
		}
	}
	assert.Contains(t, names, "posts")
}

func TestRelationQuery_WhereGroupLeavesHookToOuterQuery(t *testing.T) {
	published := MustDefineHasMany[User, Post]("published_posts", HasMany[Post]{},
		WithQueryHook[User, Post](func(q *Model[Post]) {
			q.WhereOp("body", "<>", "")
		}),
	)

	var inner string
	sql, args, err := Query(nil, published, &User{ID: 1}).
		WhereGroup(func(sub *RelationQuery[User, Post]) {
			sub.Where("title", "a").OrWhere("title", "b")
			inner, _, _ = sub.ToSQL()
		}).
		ToSQL()

	require.NoError(t, err)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1 AND (title = $2 OR title = $3) AND body <> $4", sql)
	assert.Equal(t, []any{int64(1), "a", "b", ""}, args)
	assert.Equal(t, "SELECT "+postColumns+" FROM posts WHERE posts.user_id = $1 AND (title = $2 OR title = $3)", inner)
}

func TestWhereHas_ReportsSubQueryError(t *testing.T) {
	broken := errors.New("broken sub query")

	users := WhereHas(New[User](), userPosts, func(q *RelationQuery[User, Post]) {
		q.applied, q.err = true, broken
	})

	assert.Same(t, broken, users.Err())
	_, err := users.Get(t.Context())
	assert.Same(t, broken, err)
}
