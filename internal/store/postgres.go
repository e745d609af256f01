package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wikifeedia/api/internal/rank"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// postColumns selects a full post row plus the live comment count from the
// derived table built by postSource.
const postColumns = `p.id, p.title, p.content, p.tldr, p.category, p.tags, p.images,
	p.upvotes, p.view_count, p.quality_score, COALESCE(p.source_title, ''), COALESCE(p.wiki_url, ''),
	p.created_at, p.updated_at, p.comment_count`

const postSource = `(
	SELECT p.*, (SELECT COUNT(*)::int FROM comments c WHERE c.post_id = p.id) AS comment_count
	FROM posts p
) p`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var item Post
	var tagsRaw, imagesRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Content,
		&item.TLDR,
		&item.Category,
		&tagsRaw,
		&imagesRaw,
		&item.Upvotes,
		&item.ViewCount,
		&item.QualityScore,
		&item.SourceTitle,
		&item.WikiURL,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CommentCount,
	); err != nil {
		return Post{}, err
	}
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	_ = json.Unmarshal(imagesRaw, &item.Images)
	return item, nil
}

// ListPosts returns one feed page. An unrecognized category simply matches no
// rows; the sort value is validated by the caller.
func (s *PostgresStore) ListPosts(ctx context.Context, filter ListFilter) ([]Post, error) {
	query := `SELECT ` + postColumns + ` FROM ` + postSource
	args := []any{}
	argN := 1

	if filter.Category != "" {
		query += fmt.Sprintf(" WHERE p.category = $%d", argN)
		args = append(args, filter.Category)
		argN++
	}

	switch filter.Sort {
	case SortHot:
		query += " ORDER BY " + rank.HotScoreSQL + " DESC, p.created_at DESC"
	case SortTop:
		query += " ORDER BY p.upvotes DESC, p.created_at DESC"
	case SortRandom:
		query += " ORDER BY RANDOM()"
	default:
		query += " ORDER BY p.created_at DESC"
	}

	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		item, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

// GetPost fetches one post plus its comments and bumps the view counter by
// exactly one. The increment and the read are a single statement, so two
// concurrent calls each count.
func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, []Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH bumped AS (
			UPDATE posts SET view_count = view_count + 1 WHERE id = $1 RETURNING *
		)
		SELECT `+postColumns+` FROM (
			SELECT p.*, (SELECT COUNT(*)::int FROM comments c WHERE c.post_id = p.id) AS comment_count
			FROM bumped p
		) p
	`, postID)
	item, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, nil, err
		}
		return Post{}, nil, fmt.Errorf("get post: %w", err)
	}

	comments, err := s.ListComments(ctx, postID)
	if err != nil {
		return Post{}, nil, err
	}
	return item, comments, nil
}

// PostTitle returns the title of a post without touching its view counter.
func (s *PostgresStore) PostTitle(ctx context.Context, postID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM posts WHERE id = $1`, postID).Scan(&title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("post title: %w", err)
	}
	return title, nil
}

// ListComments orders by upvotes descending, oldest first on ties.
func (s *PostgresStore) ListComments(ctx context.Context, postID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, user_id, username, content, is_ai, upvotes, created_at
		FROM comments
		WHERE post_id = $1
		ORDER BY upvotes DESC, created_at ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(
			&item.ID,
			&item.PostID,
			&item.UserID,
			&item.Username,
			&item.Content,
			&item.IsAI,
			&item.Upvotes,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, post_id, user_id, username, content, is_ai)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, post_id, user_id, username, content, is_ai, upvotes, created_at
	`, comment.ID, comment.PostID, comment.UserID, comment.Username, comment.Content, comment.IsAI).Scan(
		&comment.ID,
		&comment.PostID,
		&comment.UserID,
		&comment.Username,
		&comment.Content,
		&comment.IsAI,
		&comment.Upvotes,
		&comment.CreatedAt,
	)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) InsertPost(ctx context.Context, item Post) (Post, error) {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	images := item.Images
	if images == nil {
		images = []string{}
	}
	tagsRaw, err := json.Marshal(tags)
	if err != nil {
		return Post{}, fmt.Errorf("marshal post tags: %w", err)
	}
	imagesRaw, err := json.Marshal(images)
	if err != nil {
		return Post{}, fmt.Errorf("marshal post images: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO posts (id, title, content, tldr, category, tags, images, quality_score, source_title, wiki_url)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, NULLIF($9, ''), NULLIF($10, ''))
		RETURNING created_at
	`, item.ID, item.Title, item.Content, item.TLDR, item.Category, string(tagsRaw), string(imagesRaw),
		item.QualityScore, item.SourceTitle, item.WikiURL).Scan(&item.CreatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return item, nil
}

// CastVote records a vote and bumps the aggregate inside one transaction.
// A second cast for the same (post, user) pair leaves the counter untouched.
// Returns the authoritative upvote count.
func (s *PostgresStore) CastVote(ctx context.Context, postID, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin vote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Surface a missing post as ErrNoRows before the vote insert can trip
	// the foreign key.
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = $1`, postID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("check post: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO post_votes (post_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (post_id, user_id) DO NOTHING
	`, postID, userID)
	if err != nil {
		return 0, fmt.Errorf("insert vote: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert vote rows: %w", err)
	}

	var upvotes int
	if inserted > 0 {
		err = tx.QueryRowContext(ctx, `
			UPDATE posts SET upvotes = upvotes + 1 WHERE id = $1 RETURNING upvotes
		`, postID).Scan(&upvotes)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT upvotes FROM posts WHERE id = $1`, postID).Scan(&upvotes)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("adjust upvotes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit vote tx: %w", err)
	}
	return upvotes, nil
}

// RetractVote removes the vote row if present; a missing vote is a no-op, not
// an error. The counter never goes below zero.
func (s *PostgresStore) RetractVote(ctx context.Context, postID, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin unvote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM post_votes WHERE post_id = $1 AND user_id = $2
	`, postID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete vote: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete vote rows: %w", err)
	}

	var upvotes int
	if deleted > 0 {
		err = tx.QueryRowContext(ctx, `
			UPDATE posts SET upvotes = GREATEST(upvotes - 1, 0) WHERE id = $1 RETURNING upvotes
		`, postID).Scan(&upvotes)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT upvotes FROM posts WHERE id = $1`, postID).Scan(&upvotes)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("adjust upvotes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit unvote tx: %w", err)
	}
	return upvotes, nil
}

// SetBookmark is symmetric insert/delete against the at-most-one invariant.
func (s *PostgresStore) SetBookmark(ctx context.Context, postID, userID string, desired bool) error {
	if desired {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bookmarks (post_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (post_id, user_id) DO NOTHING
		`, postID, userID)
		if err != nil {
			return fmt.Errorf("insert bookmark: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM bookmarks WHERE post_id = $1 AND user_id = $2
	`, postID, userID)
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	return nil
}

// ListVoteFlags resolves which of the given posts the user has upvoted, in
// one grouped query per feed page.
func (s *PostgresStore) ListVoteFlags(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	return s.listFlags(ctx, "post_votes", userID, postIDs)
}

// ListBookmarkFlags is the bookmark counterpart of ListVoteFlags.
func (s *PostgresStore) ListBookmarkFlags(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	return s.listFlags(ctx, "bookmarks", userID, postIDs)
}

func (s *PostgresStore) listFlags(ctx context.Context, table, userID string, postIDs []string) (map[string]bool, error) {
	flags := make(map[string]bool)
	if len(postIDs) == 0 {
		return flags, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id FROM `+table+` WHERE user_id = $1 AND post_id = ANY($2)
	`, userID, postIDs)
	if err != nil {
		return nil, fmt.Errorf("list %s flags: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var postID string
		if err := rows.Scan(&postID); err != nil {
			return nil, fmt.Errorf("scan %s flag: %w", table, err)
		}
		flags[postID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s flags: %w", table, err)
	}
	return flags, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, color FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.Name, &item.Color); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::int,
			COALESCE(SUM(upvotes), 0)::int,
			(SELECT COUNT(*)::int FROM comments)
		FROM posts
	`).Scan(&stats.TotalPosts, &stats.TotalUpvotes, &stats.TotalComments)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// EnsureUserByName finds or creates a user for the name-login session flow.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, username string) (User, error) {
	const findUser = `SELECT id, username, email FROM users WHERE username = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, username).Scan(&user.ID, &user.Username, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (username, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.wikifeedia.dev'))
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id, username, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, username).Scan(&user.ID, &user.Username, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, COALESCE(avatar_url, ''), COALESCE(bio, '')
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.Bio)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions: Postgres fallback used when Redis is not configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
