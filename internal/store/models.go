package store

import "time"

type User struct {
	ID        string
	Username  string
	Email     string
	AvatarURL string
	Bio       string
	CreatedAt time.Time
}

type Category struct {
	Name  string
	Color string
}

type Post struct {
	ID           string
	Title        string
	Content      string
	TLDR         string
	Category     string
	Tags         []string
	Images       []string
	Upvotes      int
	ViewCount    int
	QualityScore float64
	SourceTitle  string
	WikiURL      string
	CreatedAt    time.Time
	UpdatedAt    *time.Time
	// Derived, never stored: counted from the comments table at read time.
	CommentCount int
}

type Comment struct {
	ID        string
	PostID    string
	UserID    *string
	Username  string
	Content   string
	IsAI      bool
	Upvotes   int
	CreatedAt time.Time
}

// ListFilter describes a feed page request.
type ListFilter struct {
	Category string
	Sort     string
	Limit    int
	Offset   int
}

// Feed sort modes.
const (
	SortRecent = "recent"
	SortHot    = "hot"
	SortTop    = "top"
	SortRandom = "random"
)

type Stats struct {
	TotalPosts    int
	TotalUpvotes  int
	TotalComments int
}
