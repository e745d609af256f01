package app

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"

	"wikifeedia/api/internal/aireply"
	"wikifeedia/api/internal/auth"
	"wikifeedia/api/internal/config"
	"wikifeedia/api/internal/metrics"
	"wikifeedia/api/internal/search"
	"wikifeedia/api/internal/store"
	"wikifeedia/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// PostView is a post as rendered in feed and detail responses. The viewer
// flags are present only when the request carried a session.
type PostView struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	TLDR         string    `json:"tldr,omitempty"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	Images       []string  `json:"images"`
	Upvotes      int       `json:"upvotes"`
	ViewCount    int       `json:"viewCount"`
	CommentCount int       `json:"commentCount"`
	QualityScore float64   `json:"qualityScore,omitempty"`
	SourceTitle  string    `json:"sourceTitle,omitempty"`
	WikiURL      string    `json:"wikiUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Upvoted      *bool     `json:"upvoted,omitempty"`
	Bookmarked   *bool     `json:"bookmarked,omitempty"`
}

type CommentView struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	UserID    *string   `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	IsAI      bool      `json:"isAi"`
	Upvotes   int       `json:"upvotes"`
	CreatedAt time.Time `json:"createdAt"`
}

type CategoryView struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type StatsView struct {
	TotalPosts    int `json:"totalPosts"`
	TotalUpvotes  int `json:"totalUpvotes"`
	TotalComments int `json:"totalComments"`
}

var allowedSorts = map[string]struct{}{
	store.SortRecent: {},
	store.SortHot:    {},
	store.SortTop:    {},
	store.SortRandom: {},
}

const (
	defaultFeedLimit = 20
	maxFeedLimit     = 100
)

type dataStore interface {
	ListPosts(context.Context, store.ListFilter) ([]store.Post, error)
	GetPost(context.Context, string) (store.Post, []store.Comment, error)
	PostTitle(context.Context, string) (string, error)
	InsertPost(context.Context, store.Post) (store.Post, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	CastVote(ctx context.Context, postID, userID string) (int, error)
	RetractVote(ctx context.Context, postID, userID string) (int, error)
	SetBookmark(ctx context.Context, postID, userID string, desired bool) error
	ListVoteFlags(ctx context.Context, userID string, postIDs []string) (map[string]bool, error)
	ListBookmarkFlags(ctx context.Context, userID string, postIDs []string) (map[string]bool, error)
	ListCategories(context.Context) ([]store.Category, error)
	Stats(context.Context) (store.Stats, error)
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type replyRelay interface {
	Enabled() bool
	Trigger(aireply.Input)
}

type completionClient interface {
	Reply(ctx context.Context, title, username, userComment string) (string, error)
}

type postGenerator interface {
	Enabled() bool
	Generate(ctx context.Context, count int, titles []string) ([]store.Post, error)
}

type searcher interface {
	Search(search.Query) search.Response
	IndexPost(search.PostRecord)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    sessionStore
	relay       replyRelay
	completions completionClient
	generator   postGenerator
	search      searcher
}

// Options carry the optional collaborators. Nil fields disable the matching
// feature rather than failing startup.
type Options struct {
	Sessions    sessionStore
	Relay       replyRelay
	Completions completionClient
	Generator   postGenerator
	Search      searcher
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: opts.Sessions,
	}
	if s.sessions == nil {
		s.sessions = dataStore
	}
	if opts.Relay != nil {
		s.relay = opts.Relay
	}
	if opts.Completions != nil {
		s.completions = opts.Completions
	}
	if opts.Generator != nil {
		s.generator = opts.Generator
	}
	if opts.Search != nil {
		s.search = opts.Search
	}
	return s
}

// Bootstrap ensures the AI author exists and seeds a starter feed on a
// fresh database.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.EnsureUserByName(ctx, aireply.BotUsername); err != nil {
		return err
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.TotalPosts > 0 {
		return nil
	}

	seeds := []store.Post{
		{
			Title:       "The War Australia Lost to Birds",
			Content:     "In 1932 the Australian military deployed soldiers with machine guns against emus destroying wheat crops in Western Australia. After weeks of pursuit and thousands of rounds fired, the emus were still standing and the operation was withdrawn. The major in command reportedly praised the birds' ability to take fire and keep running.",
			TLDR:        "Australia sent the army after emus in 1932 and the emus won.",
			Category:    "History",
			Tags:        []string{"australia", "military", "animals"},
			SourceTitle: "Emu War",
			WikiURL:     "https://en.wikipedia.org/wiki/Emu_War",
		},
		{
			Title:       "A Fungus Bigger Than 1,600 Football Fields",
			Content:     "The largest known living organism on Earth is a honey fungus in Oregon's Blue Mountains. Its underground network spans roughly 9 square kilometers and is estimated to be thousands of years old. Most of it is invisible, spreading through tree roots and soil.",
			TLDR:        "The biggest organism alive is an underground fungus in Oregon.",
			Category:    "Nature",
			Tags:        []string{"fungi", "records", "oregon"},
			SourceTitle: "Armillaria ostoyae",
			WikiURL:     "https://en.wikipedia.org/wiki/Armillaria_ostoyae",
		},
		{
			Title:       "The Ship That Sailed With a Crew of Zero",
			Content:     "The Mary Celeste was found adrift in the Atlantic in 1872, fully provisioned and seaworthy, with every member of her crew gone. No distress signals, no signs of violence, cargo intact. A century and a half later nobody has conclusively explained what happened aboard.",
			TLDR:        "A perfectly seaworthy ship was found empty in 1872 and it was never explained.",
			Category:    "Mystery",
			Tags:        []string{"maritime", "unsolved"},
			SourceTitle: "Mary Celeste",
			WikiURL:     "https://en.wikipedia.org/wiki/Mary_Celeste",
		},
	}
	for _, seed := range seeds {
		seed.ID = util.NewID("post")
		if _, err := s.store.InsertPost(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis backend stores only the user id; refill from Postgres.
	if user.Username == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ListFeed returns a feed page. When viewer is non-nil, each post carries the
// viewer's vote and bookmark state, fetched in one grouped query per flag.
func (s *Service) ListFeed(ctx context.Context, viewer *Session, filter store.ListFilter) ([]PostView, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, validationError("limit and offset must not be negative", nil)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultFeedLimit
	}
	if filter.Limit > maxFeedLimit {
		return nil, validationError("limit must be at most 100", nil)
	}
	if filter.Sort == "" {
		filter.Sort = store.SortRecent
	}
	if _, ok := allowedSorts[filter.Sort]; !ok {
		return nil, validationError("unknown sort: "+filter.Sort, nil)
	}

	posts, err := s.store.ListPosts(ctx, filter)
	if err != nil {
		return nil, err
	}

	views := lo.Map(posts, func(p store.Post, _ int) PostView {
		return postView(p)
	})

	if viewer != nil && len(posts) > 0 {
		ids := lo.Map(posts, func(p store.Post, _ int) string { return p.ID })
		voted, err := s.store.ListVoteFlags(ctx, viewer.UserID, ids)
		if err != nil {
			return nil, err
		}
		bookmarked, err := s.store.ListBookmarkFlags(ctx, viewer.UserID, ids)
		if err != nil {
			return nil, err
		}
		for i := range views {
			views[i].Upvoted = lo.ToPtr(voted[views[i].ID])
			views[i].Bookmarked = lo.ToPtr(bookmarked[views[i].ID])
		}
	}
	return views, nil
}

// GetPost returns a single post with its comment thread. Reading a post
// counts as a view.
func (s *Service) GetPost(ctx context.Context, viewer *Session, postID string) (PostView, []CommentView, error) {
	post, comments, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return PostView{}, nil, err
	}

	view := postView(post)
	if viewer != nil {
		voted, err := s.store.ListVoteFlags(ctx, viewer.UserID, []string{postID})
		if err != nil {
			return PostView{}, nil, err
		}
		marked, err := s.store.ListBookmarkFlags(ctx, viewer.UserID, []string{postID})
		if err != nil {
			return PostView{}, nil, err
		}
		view.Upvoted = lo.ToPtr(voted[postID])
		view.Bookmarked = lo.ToPtr(marked[postID])
	}

	commentViews := lo.Map(comments, func(c store.Comment, _ int) CommentView {
		return commentView(c)
	})
	return view, commentViews, nil
}

// CastVote records a vote. Repeats are no-ops; the returned counter is
// authoritative either way.
func (s *Service) CastVote(ctx context.Context, session Session, postID string) (int, error) {
	upvotes, err := s.store.CastVote(ctx, postID, session.UserID)
	if err != nil {
		return 0, err
	}
	metrics.VotesCast.Inc()
	return upvotes, nil
}

func (s *Service) RetractVote(ctx context.Context, session Session, postID string) (int, error) {
	upvotes, err := s.store.RetractVote(ctx, postID, session.UserID)
	if err != nil {
		return 0, err
	}
	metrics.VotesRetracted.Inc()
	return upvotes, nil
}

func (s *Service) SetBookmark(ctx context.Context, session Session, postID string, bookmarked bool) error {
	if _, err := s.store.PostTitle(ctx, postID); err != nil {
		return err
	}
	return s.store.SetBookmark(ctx, postID, session.UserID, bookmarked)
}

// AddComment stores a comment and hands it to the reply relay. The relay runs
// detached; its outcome never reaches the submitter.
func (s *Service) AddComment(ctx context.Context, session Session, postID, content string) (CommentView, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return CommentView{}, validationError("comment content must not be empty", nil)
	}

	title, err := s.store.PostTitle(ctx, postID)
	if err != nil {
		return CommentView{}, err
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:       util.NewID("comment"),
		PostID:   postID,
		UserID:   &session.UserID,
		Username: session.UserName,
		Content:  trimmed,
	})
	if err != nil {
		return CommentView{}, err
	}

	if s.relay != nil && s.relay.Enabled() {
		s.relay.Trigger(aireply.Input{
			PostID:      postID,
			PostTitle:   title,
			Username:    session.UserName,
			UserComment: trimmed,
		})
	}
	return commentView(comment), nil
}

// AIReply produces a single reply synchronously for the direct endpoint.
func (s *Service) AIReply(ctx context.Context, title, username, userComment string) (string, error) {
	if s.completions == nil {
		return "", upstreamError("AI service not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AIReplyTimeout)
	defer cancel()

	reply, err := s.completions.Reply(ctx, title, username, userComment)
	if err != nil {
		return "", upstreamError("AI service request failed")
	}
	if strings.TrimSpace(reply) == "" {
		return "", upstreamError("AI service returned no content")
	}
	return reply, nil
}

// GeneratePosts creates posts from Wikipedia articles, random or named, and
// pushes them into the search index.
func (s *Service) GeneratePosts(ctx context.Context, count int, titles []string) ([]PostView, error) {
	if s.generator == nil || !s.generator.Enabled() {
		return nil, upstreamError("post generation not configured")
	}

	posts, err := s.generator.Generate(ctx, count, titles)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		for _, p := range posts {
			s.search.IndexPost(search.PostRecord{
				ID:       p.ID,
				Title:    p.Title,
				TLDR:     p.TLDR,
				Content:  p.Content,
				Category: p.Category,
				WikiURL:  p.WikiURL,
			})
		}
	}

	return lo.Map(posts, func(p store.Post, _ int) PostView { return postView(p) }), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Categories(ctx context.Context) ([]CategoryView, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(categories, func(c store.Category, _ int) CategoryView {
		return CategoryView{Name: c.Name, Color: c.Color}
	}), nil
}

func (s *Service) Stats(ctx context.Context) (StatsView, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return StatsView{}, err
	}
	return StatsView{
		TotalPosts:    stats.TotalPosts,
		TotalUpvotes:  stats.TotalUpvotes,
		TotalComments: stats.TotalComments,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func postView(p store.Post) PostView {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	images := p.Images
	if images == nil {
		images = []string{}
	}
	return PostView{
		ID:           p.ID,
		Title:        p.Title,
		Content:      p.Content,
		TLDR:         p.TLDR,
		Category:     p.Category,
		Tags:         tags,
		Images:       images,
		Upvotes:      p.Upvotes,
		ViewCount:    p.ViewCount,
		CommentCount: p.CommentCount,
		QualityScore: p.QualityScore,
		SourceTitle:  p.SourceTitle,
		WikiURL:      p.WikiURL,
		CreatedAt:    p.CreatedAt,
	}
}

func commentView(c store.Comment) CommentView {
	return CommentView{
		ID:        c.ID,
		PostID:    c.PostID,
		UserID:    c.UserID,
		Username:  c.Username,
		Content:   c.Content,
		IsAI:      c.IsAI,
		Upvotes:   c.Upvotes,
		CreatedAt: c.CreatedAt,
	}
}
