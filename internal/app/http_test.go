package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wikifeedia/api/internal/aireply"
	"wikifeedia/api/internal/auth"
	"wikifeedia/api/internal/config"
	"wikifeedia/api/internal/store"
)

type fakeStore struct {
	listPostsFn         func(context.Context, store.ListFilter) ([]store.Post, error)
	getPostFn           func(context.Context, string) (store.Post, []store.Comment, error)
	postTitleFn         func(context.Context, string) (string, error)
	insertPostFn        func(context.Context, store.Post) (store.Post, error)
	insertCommentFn     func(context.Context, store.Comment) (store.Comment, error)
	castVoteFn          func(context.Context, string, string) (int, error)
	retractVoteFn       func(context.Context, string, string) (int, error)
	setBookmarkFn       func(context.Context, string, string, bool) error
	listVoteFlagsFn     func(context.Context, string, []string) (map[string]bool, error)
	listBookmarkFlagsFn func(context.Context, string, []string) (map[string]bool, error)
	listCategoriesFn    func(context.Context) ([]store.Category, error)
	statsFn             func(context.Context) (store.Stats, error)
	ensureUserFn        func(context.Context, string) (store.User, error)
	getUserByIDFn       func(context.Context, string) (store.User, error)
	pingFn              func(context.Context) error
}

func (f *fakeStore) ListPosts(ctx context.Context, filter store.ListFilter) ([]store.Post, error) {
	if f.listPostsFn != nil {
		return f.listPostsFn(ctx, filter)
	}
	return []store.Post{}, nil
}

func (f *fakeStore) GetPost(ctx context.Context, id string) (store.Post, []store.Comment, error) {
	if f.getPostFn != nil {
		return f.getPostFn(ctx, id)
	}
	return store.Post{}, nil, sql.ErrNoRows
}

func (f *fakeStore) PostTitle(ctx context.Context, id string) (string, error) {
	if f.postTitleFn != nil {
		return f.postTitleFn(ctx, id)
	}
	return "A Post", nil
}

func (f *fakeStore) InsertPost(ctx context.Context, p store.Post) (store.Post, error) {
	if f.insertPostFn != nil {
		return f.insertPostFn(ctx, p)
	}
	return p, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	c.CreatedAt = time.Now()
	return c, nil
}

func (f *fakeStore) CastVote(ctx context.Context, postID, userID string) (int, error) {
	if f.castVoteFn != nil {
		return f.castVoteFn(ctx, postID, userID)
	}
	return 1, nil
}

func (f *fakeStore) RetractVote(ctx context.Context, postID, userID string) (int, error) {
	if f.retractVoteFn != nil {
		return f.retractVoteFn(ctx, postID, userID)
	}
	return 0, nil
}

func (f *fakeStore) SetBookmark(ctx context.Context, postID, userID string, desired bool) error {
	if f.setBookmarkFn != nil {
		return f.setBookmarkFn(ctx, postID, userID, desired)
	}
	return nil
}

func (f *fakeStore) ListVoteFlags(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	if f.listVoteFlagsFn != nil {
		return f.listVoteFlagsFn(ctx, userID, postIDs)
	}
	return map[string]bool{}, nil
}

func (f *fakeStore) ListBookmarkFlags(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	if f.listBookmarkFlagsFn != nil {
		return f.listBookmarkFlagsFn(ctx, userID, postIDs)
	}
	return map[string]bool{}, nil
}

func (f *fakeStore) ListCategories(ctx context.Context) ([]store.Category, error) {
	if f.listCategoriesFn != nil {
		return f.listCategoriesFn(ctx)
	}
	return []store.Category{}, nil
}

func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	if f.statsFn != nil {
		return f.statsFn(ctx)
	}
	return store.Stats{}, nil
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, name)
	}
	return store.User{ID: "user-1", Username: name}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Username: "Tester"}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSessions struct {
	saved map[string]string
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.saved[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID, Username: "Tester"}, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakeRelay struct {
	triggered []aireply.Input
}

func (f *fakeRelay) Enabled() bool { return true }

func (f *fakeRelay) Trigger(input aireply.Input) {
	f.triggered = append(f.triggered, input)
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		AIReplyTimeout: time.Second,
	}
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: &fakeSessions{},
	}
}

func issueTestToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "user-1",
		Name: "Tester",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, svc *Service, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	server := NewHTTPServer(svc, "*")

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestPreflightHasNoBody(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodOptions, "/api/posts", "", "")

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("204 response must not carry a body, got %q", rr.Body.String())
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin header, got %q", origin)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodGet, "/api/health", "", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", response["status"])
	}
	if _, ok := response["timestamp"].(string); !ok {
		t.Errorf("expected timestamp string, got %v", response["timestamp"])
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{pingFn: func(context.Context) error {
		return sql.ErrConnDone
	}}

	rr := doRequest(t, newTestService(fs), http.MethodGet, "/api/ready", "", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", response["status"])
	}
}

func TestListPostsRejectsOversizedLimit(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodGet, "/api/posts?limit=500", "", "")

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", response["code"])
	}
}

func TestListPostsRejectsUnknownSort(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodGet, "/api/posts?sort=zesty", "", "")

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestListPostsRejectsNegativeOffset(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodGet, "/api/posts?offset=-1", "", "")

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestListPostsAnonymousOmitsViewerFlags(t *testing.T) {
	fs := &fakeStore{listPostsFn: func(context.Context, store.ListFilter) ([]store.Post, error) {
		return []store.Post{{ID: "post-1", Title: "t", Category: "History", Upvotes: 3, CommentCount: 2}}, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodGet, "/api/posts", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	posts := response["posts"].([]any)
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	post := posts[0].(map[string]any)
	if _, present := post["upvoted"]; present {
		t.Errorf("anonymous feed should not carry upvoted flag")
	}
	if post["commentCount"] != float64(2) {
		t.Errorf("expected commentCount=2, got %v", post["commentCount"])
	}
}

func TestListPostsWithSessionCarriesViewerFlags(t *testing.T) {
	fs := &fakeStore{
		listPostsFn: func(context.Context, store.ListFilter) ([]store.Post, error) {
			return []store.Post{{ID: "post-1", Title: "t", Category: "History"}}, nil
		},
		listVoteFlagsFn: func(_ context.Context, userID string, postIDs []string) (map[string]bool, error) {
			if userID != "user-1" || len(postIDs) != 1 {
				t.Errorf("unexpected flag query: user=%q posts=%v", userID, postIDs)
			}
			return map[string]bool{"post-1": true}, nil
		},
	}

	rr := doRequest(t, newTestService(fs), http.MethodGet, "/api/posts", issueTestToken(t), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	post := response["posts"].([]any)[0].(map[string]any)
	if post["upvoted"] != true {
		t.Errorf("expected upvoted=true, got %v", post["upvoted"])
	}
	if post["bookmarked"] != false {
		t.Errorf("expected bookmarked=false, got %v", post["bookmarked"])
	}
}

func TestGetPostNotFound(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodGet, "/api/posts/missing", "", "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", response["code"])
	}
}

func TestVoteRequiresSession(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodPost, "/api/posts/post-1/vote", "", "")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestVoteReturnsAuthoritativeCount(t *testing.T) {
	fs := &fakeStore{castVoteFn: func(_ context.Context, postID, userID string) (int, error) {
		if postID != "post-1" || userID != "user-1" {
			t.Errorf("unexpected vote args: post=%q user=%q", postID, userID)
		}
		return 7, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodPost, "/api/posts/post-1/vote", issueTestToken(t), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["success"] != true || response["upvotes"] != float64(7) {
		t.Errorf("unexpected body: %v", response)
	}
}

func TestLegacyUpvoteAliasCastsVote(t *testing.T) {
	calls := 0
	fs := &fakeStore{castVoteFn: func(context.Context, string, string) (int, error) {
		calls++
		return 4, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodPost, "/api/posts/post-1/upvote", issueTestToken(t), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if calls != 1 {
		t.Errorf("expected one CastVote call, got %d", calls)
	}
	response := decodeResponse(t, rr)
	if response["upvotes"] != float64(4) {
		t.Errorf("expected upvotes=4, got %v", response["upvotes"])
	}
}

func TestRetractVoteViaDelete(t *testing.T) {
	fs := &fakeStore{retractVoteFn: func(context.Context, string, string) (int, error) {
		return 2, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodDelete, "/api/posts/post-1/vote", issueTestToken(t), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["upvotes"] != float64(2) {
		t.Errorf("expected upvotes=2, got %v", response["upvotes"])
	}
}

func TestVoteOnMissingPostIsNotFound(t *testing.T) {
	fs := &fakeStore{castVoteFn: func(context.Context, string, string) (int, error) {
		return 0, sql.ErrNoRows
	}}

	rr := doRequest(t, newTestService(fs), http.MethodPost, "/api/posts/nope/vote", issueTestToken(t), "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestBookmarkToggle(t *testing.T) {
	var gotDesired bool
	fs := &fakeStore{setBookmarkFn: func(_ context.Context, _, _ string, desired bool) error {
		gotDesired = desired
		return nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodPut, "/api/posts/post-1/bookmark", issueTestToken(t), `{"bookmarked":true}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !gotDesired {
		t.Errorf("expected bookmark desired=true")
	}
	response := decodeResponse(t, rr)
	if response["bookmarked"] != true {
		t.Errorf("expected bookmarked=true, got %v", response["bookmarked"])
	}
}

func TestAddCommentRejectsBlankContent(t *testing.T) {
	inserts := 0
	fs := &fakeStore{insertCommentFn: func(_ context.Context, c store.Comment) (store.Comment, error) {
		inserts++
		return c, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodPost, "/api/posts/post-1/comments", issueTestToken(t), `{"content":"   "}`)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	if inserts != 0 {
		t.Errorf("blank comment must not be stored")
	}
}

func TestAddCommentStoresAndTriggersRelay(t *testing.T) {
	fs := &fakeStore{
		postTitleFn: func(_ context.Context, id string) (string, error) {
			return "The Emu War", nil
		},
	}
	relay := &fakeRelay{}
	svc := newTestService(fs)
	svc.relay = relay

	rr := doRequest(t, svc, http.MethodPost, "/api/posts/post-1/comments", issueTestToken(t), `{"content":"Incredible."}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["content"] != "Incredible." || response["username"] != "Tester" {
		t.Errorf("unexpected comment body: %v", response)
	}
	if len(relay.triggered) != 1 {
		t.Fatalf("expected one relay trigger, got %d", len(relay.triggered))
	}
	input := relay.triggered[0]
	if input.PostTitle != "The Emu War" || input.UserComment != "Incredible." {
		t.Errorf("unexpected relay input: %+v", input)
	}
}

func TestAIReplyWithoutClientFails(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodPost, "/api/ai-reply", "",
		`{"title":"The Emu War","userComment":"Wild."}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "UPSTREAM_ERROR" {
		t.Errorf("expected UPSTREAM_ERROR, got %v", response["code"])
	}
}

func TestAIReplyReturnsReply(t *testing.T) {
	svc := newTestService(&fakeStore{})
	svc.completions = completionFunc(func(context.Context, string, string, string) (string, error) {
		return "Great point!", nil
	})

	rr := doRequest(t, svc, http.MethodPost, "/api/ai-reply", "",
		`{"title":"The Emu War","userComment":"Wild.","username":"Sam"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["reply"] != "Great point!" {
		t.Errorf("expected reply, got %v", response)
	}
}

type completionFunc func(ctx context.Context, title, username, userComment string) (string, error)

func (f completionFunc) Reply(ctx context.Context, title, username, userComment string) (string, error) {
	return f(ctx, title, username, userComment)
}

type fakeGenerator struct {
	generateFn func(ctx context.Context, count int, titles []string) ([]store.Post, error)
}

func (f *fakeGenerator) Enabled() bool { return true }

func (f *fakeGenerator) Generate(ctx context.Context, count int, titles []string) ([]store.Post, error) {
	return f.generateFn(ctx, count, titles)
}

func TestGenerateNotConfigured(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodPost, "/api/generate", "", `{"count":1}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "UPSTREAM_ERROR" {
		t.Errorf("expected UPSTREAM_ERROR, got %v", response["code"])
	}
}

func TestGeneratePassesTitlesThrough(t *testing.T) {
	var gotTitles []string
	svc := newTestService(&fakeStore{})
	svc.generator = &fakeGenerator{generateFn: func(_ context.Context, _ int, titles []string) ([]store.Post, error) {
		gotTitles = titles
		return []store.Post{{ID: "post-1", Title: "About Emu War", Category: "History"}}, nil
	}}

	rr := doRequest(t, svc, http.MethodPost, "/api/generate", "", `{"titles":["Emu War"]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(gotTitles) != 1 || gotTitles[0] != "Emu War" {
		t.Errorf("titles not passed through: %v", gotTitles)
	}
	response := decodeResponse(t, rr)
	if response["success"] != true || response["count"] != float64(1) {
		t.Errorf("unexpected body: %v", response)
	}
}

func TestSessionLoginIssuesTokens(t *testing.T) {
	rr := doRequest(t, newTestService(&fakeStore{}), http.MethodPost, "/api/session/login", "", `{"name":"Sam"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["token"] == "" || response["refreshToken"] == "" {
		t.Errorf("expected tokens in response: %v", response)
	}
	if response["userName"] != "Sam" {
		t.Errorf("expected userName=Sam, got %v", response["userName"])
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	svc := newTestService(&fakeStore{})

	login := decodeResponse(t, doRequest(t, svc, http.MethodPost, "/api/session/login", "", `{"name":"Sam"}`))
	refreshToken := login["refreshToken"].(string)

	rr := doRequest(t, svc, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	// The old token was revoked on use.
	rr = doRequest(t, svc, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refreshToken+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 on replay, got %d", rr.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fs := &fakeStore{statsFn: func(context.Context) (store.Stats, error) {
		return store.Stats{TotalPosts: 5, TotalUpvotes: 40, TotalComments: 12}, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodGet, "/api/stats", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["totalPosts"] != float64(5) || response["totalComments"] != float64(12) {
		t.Errorf("unexpected stats: %v", response)
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	fs := &fakeStore{listCategoriesFn: func(context.Context) ([]store.Category, error) {
		return []store.Category{{Name: "History", Color: "#f59e0b"}}, nil
	}}

	rr := doRequest(t, newTestService(fs), http.MethodGet, "/api/categories", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	categories := response["categories"].([]any)
	if len(categories) != 1 {
		t.Fatalf("expected 1 category, got %d", len(categories))
	}
	category := categories[0].(map[string]any)
	if category["name"] != "History" || category["color"] != "#f59e0b" {
		t.Errorf("unexpected category: %v", category)
	}
}
