package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"museum-auth/internal/domain"
	"museum-auth/internal/handoff"
	"museum-auth/internal/repository"
	"museum-auth/internal/repository/memory"
	"museum-auth/internal/repository/sqlite"
	"museum-auth/internal/service"
	"museum-auth/internal/session"
)

const (
	testSecret   = "test-secret-test-secret-test-sec"
	downstream   = "http://catalog.test/auth/callback"
	testCookie   = "museum_session"
	testAudience = "museum-catalog"
)

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

type testEnv struct {
	server *httptest.Server
	users  service.UserService
}

func newTestEnv(t *testing.T, limit rate.Limit, burst int) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, memory.NewSessionRepository(), limit, burst)
}

func newTestEnvWithStore(t *testing.T, store repository.SessionRepository, limit rate.Limit, burst int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "museum.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewUserRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	users := service.NewUserService(repo, service.UserServiceConfig{
		StoreTimeout: time.Second,
		HashCost:     bcrypt.MinCost,
		Logger:       logger,
	})
	issuer, err := handoff.NewIssuer(handoff.Config{
		Secret:   []byte(testSecret),
		TTL:      time.Minute,
		Audience: testAudience,
		Target:   downstream,
	})
	require.NoError(t, err)

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	NewHandler(Options{
		Users:          users,
		Sessions:       session.NewManager(store, session.Config{TTL: time.Hour, Logger: logger}),
		Issuer:         issuer,
		Verifier:       handoff.NewVerifier([]byte(testSecret), testAudience),
		Logger:         logger,
		Cookie:         CookieConfig{Name: testCookie},
		AllowedOrigins: []string{"http://catalog.test"},
		RateLimit:      limit,
		RateBurst:      burst,
	}).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, users: users}
}

type browser struct {
	t      *testing.T
	env    *testEnv
	client *http.Client
}

func (e *testEnv) browser(t *testing.T) *browser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:   t,
		env: e,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) do(req *http.Request) (*http.Response, string) {
	b.t.Helper()
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return resp, string(body)
}

func (b *browser) get(path string) (*http.Response, string) {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.env.server.URL+path, nil)
	require.NoError(b.t, err)
	return b.do(req)
}

func (b *browser) postForm(path string, form url.Values) (*http.Response, string) {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.env.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) sendJSON(method, path string, payload any, headers map[string]string) (*http.Response, string) {
	b.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(b.t, err)
	req, err := http.NewRequest(method, b.env.server.URL+path, strings.NewReader(string(raw)))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req)
}

// csrf loads a form page and returns its anti-forgery token.
func (b *browser) csrf(path string) string {
	b.t.Helper()
	resp, body := b.get(path)
	require.Equal(b.t, http.StatusOK, resp.StatusCode)
	m := csrfPattern.FindStringSubmatch(body)
	require.Len(b.t, m, 2, "csrf token missing from %s", path)
	return m[1]
}

func (b *browser) sessionCookie() string {
	u, _ := url.Parse(b.env.server.URL)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name == testCookie {
			return c.Value
		}
	}
	return ""
}

func (b *browser) register(email, username, password string) *http.Response {
	b.t.Helper()
	token := b.csrf("/register")
	resp, _ := b.postForm("/register", url.Values{
		"csrf_token":      {token},
		"email":           {email},
		"create_username": {username},
		"create_password": {password},
	})
	return resp
}

func (b *browser) signin(username, password string) *http.Response {
	b.t.Helper()
	token := b.csrf("/signin")
	resp, _ := b.postForm("/signin", url.Values{
		"csrf_token": {token},
		"username":   {username},
		"password":   {password},
	})
	return resp
}

func (b *browser) flash(path string) string {
	b.t.Helper()
	_, body := b.get(path)
	return body
}

func TestRegisterSignInAndHandoff(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	b := env.browser(t)

	resp := b.register("e@x.com", "alice", "pw123")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/signin", resp.Header.Get("Location"))

	resp = b.signin("alice", "pw123")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	target, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "catalog.test", target.Host)
	assert.Empty(t, target.Query().Get("user_id"))
	token := target.Query().Get("token")
	require.NotEmpty(t, token)

	downstreamClient := env.browser(t)
	resp, body := downstreamClient.sendJSON(http.MethodPost, "/api/handoff/verify", gin.H{"token": token}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var verified struct {
		UserID int64 `json:"user_id"`
		Role   int   `json:"role"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &verified))
	alice, err := env.users.Authenticate(context.Background(), "alice", "pw123")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, verified.UserID)
	assert.Equal(t, int(domain.RoleStandard), verified.Role)

	resp, _ = downstreamClient.sendJSON(http.MethodPost, "/api/handoff/verify", gin.H{"token": token}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "tokens are single use")
}

func TestSignInFailuresShareOneMessage(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	_, err := env.users.Register(context.Background(), "e@x.com", "alice", "pw123")
	require.NoError(t, err)

	for _, creds := range [][2]string{{"alice", "wrong"}, {"nobody", "pw123"}} {
		b := env.browser(t)
		resp := b.signin(creds[0], creds[1])
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "/signin", resp.Header.Get("Location"))

		body := b.flash("/signin")
		assert.Contains(t, body, "Wrong username or password!")

		// the flash is shown once
		assert.NotContains(t, b.flash("/signin"), "Wrong username or password!")
	}
}

func TestSignInRotatesSessionID(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	_, err := env.users.Register(context.Background(), "e@x.com", "alice", "pw123")
	require.NoError(t, err)

	b := env.browser(t)
	token := b.csrf("/signin")
	before := b.sessionCookie()
	require.NotEmpty(t, before)

	resp, _ := b.postForm("/signin", url.Values{"csrf_token": {token}, "username": {"alice"}, "password": {"pw123"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	after := b.sessionCookie()
	assert.NotEmpty(t, after)
	assert.NotEqual(t, before, after)
}

func TestSignedInVisitorIsHandedOff(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	_, err := env.users.Register(context.Background(), "e@x.com", "alice", "pw123")
	require.NoError(t, err)

	b := env.browser(t)
	require.Equal(t, http.StatusSeeOther, b.signin("alice", "pw123").StatusCode)

	resp, _ := b.get("/signin")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), downstream+"?token="))
}

func TestFormsRequireCSRFToken(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	b := env.browser(t)
	b.csrf("/signin")

	resp, _ := b.postForm("/signin", url.Values{"username": {"alice"}, "password": {"pw123"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = b.postForm("/register", url.Values{"csrf_token": {"forged"}, "email": {"e@x.com"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	_, err := env.users.Register(context.Background(), "e@x.com", "alice", "pw123")
	require.NoError(t, err)

	b := env.browser(t)
	require.Equal(t, http.StatusSeeOther, b.signin("alice", "pw123").StatusCode)
	signedIn := b.sessionCookie()

	resp, body := b.get("/api/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me struct {
		User      UserResponse `json:"user"`
		CSRFToken string       `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &me))
	assert.Equal(t, "alice", me.User.Username)
	assert.Equal(t, "standard", me.User.Role)

	resp, _ = b.postForm("/logout", url.Values{"csrf_token": {me.CSRFToken}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/signin", resp.Header.Get("Location"))
	assert.NotEqual(t, signedIn, b.sessionCookie())

	resp, _ = b.get("/api/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a second logout from the anonymous state is harmless
	token := b.csrf("/signin")
	resp, _ = b.postForm("/logout", url.Values{"csrf_token": {token}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestRegisterErrors(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	_, err := env.users.Register(context.Background(), "e@x.com", "alice", "pw123")
	require.NoError(t, err)

	cases := []struct {
		name, email, username, want string
	}{
		{"malformed email", "not-an-email", "bob", "Invalid email!"},
		{"taken email", "e@x.com", "bob", "Invalid email!"},
		{"taken both", "e@x.com", "alice", "Invalid email!"},
		{"taken username", "f@x.com", "alice", "Username already exists!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := env.browser(t)
			resp := b.register(tc.email, tc.username, "pw123")
			require.Equal(t, http.StatusSeeOther, resp.StatusCode)
			assert.Equal(t, "/register", resp.Header.Get("Location"))
			assert.Contains(t, b.flash("/register"), tc.want)
		})
	}
}

func TestRegisterIgnoresRoleField(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	b := env.browser(t)

	token := b.csrf("/register")
	resp, _ := b.postForm("/register", url.Values{
		"csrf_token":      {token},
		"email":           {"e@x.com"},
		"create_username": {"alice"},
		"create_password": {"pw123"},
		"role":            {"1"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	alice, err := env.users.Authenticate(context.Background(), "alice", "pw123")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleStandard, alice.Role)
}

func TestUsernameAvailable(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	_, err := env.users.Register(context.Background(), "e@x.com", "alice", "pw123")
	require.NoError(t, err)
	b := env.browser(t)

	for query, want := range map[string]bool{"": false, "alice": false, "bob": true} {
		resp, body := b.get("/api/username_available?u=" + url.QueryEscape(query))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Available bool `json:"available"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		assert.Equal(t, want, out.Available, query)
	}
}

func TestAdminRoleChange(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	ctx := context.Background()
	_, err := env.users.CreateUser(ctx, "admin@x.com", "curator", "pw123", domain.RoleAdmin)
	require.NoError(t, err)
	bob, err := env.users.Register(ctx, "bob@x.com", "bob", "pw123")
	require.NoError(t, err)

	csrfFor := func(b *browser) string {
		_, body := b.get("/api/me")
		var me struct {
			CSRFToken string `json:"csrf_token"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &me))
		return me.CSRFToken
	}
	path := "/api/admin/users/" + strconv.FormatInt(bob.ID, 10) + "/role"

	standard := env.browser(t)
	require.Equal(t, http.StatusSeeOther, standard.signin("bob", "pw123").StatusCode)
	resp, _ := standard.sendJSON(http.MethodPut, path, gin.H{"role": "admin"}, map[string]string{"X-CSRF-Token": csrfFor(standard)})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := env.browser(t)
	require.Equal(t, http.StatusSeeOther, admin.signin("curator", "pw123").StatusCode)
	token := csrfFor(admin)

	resp, _ = admin.sendJSON(http.MethodPut, path, gin.H{"role": "admin"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "csrf header required")

	resp, _ = admin.sendJSON(http.MethodPut, path, gin.H{"role": "emperor"}, map[string]string{"X-CSRF-Token": token})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := admin.sendJSON(http.MethodPut, path, gin.H{"role": "admin"}, map[string]string{"X-CSRF-Token": token})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	got, err := env.users.GetByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, got.Role)

	anonymous := env.browser(t)
	resp, _ = anonymous.sendJSON(http.MethodPut, path, gin.H{"role": "admin"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCredentialPostsAreRateLimited(t *testing.T) {
	env := newTestEnv(t, rate.Every(time.Hour), 1)
	b := env.browser(t)

	token := b.csrf("/signin")
	form := url.Values{"csrf_token": {token}, "username": {"alice"}, "password": {"x"}}

	resp, _ := b.postForm("/signin", form)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	resp, _ = b.postForm("/signin", form)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	env := newTestEnv(t, rate.Every(time.Hour), 1)
	b := env.browser(t)

	token := b.csrf("/signin")
	form := url.Values{"csrf_token": {token}, "username": {"alice"}, "password": {"x"}}

	var codes []int
	for i := 1; i <= 5; i++ {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/signin", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		resp, _ := b.do(req)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{
		http.StatusSeeOther,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

type stuckDeleteStore struct {
	*memory.SessionRepository
}

func (s *stuckDeleteStore) Delete(context.Context, string) error {
	return errors.New("connection reset")
}

// bindDeletedAccount stores a signed-in session without a role snapshot for
// a user id that does not exist and points the browser's cookie at it.
func bindDeletedAccount(t *testing.T, b *browser, store repository.SessionRepository) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), &domain.Session{
		ID:        "bound-to-deleted",
		UserID:    999,
		CSRFToken: "csrf",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	u, err := url.Parse(b.env.server.URL)
	require.NoError(t, err)
	b.client.Jar.SetCookies(u, []*http.Cookie{{Name: testCookie, Value: "bound-to-deleted", Path: "/"}})
}

func TestHandoffForDeletedAccountSignsOut(t *testing.T) {
	store := memory.NewSessionRepository()
	env := newTestEnvWithStore(t, store, rate.Inf, 1)
	b := env.browser(t)
	bindDeletedAccount(t, b, store)

	resp, _ := b.get("/signin")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/signin", resp.Header.Get("Location"))
	assert.NotEqual(t, "bound-to-deleted", b.sessionCookie())

	resp, _ = b.get("/api/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandoffForDeletedAccountFailsClosed(t *testing.T) {
	store := &stuckDeleteStore{SessionRepository: memory.NewSessionRepository()}
	env := newTestEnvWithStore(t, store, rate.Inf, 1)
	b := env.browser(t)
	bindDeletedAccount(t, b, store)

	resp, _ := b.get("/signin")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Equal(t, "bound-to-deleted", b.sessionCookie())
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	env := newTestEnv(t, rate.Inf, 1)
	b := env.browser(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/handoff/verify", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://catalog.test")
	resp, _ := b.do(req)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://catalog.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.test")
	resp, _ = b.do(req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
