package http

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"museum-auth/internal/domain"
	"museum-auth/internal/handoff"
	"museum-auth/internal/service"
	"museum-auth/internal/session"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

type Options struct {
	Users    service.UserService
	Sessions *session.Manager
	Issuer   *handoff.Issuer
	Verifier *handoff.Verifier
	Logger   *logrus.Logger
	Cookie   CookieConfig
	// AllowedOrigins may call the JSON API with credentials.
	AllowedOrigins []string
	// RateLimit and RateBurst apply per client IP to credential submissions.
	RateLimit rate.Limit
	RateBurst int
}

// Handler wires HTTP routes to the authentication services.
type Handler struct {
	users    service.UserService
	sessions *session.Manager
	issuer   *handoff.Issuer
	verifier *handoff.Verifier
	logger   *logrus.Logger
	cookie   CookieConfig
	origins  map[string]struct{}
	limiter  *RateLimiter
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Cookie.Name == "" {
		opts.Cookie.Name = "museum_session"
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Every(time.Second)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &Handler{
		users:    opts.Users,
		sessions: opts.Sessions,
		issuer:   opts.Issuer,
		verifier: opts.Verifier,
		logger:   opts.Logger,
		cookie:   opts.Cookie,
		origins:  origins,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateBurst),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(template.Must(template.New("").ParseFS(templatesFS, "templates/*.tmpl")))
	router.Use(h.requestLogger())

	pages := router.Group("/", h.loadSession())
	{
		pages.GET("/", func(c *gin.Context) { c.Redirect(http.StatusSeeOther, "/signin") })
		pages.GET("/signin", h.signinPage)
		pages.POST("/signin", h.limiter.Middleware(), h.csrfProtect(), h.signin)
		pages.POST("/logout", h.csrfProtect(), h.logout)
		pages.GET("/register", h.registerPage)
		pages.POST("/register", h.limiter.Middleware(), h.csrfProtect(), h.register)
	}

	api := router.Group("/api", h.corsMiddleware())
	{
		// preflight requests are answered by corsMiddleware
		api.OPTIONS("/*path", func(c *gin.Context) {})
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.GET("/username_available", h.usernameAvailable)
		api.POST("/handoff/verify", h.verifyHandoff)

		authed := api.Group("", h.loadSession(), h.requireLogin())
		authed.GET("/me", h.me)
		authed.PUT("/admin/users/:id/role", h.csrfProtect(), h.requireAdmin(), h.setRole)
	}
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := h.origins[origin]; ok {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-CSRF-Token")
			c.Writer.Header().Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) usernameAvailable(c *gin.Context) {
	available, err := h.users.UsernameAvailable(c.Request.Context(), c.Query("u"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available})
}

type verifyHandoffRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handler) verifyHandoff(c *gin.Context) {
	var req verifyHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	claims, err := h.verifier.Verify(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	userID, _ := claims.UserID()
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"role":    int(claims.Role),
	})
}

// UserResponse is the public view of an identity.
type UserResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func userToResponse(user *domain.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Username:  user.Username,
		Role:      user.Role.String(),
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	sess := sessionFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"user":       userToResponse(user),
		"csrf_token": sess.CSRFToken,
	})
}

type setRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *Handler) setRole(c *gin.Context) {
	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || targetID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role is required"})
		return
	}
	role, ok := domain.ParseRole(req.Role)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrInvalidRole.Error()})
		return
	}

	actorID, _ := h.sessions.LoggedInUser(sessionFrom(c))
	err = h.users.SetRole(c.Request.Context(), actorID, targetID, role)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": targetID, "role": role.String()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin access required"})
	case errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, service.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
	}
}

func (h *Handler) currentUser(c *gin.Context) (*domain.User, bool) {
	userID, ok := h.sessions.LoggedInUser(sessionFrom(c))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return nil, false
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return nil, false
	}
	return user, true
}
