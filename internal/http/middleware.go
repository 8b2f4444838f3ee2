package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"museum-auth/internal/domain"
)

const (
	sessionKey      = "museum.session"
	csrfFormField   = "csrf_token"
	csrfHeaderField = "X-CSRF-Token"
)

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("request")
	}
}

// loadSession starts the session named by the cookie and stores it on the
// gin context. Handlers persist it through h.persist before responding.
func (h *Handler) loadSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Cookie(h.cookie.Name)
		sess, err := h.sessions.Start(c.Request.Context(), id)
		if err != nil {
			h.logger.WithError(err).Error("start session")
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func sessionFrom(c *gin.Context) *domain.Session {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*domain.Session)
	return sess
}

// persist saves the session and refreshes the cookie. It must run before
// anything is written to the response.
func (h *Handler) persist(c *gin.Context, sess *domain.Session) error {
	if err := h.sessions.Save(c.Request.Context(), sess); err != nil {
		h.logger.WithError(err).Error("save session")
		return err
	}
	h.setCookie(c, sess)
	return nil
}

func (h *Handler) setCookie(c *gin.Context, sess *domain.Session) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, sess.ID, int(h.sessions.TTL().Seconds()), "/", "", h.cookie.Secure, true)
}

func (h *Handler) csrfProtect() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessionFrom(c)
		token := c.GetHeader(csrfHeaderField)
		if token == "" {
			token = c.PostForm(csrfFormField)
		}
		if sess == nil || sess.CSRFToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
			h.logger.WithField("path", c.FullPath()).Warn("csrf token mismatch")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid form token"})
			return
		}
		c.Next()
	}
}

func (h *Handler) requireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.sessions.LoggedInUser(sessionFrom(c)); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// requireAdmin checks the stored role, not the session snapshot, so a
// demotion takes effect immediately.
func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := h.currentUser(c)
		if !ok {
			return
		}
		if user.Role != domain.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}
