package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"museum-auth/internal/domain"
	"museum-auth/internal/service"
)

const (
	msgBadCredentials  = "Wrong username or password!"
	msgInvalidEmail    = "Invalid email!"
	msgUsernameExists  = "Username already exists!"
	msgInvalidUsername = "Invalid username!"
	msgInvalidPassword = "Invalid password!"
	msgUnavailable     = "Service temporarily unavailable, please try again later."
)

func (h *Handler) signinPage(c *gin.Context) {
	sess := sessionFrom(c)
	if userID, ok := h.sessions.LoggedInUser(sess); ok {
		h.handoff(c, sess, userID)
		return
	}
	h.renderForm(c, http.StatusOK, "signin.tmpl", sess, takeFlash(sess))
}

func (h *Handler) signin(c *gin.Context) {
	sess := sessionFrom(c)

	user, err := h.users.Authenticate(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.redirectWithFlash(c, sess, "/signin", msgBadCredentials)
			return
		}
		h.renderForm(c, http.StatusServiceUnavailable, "signin.tmpl", sess, msgUnavailable)
		return
	}

	if err := h.sessions.SignIn(c.Request.Context(), sess, user.ID, user.Role); err != nil {
		h.logger.WithError(err).Error("sign in session")
		h.renderForm(c, http.StatusServiceUnavailable, "signin.tmpl", sess, msgUnavailable)
		return
	}
	h.handoff(c, sess, user.ID)
}

func (h *Handler) logout(c *gin.Context) {
	sess := sessionFrom(c)
	if err := h.sessions.SignOut(c.Request.Context(), sess); err != nil {
		h.logger.WithError(err).Error("sign out session")
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	h.setCookie(c, sess)
	c.Redirect(http.StatusSeeOther, "/signin")
}

func (h *Handler) registerPage(c *gin.Context) {
	sess := sessionFrom(c)
	h.renderForm(c, http.StatusOK, "register.tmpl", sess, takeFlash(sess))
}

func (h *Handler) register(c *gin.Context) {
	sess := sessionFrom(c)

	_, err := h.users.Register(
		c.Request.Context(),
		c.PostForm("email"),
		c.PostForm("create_username"),
		c.PostForm("create_password"),
	)
	switch {
	case err == nil:
		if h.persist(c, sess) != nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Redirect(http.StatusSeeOther, "/signin")
	case errors.Is(err, service.ErrMalformedEmail), errors.Is(err, service.ErrEmailConflict):
		h.redirectWithFlash(c, sess, "/register", msgInvalidEmail)
	case errors.Is(err, service.ErrUsernameConflict):
		h.redirectWithFlash(c, sess, "/register", msgUsernameExists)
	case errors.Is(err, service.ErrInvalidUsername):
		h.redirectWithFlash(c, sess, "/register", msgInvalidUsername)
	case errors.Is(err, service.ErrInvalidPassword):
		h.redirectWithFlash(c, sess, "/register", msgInvalidPassword)
	default:
		h.renderForm(c, http.StatusServiceUnavailable, "register.tmpl", sess, msgUnavailable)
	}
}

// handoff redirects an authenticated session to the downstream application.
// The role snapshot taken at sign-in spares a second lookup.
func (h *Handler) handoff(c *gin.Context, sess *domain.Session, userID int64) {
	var role domain.Role
	if sess.Role != nil {
		role = *sess.Role
	} else {
		user, err := h.users.GetByID(c.Request.Context(), userID)
		if err != nil {
			h.logger.WithError(err).WithField("user_id", userID).Warn("handoff lookup")
			if errors.Is(err, service.ErrUserNotFound) {
				// the account is gone, drop the stale binding
				if err := h.sessions.SignOut(c.Request.Context(), sess); err != nil {
					h.logger.WithError(err).Error("sign out stale session")
					c.AbortWithStatus(http.StatusServiceUnavailable)
					return
				}
				h.redirectWithFlash(c, sess, "/signin", "")
				return
			}
			h.renderForm(c, http.StatusServiceUnavailable, "signin.tmpl", sess, msgUnavailable)
			return
		}
		role = user.Role
		sess.Role = &role
	}

	target, err := h.issuer.Target(userID, role)
	if err != nil {
		h.logger.WithError(err).Error("build handoff target")
		h.renderForm(c, http.StatusInternalServerError, "signin.tmpl", sess, msgUnavailable)
		return
	}
	if h.persist(c, sess) != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.Redirect(http.StatusSeeOther, target)
}

func (h *Handler) renderForm(c *gin.Context, status int, name string, sess *domain.Session, message string) {
	if h.persist(c, sess) != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.HTML(status, name, gin.H{
		"CSRFToken": sess.CSRFToken,
		"Error":     message,
	})
}

func (h *Handler) redirectWithFlash(c *gin.Context, sess *domain.Session, location, message string) {
	sess.Flash = message
	if h.persist(c, sess) != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.Redirect(http.StatusSeeOther, location)
}

func takeFlash(sess *domain.Session) string {
	msg := sess.Flash
	sess.Flash = ""
	return msg
}
