package auth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"profitpilot/internal/logging"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	service *Service
}

// NewHandlers creates a new Handlers instance
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the auth endpoints on a group
func (h *Handlers) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/register", h.Register)
	group.POST("/login", h.Login)
	group.GET("/verify", h.Verify)
	group.POST("/forgot", h.ForgotPassword)
	group.POST("/reset", h.ResetPassword)

	protected := group.Group("")
	protected.Use(Middleware(h.service.GetJWTManager()))
	protected.GET("/me", h.Me)
	protected.POST("/logout", h.Logout)
}

func errorStatus(err AuthError) int {
	switch err.Code {
	case ErrInvalidCredentials.Code, ErrInvalidToken.Code, ErrTokenExpired.Code, ErrUnauthorized.Code:
		return http.StatusUnauthorized
	case ErrEmailNotVerified.Code, ErrForbidden.Code:
		return http.StatusForbidden
	case ErrRateLimited.Code:
		return http.StatusTooManyRequests
	case ErrEmailExists.Code, ErrLoginIDExists.Code:
		return http.StatusConflict
	case ErrUserNotFound.Code:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// respondError writes an AuthError with its status, anything else as a 500
func (h *Handlers) respondError(c *gin.Context, err error, fallback string) {
	var authErr AuthError
	if errors.As(err, &authErr) {
		status := errorStatus(authErr)
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", strconv.Itoa(int(h.service.config.ThrottleWindow.Seconds())))
		}
		c.JSON(status, gin.H{
			"error":   authErr.Code,
			"message": authErr.Message,
		})
		return
	}

	logging.FromContext(c.Request.Context()).Error(fallback, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL_ERROR",
		"message": fallback,
	})
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "VALIDATION_ERROR",
		"message": err.Error(),
	})
}

// Register handles user registration
// POST /auth/register
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "failed to register user")
		return
	}

	message := "registration successful, check your email to verify your account"
	if user.EmailVerified {
		message = "registration successful"
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": message,
		"user":    ToUserResponse(user),
	})
}

// Login handles user login
// POST /auth/login
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	response, err := h.service.Login(c.Request.Context(), req, c.ClientIP())
	if err != nil {
		h.respondError(c, err, "failed to login")
		return
	}

	c.JSON(http.StatusOK, response)
}

// Verify consumes an email verification token
// GET /auth/verify?token=
func (h *Handlers) Verify(c *gin.Context) {
	user, err := h.service.VerifyEmail(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.respondError(c, err, "failed to verify email")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "email verified",
		"user":    ToUserResponse(user),
	})
}

// ForgotPassword starts a password reset
// POST /auth/forgot
func (h *Handlers) ForgotPassword(c *gin.Context) {
	var req ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.service.ForgotPassword(c.Request.Context(), req.Identifier()); err != nil {
		h.respondError(c, err, "failed to start password reset")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "password reset link sent"})
}

// ResetPassword completes a password reset
// POST /auth/reset
func (h *Handlers) ResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.service.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		h.respondError(c, err, "failed to reset password")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

// Me returns the current user and entitlement
// GET /auth/me
func (h *Handlers) Me(c *gin.Context) {
	resp, err := h.service.Me(c.Request.Context(), GetUserID(c))
	if err != nil {
		h.respondError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout ends the session on the client side
// POST /auth/logout
func (h *Handlers) Logout(c *gin.Context) {
	h.service.Logout(GetUserID(c))
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Status reports whether the caller carries a valid token. It must run behind OptionalMiddleware.
// GET /api/auth/status
func (h *Handlers) Status(c *gin.Context) {
	claims := GetUserClaims(c)
	if claims == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user_id":       claims.UserID,
		"email":         claims.Email,
		"role":          claims.Role,
		"is_admin":      claims.IsAdmin,
	})
}
