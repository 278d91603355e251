package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gin-gonic/gin"

	"profitpilot/internal/auth"
	"profitpilot/internal/database"
	"profitpilot/internal/subscription"
)

// ============================================================================
// ADMIN USER MANAGEMENT
// ============================================================================

// AdminCreateUserRequest creates a verified account, optionally with a plan
type AdminCreateUserRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
	LoginID  string `json:"login_id"`
	Role     string `json:"role"`
	Plan     string `json:"plan"`
}

// AdminUpdateUserRequest changes role and/or password
type AdminUpdateUserRequest struct {
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

// AdminGrantRequest grants a plan
type AdminGrantRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Plan       string `json:"plan" binding:"required"`
}

// AdminIdentifierRequest names one user by email, login id or id
type AdminIdentifierRequest struct {
	Identifier string `json:"identifier" binding:"required"`
}

// AdminExtendRequest adds days to a subscription
type AdminExtendRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Days       int    `json:"days" binding:"required"`
}

// GET /_admin/api/users
func (s *Server) handleAdminListUsers(c *gin.Context) {
	users, err := s.deps.Entitlements.ListAll(c.Request.Context())
	if err != nil {
		internalError(c, "failed to list users", err)
		return
	}
	if users == nil {
		users = []subscription.UserEntitlement{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// GET /_admin/api/users/active
func (s *Server) handleAdminListActive(c *gin.Context) {
	users, err := s.deps.Entitlements.ListActive(c.Request.Context(), time.Now().UTC())
	if err != nil {
		internalError(c, "failed to list active users", err)
		return
	}
	if users == nil {
		users = []subscription.UserEntitlement{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// handleAdminCreateUser creates a verified user and grants the plan when one is given
// POST /_admin/api/users
func (s *Server) handleAdminCreateUser(c *gin.Context) {
	var req AdminCreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ctx := c.Request.Context()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := checkmail.ValidateFormat(email); err != nil {
		errorResponse(c, http.StatusBadRequest, auth.ErrInvalidEmail.Code, auth.ErrInvalidEmail.Message)
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		errorResponse(c, http.StatusBadRequest, "INVALID_ROLE", "role must be user or admin")
		return
	}
	var plan subscription.Plan
	if req.Plan != "" {
		p, err := subscription.ParsePlan(req.Plan)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "INVALID_PLAN", err.Error())
			return
		}
		plan = p
	}

	passwords := s.deps.Auth.PasswordManager()
	if err := passwords.ValidatePasswordStrength(req.Password); err != nil {
		errorResponse(c, http.StatusBadRequest, auth.ErrWeakPassword.Code, err.Error())
		return
	}

	exists, err := s.deps.Users.EmailExists(ctx, email)
	if err != nil {
		internalError(c, "failed to check email", err)
		return
	}
	if exists {
		errorResponse(c, http.StatusConflict, auth.ErrEmailExists.Code, auth.ErrEmailExists.Message)
		return
	}

	hash, err := passwords.HashPassword(req.Password)
	if err != nil {
		internalError(c, "failed to hash password", err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.Split(email, "@")[0]
	}
	user := &database.User{
		Name:          name,
		Email:         email,
		PasswordHash:  hash,
		Role:          role,
		EmailVerified: true,
	}
	if id := strings.TrimSpace(req.LoginID); id != "" {
		user.LoginID = &id
	}
	if err := s.deps.Users.CreateUser(ctx, user); err != nil {
		internalError(c, "failed to create user", err)
		return
	}
	s.logger.Info("User created by admin", "user_id", user.ID, "admin_id", auth.GetUserID(c))

	resp := gin.H{"user": auth.ToUserResponse(user)}
	if plan != "" {
		end, err := s.deps.Entitlements.Grant(ctx, user.ID, plan)
		if err != nil {
			internalError(c, "user created but plan grant failed", err)
			return
		}
		resp["current_period_end"] = end
	}
	c.JSON(http.StatusCreated, resp)
}

// handleAdminUpdateUser changes a user's role or password
// PUT /_admin/api/users/:identifier
func (s *Server) handleAdminUpdateUser(c *gin.Context) {
	var req AdminUpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.Role == nil && req.Password == nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "nothing to update")
		return
	}
	ctx := c.Request.Context()

	user, err := s.deps.Users.GetUserByIdentifier(ctx, c.Param("identifier"))
	if err != nil {
		internalError(c, "failed to load user", err)
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
		return
	}

	if req.Role != nil {
		role, ok := parseRole(*req.Role)
		if !ok {
			errorResponse(c, http.StatusBadRequest, "INVALID_ROLE", "role must be user or admin")
			return
		}
		if err := s.deps.Users.UpdateUserRole(ctx, user.ID, role); err != nil {
			internalError(c, "failed to update role", err)
			return
		}
		user.Role = role
	}

	if req.Password != nil {
		passwords := s.deps.Auth.PasswordManager()
		if err := passwords.ValidatePasswordStrength(*req.Password); err != nil {
			errorResponse(c, http.StatusBadRequest, auth.ErrWeakPassword.Code, err.Error())
			return
		}
		hash, err := passwords.HashPassword(*req.Password)
		if err != nil {
			internalError(c, "failed to hash password", err)
			return
		}
		if err := s.deps.Users.UpdatePassword(ctx, user.ID, hash); err != nil {
			internalError(c, "failed to update password", err)
			return
		}
	}

	s.logger.Info("User updated by admin", "user_id", user.ID, "admin_id", auth.GetUserID(c))
	c.JSON(http.StatusOK, gin.H{"user": auth.ToUserResponse(user)})
}

// POST /_admin/api/users/grant
func (s *Server) handleAdminGrant(c *gin.Context) {
	var req AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	plan, err := subscription.ParsePlan(req.Plan)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_PLAN", err.Error())
		return
	}

	end, err := s.deps.Entitlements.Grant(c.Request.Context(), req.Identifier, plan)
	if err != nil {
		subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":            "plan granted",
		"plan":               plan,
		"current_period_end": end,
	})
}

// POST /_admin/api/users/revoke
func (s *Server) handleAdminRevoke(c *gin.Context) {
	var req AdminIdentifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.deps.Entitlements.Revoke(c.Request.Context(), req.Identifier); err != nil {
		subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "subscription revoked"})
}

// POST /_admin/api/users/extend
func (s *Server) handleAdminExtend(c *gin.Context) {
	var req AdminExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	end, err := s.deps.Entitlements.Extend(c.Request.Context(), req.Identifier, req.Days)
	if err != nil {
		subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":            "subscription extended",
		"current_period_end": end,
	})
}

// DELETE /_admin/api/users/:identifier
func (s *Server) handleAdminDeleteUser(c *gin.Context) {
	identifier := c.Param("identifier")
	if user, err := s.deps.Users.GetUserByIdentifier(c.Request.Context(), identifier); err == nil && user != nil && user.ID == auth.GetUserID(c) {
		errorResponse(c, http.StatusBadRequest, "CANNOT_DELETE_SELF", "admins cannot delete their own account")
		return
	}

	if err := s.deps.Entitlements.DeleteUser(c.Request.Context(), identifier); err != nil {
		subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

func parseRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", database.RoleUser:
		return database.RoleUser, true
	case database.RoleAdmin:
		return database.RoleAdmin, true
	default:
		return "", false
	}
}

func subscriptionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscription.ErrUserNotFound):
		errorResponse(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
	case errors.Is(err, subscription.ErrNoSubscription):
		errorResponse(c, http.StatusNotFound, "NO_SUBSCRIPTION", err.Error())
	case errors.Is(err, subscription.ErrUnknownPlan):
		errorResponse(c, http.StatusBadRequest, "INVALID_PLAN", err.Error())
	case errors.Is(err, subscription.ErrInvalidDays):
		errorResponse(c, http.StatusBadRequest, "INVALID_DAYS", err.Error())
	default:
		internalError(c, "subscription update failed", err)
	}
}
