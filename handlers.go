package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

func newUserResponse(u *User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name}
}

func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in signupRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if normalizeEmail(in.Email) == "" || !strings.Contains(in.Email, "@") || in.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}

	hashed, err := a.Passwords.Hash(r.Context(), in.Password)
	if errors.Is(err, ErrInvalidPassword) {
		writeError(w, http.StatusBadRequest, "INVALID_PASSWORD", "Password must be between 1 and 72 bytes")
		return
	}
	if err != nil {
		a.Log.ErrorContext(r.Context(), "hash password", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}

	user, err := a.DB.CreateUser(r.Context(), in.Email, in.Name, hashed)
	if errors.Is(err, ErrUserExists) {
		writeError(w, http.StatusConflict, "USER_EXISTS", "User with this email already exists")
		return
	}
	if err != nil {
		a.Log.ErrorContext(r.Context(), "create user", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user")
		return
	}

	a.writeToken(w, r, http.StatusCreated, user)
}

// login resolves credentials to a user. Unknown email and wrong password both
// return ErrInvalidCredentials.
func (a *App) login(r *http.Request, in loginRequest) (*User, error) {
	user, err := a.DB.GetUserByEmail(r.Context(), in.Email)
	if errors.Is(err, ErrNotFound) {
		a.Passwords.VerifyMissing(r.Context(), in.Password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !a.Passwords.Verify(r.Context(), in.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	user, err := a.login(r, in)
	if errors.Is(err, ErrInvalidCredentials) {
		a.Log.WarnContext(r.Context(), "login failed", "remote", clientIP(r, a.trustedProxies))
		writeAuthError(w, err)
		return
	}
	if err != nil {
		a.Log.ErrorContext(r.Context(), "login lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	a.writeToken(w, r, http.StatusOK, user)
}

func (a *App) writeToken(w http.ResponseWriter, r *http.Request, status int, user *User) {
	access, err := a.Tokens.Issue(user.ID)
	if err != nil {
		a.Log.ErrorContext(r.Context(), "issue token", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue token")
		return
	}
	writeJSON(w, status, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		User:        newUserResponse(user),
	})
}

// HandleMe returns the authenticated user.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	user, err := a.DB.GetUserByID(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		// valid token for a user that no longer exists
		writeAuthError(w, ErrUnauthenticated)
		return
	}
	if err != nil {
		a.Log.ErrorContext(r.Context(), "get user", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}
