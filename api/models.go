package api

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
}

// UserResponse describes an account.
type UserResponse struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is returned from GET /auth/status.
type StatusResponse struct {
	Authenticated bool          `json:"authenticated"`
	Data          *UserResponse `json:"data,omitempty"`
	ExpiresAt     string        `json:"expires_at,omitempty"`
}

// RefreshResponse is returned from POST /auth/refresh.
type RefreshResponse struct {
	Success   bool   `json:"success"`
	ExpiresAt string `json:"expires_at"`
}

// LogoutResponse is returned from POST /auth/logout for JSON requests.
type LogoutResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
