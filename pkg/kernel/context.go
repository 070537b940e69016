package kernel

// ============================================================================
// Context Types - Tipos para context.Context
// ============================================================================

// TokenType identifies the kind of credential behind an AuthContext.
type TokenType string

const (
	TokenTypeAccess         TokenType = "access"
	TokenTypeRefresh        TokenType = "refresh"
	TokenTypeServiceAccount TokenType = "service_account"
)

// AuthContext es el contexto de autenticación que se inyecta en cada request.
// Either UserID (JWT path) or ServiceAccountID (API-key path) is set.
type AuthContext struct {
	UserID           *UserID           `json:"user_id,omitempty"`
	ServiceAccountID *ServiceAccountID `json:"service_account_id,omitempty"`
	TenantID         TenantID          `json:"tenant_id,omitempty"`
	Email            string            `json:"email,omitempty"`
	EmailVerified    bool              `json:"email_verified"`
	Role             string            `json:"role,omitempty"`
	Scopes           []string          `json:"scopes"`
	TokenType        TokenType         `json:"token_type"`
	JTI              string            `json:"jti,omitempty"`
	RateLimitTier    string            `json:"rate_limit_tier,omitempty"`
}

// ============================================================================
// Validation Methods
// ============================================================================

// IsValid verifica si el AuthContext es válido
func (ac *AuthContext) IsValid() bool {
	if ac.TokenType == TokenTypeServiceAccount {
		return ac.ServiceAccountID != nil && !ac.ServiceAccountID.IsEmpty()
	}
	return ac.UserID != nil && !ac.UserID.IsEmpty()
}

// IsServiceAccount reports whether the credential is a machine credential.
func (ac *AuthContext) IsServiceAccount() bool {
	return ac.TokenType == TokenTypeServiceAccount
}

// Subject returns the id the credential acts as (user or service account).
func (ac *AuthContext) Subject() string {
	if ac.IsServiceAccount() && ac.ServiceAccountID != nil {
		return ac.ServiceAccountID.String()
	}
	if ac.UserID != nil {
		return ac.UserID.String()
	}
	return ""
}

// ============================================================================
// Scope Management Methods
// ============================================================================

// HasScope verifica si el contexto tiene un scope específico
func (ac *AuthContext) HasScope(scope string) bool {
	for _, s := range ac.Scopes {
		// Exact match or wildcard "*"
		if s == scope || s == "*" {
			return true
		}
		// Wildcard match (e.g., "sessions:*" matches "sessions:read")
		if len(s) > 2 && s[len(s)-2:] == ":*" {
			prefix := s[:len(s)-2]
			if len(scope) > len(prefix) && scope[:len(prefix)] == prefix && scope[len(prefix)] == ':' {
				return true
			}
		}
	}
	return false
}

// IsAdmin verifica si el contexto tiene permisos de administrador
func (ac *AuthContext) IsAdmin() bool {
	return ac.HasScope("*") || ac.HasScope("admin:*")
}

// HasAnyScope verifica si el contexto tiene alguno de los scopes proporcionados
func (ac *AuthContext) HasAnyScope(scopes ...string) bool {
	for _, scope := range scopes {
		if ac.HasScope(scope) {
			return true
		}
	}
	return false
}

// HasAllScopes verifica si el contexto tiene todos los scopes proporcionados
func (ac *AuthContext) HasAllScopes(scopes ...string) bool {
	for _, scope := range scopes {
		if !ac.HasScope(scope) {
			return false
		}
	}
	return true
}

// ============================================================================
// Context Keys - Claves para context.Context
// ============================================================================

type ContextKey string

const (
	// AuthContextKey es la clave para almacenar AuthContext en context.Context
	AuthContextKey ContextKey = "auth_context"

	// TenantContextKey es la clave para almacenar TenantID en context.Context
	TenantContextKey ContextKey = "tenant_id"

	// UserContextKey es la clave para almacenar UserID en context.Context
	UserContextKey ContextKey = "user_id"

	// RequestIDKey es la clave para almacenar el ID de la petición
	RequestIDKey ContextKey = "request_id"
)
