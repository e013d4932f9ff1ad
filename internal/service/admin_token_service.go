package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	adminTokenIssuer = "clientsvia-scenario-router"
	adminRole        = "admin"
)

var (
	ErrAdminTokenInvalid = errors.New("admin token invalid")
	ErrAdminTokenExpired = errors.New("admin token expired")
	ErrAdminTokenRevoked = errors.New("admin token revoked")
)

// AdminClaims son los claims del token que protege el hook de invalidacion.
type AdminClaims struct {
	Role string `json:"role"`
	// Tenants vacio habilita todos los tenants.
	Tenants []string `json:"tenants,omitempty"`
	jwt.RegisteredClaims
}

// AllowsTenant indica si el token puede invalidar el pool de tenantID.
func (c AdminClaims) AllowsTenant(tenantID string) bool {
	if len(c.Tenants) == 0 {
		return true
	}
	for _, t := range c.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// AdminTokenService emite y valida tokens HS256 para la superficie de administracion.
type AdminTokenService struct {
	secret  []byte
	ttl     time.Duration
	revoked TokenRevocationStore
	now     func() time.Time
}

func NewAdminTokenService(secret string, ttl time.Duration) *AdminTokenService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AdminTokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithRevocations habilita Revoke; sin store los tokens solo expiran.
func (s *AdminTokenService) WithRevocations(store TokenRevocationStore) *AdminTokenService {
	s.revoked = store
	return s
}

// Enabled es false cuando no hay secreto configurado.
func (s *AdminTokenService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

func (s *AdminTokenService) Issue(subject string, tenants []string) (string, error) {
	if !s.Enabled() || strings.TrimSpace(subject) == "" {
		return "", ErrAdminTokenInvalid
	}
	now := s.now().UTC()
	claims := AdminClaims{
		Role:    adminRole,
		Tenants: tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    adminTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *AdminTokenService) Parse(token string) (AdminClaims, error) {
	if !s.Enabled() || strings.TrimSpace(token) == "" {
		return AdminClaims{}, ErrAdminTokenInvalid
	}
	var claims AdminClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminTokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrAdminTokenExpired
		}
		return AdminClaims{}, ErrAdminTokenInvalid
	}
	if claims.Role != adminRole || strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, ErrAdminTokenInvalid
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(claims.ID)
		if err != nil {
			// Sin poder verificar la revocacion el token no se acepta.
			return AdminClaims{}, ErrAdminTokenInvalid
		}
		if revoked {
			return AdminClaims{}, ErrAdminTokenRevoked
		}
	}
	return claims, nil
}

// Revoke invalida el token de claims hasta su expiracion.
func (s *AdminTokenService) Revoke(claims AdminClaims) error {
	if s.revoked == nil {
		return errors.New("admin token revocation not configured")
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrAdminTokenInvalid
	}
	return s.revoked.Revoke(claims.ID, claims.ExpiresAt.Sub(s.now()))
}
