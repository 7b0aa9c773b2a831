package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"careflow/pkg/types"
)

const issuer = "careflow"

// Claims is the token body. Tokens issued by older clients carry the user
// id in "id" instead of "sub"; both are accepted.
type Claims struct {
	LegacyID string     `json:"id,omitempty"`
	Role     types.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens once per connection.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator builds an HS256 verifier. ttl is only used when issuing.
func NewAuthenticator(secret string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Authenticate validates the token and extracts the caller identity.
// Every failure wraps types.ErrAuthentication.
func (a *Authenticator) Authenticate(tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, fmt.Errorf("%w: missing token", types.ErrAuthentication)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", types.ErrAuthentication, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Identity{}, fmt.Errorf("%w: invalid claims", types.ErrAuthentication)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.LegacyID
	}
	if userID == "" {
		return types.Identity{}, fmt.Errorf("%w: token has no subject", types.ErrAuthentication)
	}
	if !types.IsValidRole(claims.Role) {
		return types.Identity{}, fmt.Errorf("%w: unknown role %q", types.ErrAuthentication, claims.Role)
	}

	return types.Identity{UserID: userID, Role: claims.Role}, nil
}

// IssueToken signs a token for the given identity.
func (a *Authenticator) IssueToken(userID string, role types.Role) (string, error) {
	if userID == "" {
		return "", errors.New("user ID cannot be empty")
	}
	if !types.IsValidRole(role) {
		return "", types.ErrInvalidRole
	}

	now := a.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest pulls the bearer token from the Authorization header,
// falling back to the "token" query parameter browsers use for websockets.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
