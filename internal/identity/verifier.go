package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"pagescribe/pkg/domain"
)

const (
	defaultIssuer   = "pagescribe-auth"
	defaultAudience = "pagescribe-api"
	defaultLeeway   = 30 * time.Second
	defaultTokenTTL = 12 * time.Hour
)

// Claims carries the identity asserted by an access token.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config configures access-token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	TokenTTL time.Duration
}

// Verifier validates HS256 access tokens and extracts the caller identity.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	ttl      time.Duration
}

// NewVerifier creates a token verifier over a shared signing secret.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token verifier requires a signing secret")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		ttl:      ttl,
	}, nil
}

// Verify validates the token and returns the asserted identity.
func (v *Verifier) Verify(token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, errors.New("token required")
	}
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return domain.Identity{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Identity{}, errors.New("token subject missing")
	}
	role := domain.Role(strings.TrimSpace(claims.Role))
	switch role {
	case domain.RoleUser, domain.RoleAdmin:
	case "":
		role = domain.RoleUser
	default:
		return domain.Identity{}, errors.New("token role not recognized")
	}
	return domain.Identity{UserID: subject, UserName: claims.Name, Role: role}, nil
}

// Issue signs a token for the given identity. Used by local tooling and
// tests; production deployments normally receive tokens from the auth
// service sharing the same secret.
func (v *Verifier) Issue(who domain.Identity) (string, error) {
	if strings.TrimSpace(who.UserID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Name: who.UserName,
		Role: string(who.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.UserID,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts a bearer token from a request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
