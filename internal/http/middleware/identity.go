package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/dztow/backend/internal/models"
)

const (
	ActorIDHeader   = "X-Actor-Id"
	ActorRoleHeader = "X-Actor-Role"

	actorKey    = "actor"
	tokenIssuer = "dztow-auth"
	tokenLeeway = 30 * time.Second
)

// Claims are the access token claims: the subject is the actor id.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// IdentityConfig configures caller resolution. When AllowHeaders is set
// (development only) X-Actor-Id and X-Actor-Role are accepted without a token.
type IdentityConfig struct {
	Secret       string
	AllowHeaders bool
}

// Identity resolves the caller into a models.Actor. Requests without a valid
// identity are rejected with 401.
func Identity(cfg IdentityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := resolve(c, cfg)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func CurrentActor(c *gin.Context) (models.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return nil, false
	}
	actor, ok := v.(models.Actor)
	return actor, ok
}

func resolve(c *gin.Context, cfg IdentityConfig) (models.Actor, error) {
	if raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && cfg.Secret != "" {
		return VerifyToken(cfg.Secret, strings.TrimSpace(raw))
	}
	if cfg.AllowHeaders {
		return actorFor(c.GetHeader(ActorIDHeader), models.Role(c.GetHeader(ActorRoleHeader)))
	}
	return nil, errors.New("missing bearer token")
}

// VerifyToken validates an HS256 access token and returns its actor.
func VerifyToken(secret, token string) (models.Actor, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return actorFor(claims.Subject, claims.Role)
}

// SignToken issues an access token for id with role.
func SignToken(secret, id string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func actorFor(id string, role models.Role) (models.Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("actor id missing")
	}
	profile := models.Profile{ID: id}
	switch role {
	case models.RoleSeeker:
		return models.Seeker{Profile: profile}, nil
	case models.RoleOperator:
		return models.Operator{Profile: profile}, nil
	}
	return nil, errors.New("unknown actor role")
}
