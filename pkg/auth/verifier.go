package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kabili207/iamhere-server/pkg/models"
)

// Reason explains why a credential was rejected.
type Reason string

const (
	ReasonMissing     Reason = "missing"
	ReasonExpired     Reason = "expired"
	ReasonInvalid     Reason = "invalid"
	ReasonUnknownUser Reason = "unknown_user"
)

// ErrRejected matches every *RejectedError via errors.Is.
var ErrRejected = errors.New("credential rejected")

type RejectedError struct {
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential rejected (%s)", e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func (e *RejectedError) Unwrap() error { return e.Err }

func reject(reason Reason, err error) error {
	return &RejectedError{Reason: reason, Err: err}
}

// Claims is what the login endpoint signs. Older tokens only carry the
// numeric id claim; newer ones may use sub instead.
type Claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

func (c *Claims) identity() (models.UserID, bool) {
	if c.UserID > 0 {
		return models.UserID(c.UserID), true
	}
	if c.Subject == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return models.UserID(id), true
}

// UserChecker reports whether an identity still belongs to a registered user.
type UserChecker interface {
	UserExists(ctx context.Context, id models.UserID) (bool, error)
}

// Verifier validates HS256 bearer tokens against a shared secret and makes
// sure the identity they name still exists.
type Verifier struct {
	secret []byte
	users  UserChecker
	parser *jwt.Parser
}

func NewVerifier(secret []byte, users UserChecker, requireExpiry bool) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if requireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	return &Verifier{
		secret: secret,
		users:  users,
		parser: jwt.NewParser(opts...),
	}
}

// Verify returns the user a token was issued to. Rejections are
// *RejectedError; any other error means the user store could not be asked.
func (v *Verifier) Verify(ctx context.Context, token string) (models.UserID, error) {
	if token == "" {
		return 0, reject(ReasonMissing, nil)
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return 0, reject(ReasonExpired, err)
	case err != nil:
		return 0, reject(ReasonInvalid, err)
	}

	id, ok := claims.identity()
	if !ok {
		return 0, reject(ReasonInvalid, errors.New("token carries no user id"))
	}

	exists, err := v.users.UserExists(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("checking user %d: %w", id, err)
	}
	if !exists {
		return 0, reject(ReasonUnknownUser, fmt.Errorf("user %d no longer exists", id))
	}
	return id, nil
}

// Issuer signs tokens the Verifier accepts.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// Issue signs a token for id. A zero ttl produces a token without expiry,
// matching what the login endpoint has always handed out.
func (i *Issuer) Issue(id models.UserID, username string, ttl time.Duration) (string, error) {
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID:   int64(id),
		Username: username,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
