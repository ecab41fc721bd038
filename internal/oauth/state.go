package oauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ksred/klear-broker/pkg/apperr"
)

// StateClaims is the payload of the signed CSRF state parameter.
type StateClaims struct {
	jwt.RegisteredClaims
	Broker string `json:"broker"`
}

// StateSigner issues and verifies HMAC signed, time bound state tokens.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign returns a state token binding the user, the broker and a random nonce.
func (s *StateSigner) Sign(userID, broker string) (string, error) {
	now := s.now()
	claims := StateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Broker: broker,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature, the expiry and that the state was issued to
// userID for broker.
func (s *StateSigner) Verify(state, userID, broker string) error {
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return apperr.Wrap(apperr.KindInvalidState, "state parameter is invalid or expired", err)
	}

	if claims.Subject != userID || claims.Broker != broker {
		return apperr.New(apperr.KindInvalidState, "state parameter does not match this connection")
	}
	return nil
}
