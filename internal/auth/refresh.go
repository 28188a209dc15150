package auth

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/gofrs/uuid"
)

var ErrMalformedRefreshToken = errors.New("malformed refresh token")

// EncodeRefreshToken builds the client-facing token: base64url("<id>:<secret>").
func EncodeRefreshToken(id uuid.UUID, secret string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id.String() + ":" + secret))
}

func ParseRefreshToken(raw string) (uuid.UUID, string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return uuid.Nil, "", ErrMalformedRefreshToken
	}

	idPart, secret, ok := strings.Cut(string(decoded), ":")
	if !ok || secret == "" {
		return uuid.Nil, "", ErrMalformedRefreshToken
	}

	id, err := uuid.FromString(idPart)
	if err != nil {
		return uuid.Nil, "", ErrMalformedRefreshToken
	}

	return id, secret, nil
}
