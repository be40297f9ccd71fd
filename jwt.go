package loopii

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of interest in the auth provider's access token. The token is
// verified server-side; the client only needs the subject for channel routing.
type SessionJwt struct {
	UserId    Id
	Email     string
	ExpiresAt time.Time
}

func ParseSessionJwtUnverified(sessionJwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(sessionJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	parsed := &SessionJwt{}

	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			if userId, err := ParseId(subStr); err == nil {
				parsed.UserId = userId
			}
		}
	}
	if email, ok := claims["email"]; ok {
		if emailStr, ok := email.(string); ok {
			parsed.Email = emailStr
		}
	}
	if exp, ok := claims["exp"]; ok {
		if expFloat, ok := exp.(float64); ok {
			parsed.ExpiresAt = time.Unix(int64(expFloat), 0)
		}
	}

	return parsed, nil
}
