package crypto

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the gateway reads. The user id is the subject.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
