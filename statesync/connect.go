package statesync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id json: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// ClientAuth identifies this client instance to the server. The token is
// the capability/session token issued at login; it is sent with the
// connection url, never logged.
type ClientAuth struct {
	Token      string
	InstanceId Id
}

// SessionId reads the session id claim out of the token without verifying
// the signature. Verification is the server's concern; the client only
// needs the id for logging correlation.
func (self *ClientAuth) SessionId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.Token, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if sessionId, ok := claims["session_id"].(string); ok {
		return sessionId, nil
	}
	if sessionId, ok := claims["sub"].(string); ok {
		return sessionId, nil
	}
	return "", fmt.Errorf("token has no session id claim")
}
