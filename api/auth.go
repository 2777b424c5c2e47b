package api

import (
	"crypto"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const accessTokenCookie = "access_token"

type JWT struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

func ParseAndValidateJWT(tokenString string, secret crypto.Signer) (*JWT, error) {
	const op = "ParseJWT"
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return secret.Public(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}

// authenticate 從cookie取出access token並驗證
// 驗證失敗時回傳nil，由呼叫端決定回應401。
func (impl *ServerImpl) authenticate(c *gin.Context) *JWT {
	tokenString, err := c.Cookie(accessTokenCookie)
	if err != nil || tokenString == "" {
		return nil
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey)
	if err != nil {
		return nil
	}
	return token
}
