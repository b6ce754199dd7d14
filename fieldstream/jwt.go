package fieldstream

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// viewer identity carried by the connection auth token

type ViewerJwt struct {
	UserId   Id
	UserName string
}

func IssueViewerJwt(secret []byte, user *User, expire time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":   user.UserId.String(),
		"user_name": user.Name,
		"exp":       time.Now().Add(expire).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseViewerJwt(secret []byte, jwt string) (*ViewerJwt, error) {
	token, err := gojwt.Parse(jwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("bad claims")
	}

	viewerJwt := &ViewerJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			viewerJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		viewerJwt.UserName = userName
	}

	if viewerJwt.UserId.IsZero() {
		return nil, fmt.Errorf("missing user_id claim")
	}
	return viewerJwt, nil
}
