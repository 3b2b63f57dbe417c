package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("token has no subject")

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity: проверенный пользователь внешнего провайдера.
type Identity struct {
	UID   string
	Email string
}

// Verifier проверяет токены провайдера: HS256 по общему секрету или RS256 по ключу.
type Verifier struct {
	key    any
	method string
	issuer string
}

// NewVerifier: если задан publicKeyPEM, используется RS256, иначе HS256.
func NewVerifier(secret, publicKeyPEM, issuer string) (*Verifier, error) {
	if strings.TrimSpace(publicKeyPEM) != "" {
		pub, err := ParseRSAPublicKey(publicKeyPEM)
		if err != nil {
			return nil, err
		}
		return &Verifier{key: pub, method: jwt.SigningMethodRS256.Alg(), issuer: issuer}, nil
	}
	if secret == "" {
		return nil, errors.New("missing_secret")
	}
	return &Verifier{key: []byte(secret), method: jwt.SigningMethodHS256.Alg(), issuer: issuer}, nil
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, options...)
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, jwt.ErrTokenInvalidClaims
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return Identity{}, ErrNoSubject
	}
	return Identity{UID: uid, Email: claims.Email}, nil
}

func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid_public_key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		publicKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("invalid_public_key_type")
		}
		return publicKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, errors.New("invalid_public_key")
	}
}
