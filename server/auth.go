package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dekarrin/vone"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// Issuer is the issuer set in and required of bearer tokens.
	Issuer = "vonefake"

	// PasswordCost is the bcrypt cost HashPassword uses.
	PasswordCost = bcrypt.DefaultCost
)

// HashPassword returns the base64 encoding of the bcrypt hash of password, the
// form user passwords are given to the server in.
func HashPassword(password string) (string, error) {
	passHash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		if err == bcrypt.ErrPasswordTooLong {
			return "", vone.NewError("password is too long", err, vone.ErrBadArgument)
		}
		return "", vone.NewError("password could not be encrypted", err)
	}

	return base64.StdEncoding.EncodeToString(passHash), nil
}

// authenticator checks the credentials of a request against the configured
// users. It accepts basic auth with a user's password and bearer tokens signed
// with the server's secret.
type authenticator struct {
	users  map[string][]byte
	secret []byte
	delay  time.Duration
}

func newAuthenticator(users map[string]string, secret []byte, delay time.Duration) (authenticator, error) {
	a := authenticator{
		users:  make(map[string][]byte, len(users)),
		secret: secret,
		delay:  delay,
	}
	for name, encoded := range users {
		hash, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return authenticator{}, fmt.Errorf("user %q: password hash is not base64: %w", name, err)
		}
		a.users[name] = hash
	}
	return a, nil
}

// enabled returns whether any credentials are required at all.
func (a authenticator) enabled() bool {
	return len(a.users) > 0 || len(a.secret) > 0
}

// Authenticate returns the name of the user the request is made by. A request
// with no credentials gives an error.
func (a authenticator) Authenticate(req *http.Request) (string, error) {
	if tok, err := getBearer(req); err == nil {
		return a.validateToken(tok)
	}

	username, password, ok := req.BasicAuth()
	if !ok {
		return "", fmt.Errorf("no credentials given")
	}

	hash, ok := a.users[username]
	if !ok {
		return "", fmt.Errorf("no user %q", username)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return "", fmt.Errorf("bad password for user %q", username)
		}
		return "", fmt.Errorf("check password: %w", err)
	}

	return username, nil
}

// UnauthDelay is how long to wait before answering a request that failed
// authentication.
func (a authenticator) UnauthDelay() time.Duration {
	return a.delay
}

func (a authenticator) validateToken(tok string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("bearer tokens are not accepted")
	}

	var username string
	_, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
		subj, err := t.Claims.GetSubject()
		if err != nil {
			return nil, fmt.Errorf("cannot get subject: %w", err)
		}
		if _, ok := a.users[subj]; !ok {
			return nil, fmt.Errorf("subject does not exist")
		}
		username = subj
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}), jwt.WithIssuer(Issuer), jwt.WithLeeway(time.Minute))
	if err != nil {
		return "", err
	}

	return username, nil
}

// IssueToken returns a bearer token for username signed with secret that
// expires after ttl.
func IssueToken(secret []byte, username string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", vone.NewError("token secret is empty", vone.ErrBadArgument)
	}

	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)

	tokStr, err := tok.SignedString(secret)
	if err != nil {
		return "", err
	}
	return tokStr, nil
}

// getBearer gets the token from the Authorization header as a bearer token.
func getBearer(req *http.Request) (string, error) {
	authHeader := strings.TrimSpace(req.Header.Get("Authorization"))

	if authHeader == "" {
		return "", errors.New("no authorization header present")
	}

	authParts := strings.SplitN(authHeader, " ", 2)
	if len(authParts) != 2 {
		return "", errors.New("authorization header not in Bearer format")
	}

	scheme := strings.TrimSpace(strings.ToLower(authParts[0]))
	token := strings.TrimSpace(authParts[1])

	if scheme != "bearer" {
		return "", errors.New("authorization header not in Bearer format")
	}

	return token, nil
}
