package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

type Credentials struct {
	Author string `json:"author"`
}

type Claims struct {
	Author string `json:"author"`
	jwt.StandardClaims
}

type authorKey struct{}

// author -> token, err
func (s *Server) signJWT(claim Claims) (string, error) {
	claim.ExpiresAt = time.Now().Add(s.tokenTTL).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(s.secret)
}

// token -> author, ok
func (s *Server) parseJWT(token string) (string, bool) {
	parsedToken, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", false
	}

	if claim, ok := parsedToken.Claims.(*Claims); ok && parsedToken.Valid && claim.Author != "" {
		return claim.Author, true
	}
	return "", false
}

// middleware admits requests carrying a valid token, either as a bearer
// Authorization header or, for browsers opening websockets, a token query
// parameter.
func (s *Server) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			extractedToken := strings.Split(header, "Bearer ")
			if len(extractedToken) != 2 {
				http.Error(w, "Invalid token", http.StatusForbidden)
				return
			}
			token = extractedToken[1]
		}

		author, ok := s.parseJWT(token)
		if !ok {
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), authorKey{}, author)
		next(w, r.WithContext(ctx))
	}
}

func authorFrom(ctx context.Context) string {
	author, _ := ctx.Value(authorKey{}).(string)
	return author
}

// token issues a token for the requested author name.
func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	reqBody, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "Bad format", http.StatusBadRequest)
		return
	}
	var creds Credentials
	if json.Unmarshal(reqBody, &creds) != nil || creds.Author == "" || strings.ContainsAny(creds.Author, "/ ") {
		http.Error(w, "Bad format", http.StatusBadRequest)
		return
	}

	token, err := s.signJWT(Claims{Author: creds.Author})
	if err != nil {
		s.logger.Error("signing token", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, token)
}
