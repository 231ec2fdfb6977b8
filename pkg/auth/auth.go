// Package auth implements C10, the authentication hook (spec.md
// §4.10): parsing the Authorization header, delegating to a pluggable
// AuthProvider, and the anonymous-read policy that lets unauthenticated
// git-upload-pack through while still requiring credentials for
// git-receive-pack.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kptdev/gitd/internal/giterrors"
)

// Operation names the two git wire operations the anonymous policy
// distinguishes between.
type Operation string

const (
	UploadPack  Operation = "git-upload-pack"  // fetch/clone, read-only
	ReceivePack Operation = "git-receive-pack" // push, mutating
)

// Credentials is what Parse extracts from an Authorization header,
// before any validation against an AuthProvider.
type Credentials struct {
	Scheme   string // "Basic" or "Bearer"
	User     string // populated for Basic only
	Password string // populated for Basic only
	Token    string // populated for Bearer only
}

// Result is an AuthProvider's verdict (spec §4.10's {valid, user?,
// scopes?, reason?}).
type Result struct {
	Valid  bool
	User   string
	Scopes []string
	Reason string
}

// AuthProvider validates parsed credentials. Implementations decide how
// "user" resolves and what scopes it carries; BasicProvider and
// JWTProvider below are the two concrete forms spec §4.10 names.
type AuthProvider interface {
	Authenticate(ctx context.Context, creds Credentials) (Result, error)
}

// ParseAuthorization parses an Authorization header value into
// Credentials. Returns (nil, nil) if the header is absent (anonymous).
func ParseAuthorization(header string) (*Credentials, error) {
	if header == "" {
		return nil, nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return nil, giterrors.New(giterrors.MalformedAuth, "malformed Authorization header")
	}
	scheme, value := parts[0], parts[1]

	switch strings.ToLower(scheme) {
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, giterrors.Wrap(giterrors.MalformedAuth, err, "decoding Basic credentials")
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return nil, giterrors.New(giterrors.MalformedAuth, "malformed Basic credentials")
		}
		return &Credentials{Scheme: "Basic", User: user, Password: pass}, nil
	case "bearer":
		return &Credentials{Scheme: "Bearer", Token: value}, nil
	default:
		return nil, giterrors.New(giterrors.MalformedAuth, "unsupported auth scheme %q", scheme)
	}
}

// Policy is C10's overall configuration: which provider to delegate to,
// whether anonymous access is allowed at all, and whether it's limited
// to read-only operations.
type Policy struct {
	Provider           AuthProvider
	AllowAnonymous     bool
	AnonymousReadOnly  bool // when true, anonymous may UploadPack but not ReceivePack
	Realm              string
}

// Authorize is C10's entry point: given a raw Authorization header
// value (possibly empty) and the operation being attempted, returns the
// authenticated Result or an error carrying the WWW-Authenticate
// challenge to emit with a 401.
func (p Policy) Authorize(ctx context.Context, header string, op Operation) (Result, error) {
	creds, err := ParseAuthorization(header)
	if err != nil {
		return Result{}, p.challenge(err.Error())
	}

	if creds == nil {
		if p.AllowAnonymous && (!p.AnonymousReadOnly || op == UploadPack) {
			return Result{Valid: true}, nil
		}
		return Result{}, p.challenge("authentication required")
	}

	if p.Provider == nil {
		return Result{}, p.challenge("no auth provider configured")
	}
	res, err := p.Provider.Authenticate(ctx, *creds)
	if err != nil {
		return Result{}, err
	}
	if !res.Valid {
		reason := res.Reason
		if reason == "" {
			reason = "invalid credentials"
		}
		return Result{}, p.challenge(reason)
	}
	return res, nil
}

// challenge builds the 401 error carrying spec §4.10's WWW-Authenticate
// value; the HTTP layer is responsible for actually setting the header
// and status code from this error's Code/Message.
func (p Policy) challenge(reason string) error {
	realm := p.Realm
	if realm == "" {
		realm = "gitd"
	}
	return giterrors.New(giterrors.Unauthorized, "%s", reason).
		WithHeader("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, Bearer realm=%q`, realm, realm))
}

// BasicProvider validates Basic credentials against a static, constant-
// time-compared credential table (spec §4.10: "credential comparison
// must be constant-time").
type BasicProvider struct {
	Credentials map[string]string // user -> password
	Scopes      map[string][]string
}

func (b BasicProvider) Authenticate(ctx context.Context, creds Credentials) (Result, error) {
	if creds.Scheme != "Basic" {
		return Result{Valid: false, Reason: "expected Basic credentials"}, nil
	}
	want, ok := b.Credentials[creds.User]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(creds.Password)) != 1 {
		return Result{Valid: false, Reason: "invalid username or password"}, nil
	}
	return Result{Valid: true, User: creds.User, Scopes: b.Scopes[creds.User]}, nil
}

// JWTProvider validates Bearer tokens as JWTs via golang-jwt/jwt/v5.
type JWTProvider struct {
	Keyfunc jwt.Keyfunc
}

func (j JWTProvider) Authenticate(ctx context.Context, creds Credentials) (Result, error) {
	if creds.Scheme != "Bearer" {
		return Result{Valid: false, Reason: "expected Bearer token"}, nil
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(creds.Token, claims, j.Keyfunc)
	if err != nil || !token.Valid {
		return Result{Valid: false, Reason: "invalid or expired token"}, nil
	}

	user, _ := claims["sub"].(string)
	var scopes []string
	if raw, ok := claims["scopes"].([]interface{}); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}
	return Result{Valid: true, User: user, Scopes: scopes}, nil
}
