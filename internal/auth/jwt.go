package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const WorkspaceIDKey contextKey = "workspace_id"

// ErrNoKey is returned when a token names a kid the validator does not know
var ErrNoKey = errors.New("no key for token")

// Claims carried by admin tokens
type Claims struct {
	WorkspaceID string `json:"workspace_id"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	keys          map[string]*rsa.PublicKey
	issuer        string
	audience      string
	gatewayHeader string
}

// Option configures a JWTValidator
type Option func(*JWTValidator)

// WithGatewayHeader trusts a workspace id header set by an upstream proxy that already verified the token
func WithGatewayHeader(name string) Option {
	return func(v *JWTValidator) { v.gatewayHeader = strings.ToLower(name) }
}

// ParsePublicKey decodes a PKCS1 or PKIX RSA public key
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

// NewJWTValidator creates a validator for a single PEM encoded key
func NewJWTValidator(publicKeyPEM, issuer, audience string, opts ...Option) (*JWTValidator, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewKeySetValidator(map[string]*rsa.PublicKey{"": pub}, issuer, audience, opts...), nil
}

// NewKeySetValidator creates a validator that selects keys by kid.
// The "" entry is used for tokens without a kid, or when it is the only key.
func NewKeySetValidator(keys map[string]*rsa.PublicKey, issuer, audience string, opts ...Option) *JWTValidator {
	v := &JWTValidator{keys: keys, issuer: issuer, audience: audience}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *JWTValidator) key(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	if len(v.keys) == 1 {
		for _, k := range v.keys {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrNoKey, kid)
}

// ValidateToken validates a JWT token and returns the workspace ID
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, v.key,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.WorkspaceID == "" {
		return "", fmt.Errorf("missing or invalid workspace_id claim")
	}
	return claims.WorkspaceID, nil
}

// IssueToken signs a token for workspaceID. Used by the dev key server and tests.
func IssueToken(key *rsa.PrivateKey, kid, issuer, audience, workspaceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   workspaceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	if kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString(key)
}

func bearer(header string) (string, bool) {
	tok, ok := strings.CutPrefix(header, "Bearer ")
	return tok, ok && tok != ""
}

// HTTPMiddleware returns an HTTP middleware that validates JWT tokens
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if v.gatewayHeader != "" {
			if ws := r.Header.Get(v.gatewayHeader); ws != "" {
				next.ServeHTTP(w, r.WithContext(WithWorkspace(r.Context(), ws)))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenString, ok := bearer(authHeader)
		if !ok {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		ws, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithWorkspace(r.Context(), ws)))
	})
}

// GRPCInterceptor returns a gRPC unary interceptor that validates JWT tokens
func (v *JWTValidator) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		if v.gatewayHeader != "" {
			if ids := md.Get(v.gatewayHeader); len(ids) > 0 && ids[0] != "" {
				return handler(WithWorkspace(ctx, ids[0]), req)
			}
		}

		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing authorization header")
		}
		tokenString, ok := bearer(authHeaders[0])
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "invalid authorization header format")
		}

		ws, err := v.ValidateToken(tokenString)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}
		return handler(WithWorkspace(ctx, ws), req)
	}
}

// WithWorkspace stores the authenticated workspace id
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}

// WorkspaceFromContext extracts the authenticated workspace id
func WorkspaceFromContext(ctx context.Context) (string, bool) {
	ws, ok := ctx.Value(WorkspaceIDKey).(string)
	return ws, ok && ws != ""
}
