package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/austindbirch/pagehook/internal/auth"
	"github.com/austindbirch/pagehook/internal/config"
	"github.com/austindbirch/pagehook/internal/logging"
)

const (
	defaultKeyID = "pagehook-key-1"
	defaultTTL   = time.Hour
	maxTTL       = 24 * time.Hour
)

// keyServer issues dev admin tokens and publishes the matching JWKS
type keyServer struct {
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
	audience   string
}

// loadOrGenerateKey reads a PKCS1 or PKCS8 private key from pemData, or generates one when empty
func loadOrGenerateKey(pemData string) (*rsa.PrivateKey, bool, error) {
	if pemData == "" {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		return k, true, err
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return k, false, nil
}

func (s *keyServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("POST /token", s.createTokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	return mux
}

// jwksHandler serves the JWKS endpoint
func (s *keyServer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	resp := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.EncodeJWK(s.keyID, &s.privateKey.PublicKey)}}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(resp)
}

// createTokenHandler handles token creation requests
func (s *keyServer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		TTL         int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.WorkspaceID == "" {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}

	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = min(time.Duration(req.TTL)*time.Second, maxTTL)
	}

	token, err := auth.IssueToken(s.privateKey, s.keyID, s.issuer, s.audience, req.WorkspaceID, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	logger := logging.New("pagehook-jwks-server")
	cfg := config.FromEnv().Auth

	key, generated, err := loadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	if generated {
		logger.Plain().Info("Generated new RSA key pair for JWT signing")
	}

	s := &keyServer{privateKey: key, keyID: defaultKeyID, issuer: cfg.Issuer, audience: cfg.Audience}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"jwks":     "/.well-known/jwks.json",
		"token":    "POST /token",
		"issuer":   cfg.Issuer,
		"audience": cfg.Audience,
	}).Info("JWKS server starting")

	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
