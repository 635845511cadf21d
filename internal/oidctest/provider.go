// Package oidctest runs an in-process OpenID Connect provider for tests.
//
// It serves a discovery document, a JSON Web Key Set and a resource-owner
// password token endpoint laid out like a Keycloak realm, and can mint
// arbitrary tokens with its signing keys.
package oidctest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Defaults match the realm used by the service's sample deployment
const (
	DefaultRealm    = "myrealm"
	DefaultClientID = "myclient"
	DefaultUsername = "myuser"
	DefaultPassword = "mypassword"
)

// ErrInvalidGrant is returned by PasswordGrant when the credentials are rejected
var ErrInvalidGrant = errors.New("invalid_grant")

type signingKey struct {
	kid string
	key *rsa.PrivateKey
}

// Provider is a running test identity provider
type Provider struct {
	srv      *httptest.Server
	realm    string
	clientID string
	tokenTTL time.Duration

	mu        sync.RWMutex
	users     map[string]string
	keys      []signingKey
	published []signingKey
	jwksDelay time.Duration
	jwksFail  bool

	discoveryHits atomic.Int64
	jwksHits      atomic.Int64
}

// Option configures a Provider
type Option func(*Provider)

// WithRealm sets the realm name used in the issuer path
func WithRealm(realm string) Option {
	return func(p *Provider) { p.realm = realm }
}

// WithClientID sets the client id placed in the audience of issued tokens
func WithClientID(id string) Option {
	return func(p *Provider) { p.clientID = id }
}

// WithUser registers a user for the password grant
func WithUser(username, password string) Option {
	return func(p *Provider) { p.users[username] = password }
}

// WithTokenTTL sets the lifetime of tokens issued by the token endpoint
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.tokenTTL = ttl }
}

// New starts a provider with one RSA signing key and the default user.
// The server is closed when the test ends.
func New(t testing.TB, opts ...Option) *Provider {
	t.Helper()

	p := &Provider{
		realm:    DefaultRealm,
		clientID: DefaultClientID,
		tokenTTL: 5 * time.Minute,
		users:    map[string]string{DefaultUsername: DefaultPassword},
	}
	for _, opt := range opts {
		opt(p)
	}

	key, err := newSigningKey()
	if err != nil {
		t.Fatalf("oidctest: generate key: %v", err)
	}
	p.keys = []signingKey{key}
	p.published = []signingKey{key}

	base := "/realms/" + p.realm
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc(base+"/protocol/openid-connect/certs", p.handleJWKS)
	mux.HandleFunc(base+"/protocol/openid-connect/token", p.handleToken)

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

// Close stops the server
func (p *Provider) Close() { p.srv.Close() }

// Issuer returns the issuer URL
func (p *Provider) Issuer() string { return p.srv.URL + "/realms/" + p.realm }

// ClientID returns the audience placed in issued tokens
func (p *Provider) ClientID() string { return p.clientID }

// JWKSURL returns the key set endpoint
func (p *Provider) JWKSURL() string { return p.Issuer() + "/protocol/openid-connect/certs" }

// TokenURL returns the token endpoint
func (p *Provider) TokenURL() string { return p.Issuer() + "/protocol/openid-connect/token" }

// DiscoveryRequests returns how many times the discovery document was served
func (p *Provider) DiscoveryRequests() int64 { return p.discoveryHits.Load() }

// JWKSRequests returns how many times the key set was served
func (p *Provider) JWKSRequests() int64 { return p.jwksHits.Load() }

// KeyID returns the kid of the current signing key
func (p *Provider) KeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys[len(p.keys)-1].kid
}

// SetJWKSDelay delays every key set response
func (p *Provider) SetJWKSDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksDelay = d
}

// SetJWKSFailure makes the key set endpoint answer 500
func (p *Provider) SetJWKSFailure(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksFail = fail
}

// RotateKey adds a new signing key, publishes it and makes it current.
// Old keys stay published.
func (p *Provider) RotateKey() (string, error) {
	key, err := newSigningKey()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.published = append(p.published, key)
	return key.kid, nil
}

// AddUnpublishedKey adds a signing key that is never served in the key set.
// Tokens minted with it look legitimate but cannot be verified.
func (p *Provider) AddUnpublishedKey() (string, error) {
	key, err := newSigningKey()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return key.kid, nil
}

// Claims returns a fresh set of access-token claims for subject, shaped like
// a Keycloak access token for this realm and client.
func (p *Provider) Claims(subject string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                p.Issuer(),
		"sub":                subject,
		"aud":                []string{p.clientID, "account"},
		"azp":                p.clientID,
		"typ":                "Bearer",
		"exp":                now.Add(p.tokenTTL).Unix(),
		"iat":                now.Unix(),
		"jti":                uuid.NewString(),
		"scope":              "openid profile email",
		"preferred_username": subject,
		"realm_access": map[string]interface{}{
			"roles": []string{"default-roles-" + p.realm, "offline_access"},
		},
	}
}

// Mint signs claims with the current signing key
func (p *Provider) Mint(claims jwt.MapClaims) (string, error) {
	return p.MintWithKey(p.KeyID(), claims)
}

// MintWithKey signs claims with the signing key identified by kid
func (p *Provider) MintWithKey(kid string, claims jwt.MapClaims) (string, error) {
	p.mu.RLock()
	var key *rsa.PrivateKey
	for _, k := range p.keys {
		if k.kid == kid {
			key = k.key
		}
	}
	p.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("oidctest: unknown kid %q", kid)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

// PasswordGrant exchanges user credentials at the token endpoint, the way a
// client would. On rejected credentials it returns an empty token and
// ErrInvalidGrant.
func (p *Provider) PasswordGrant(ctx context.Context, username, password string) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {p.clientID},
		"username":   {username},
		"password":   {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.srv.Client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("oidctest: decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrInvalidGrant, resp.StatusCode)
	}
	return body.AccessToken, nil
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.discoveryHits.Add(1)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                p.Issuer(),
		"jwks_uri":                              p.JWKSURL(),
		"token_endpoint":                        p.TokenURL(),
		"authorization_endpoint":                p.Issuer() + "/protocol/openid-connect/auth",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"grant_types_supported":                 []string{"authorization_code", "password"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksHits.Add(1)

	p.mu.RLock()
	delay, fail := p.jwksDelay, p.jwksFail
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(p.published))}
	for _, k := range p.published {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.key.PublicKey,
			KeyID:     k.kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	p.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "password" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if r.PostForm.Get("client_id") != p.clientID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	username := r.PostForm.Get("username")
	p.mu.RLock()
	want, ok := p.users[username]
	p.mu.RUnlock()
	if !ok || want != r.PostForm.Get("password") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid user credentials",
		})
		return
	}

	access, err := p.Mint(p.Claims(username))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int(p.tokenTTL.Seconds()),
		"scope":        "openid profile email",
	})
}

func newSigningKey() (signingKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return signingKey{}, err
	}
	return signingKey{kid: uuid.NewString(), key: key}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
