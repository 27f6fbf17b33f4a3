// Package auth is the session-verification collaborator: given the name a
// client claimed and the hash derived from the login key exchange, it
// resolves a verified player identity. The server core treats it as a
// black box called off the hot path.
package auth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Profile is a verified player identity.
type Profile struct {
	ID   uuid.UUID
	Name string
}

// Verifier resolves a session. Implementations must honor ctx; the reactor
// dispatches Verify on its own goroutine and delivers the result back to
// the connection as an event.
type Verifier interface {
	Verify(ctx context.Context, username, serverHash string) (Profile, error)
}

// ServerHash computes the login digest binding the key exchange to the
// session token: sha1(serverID || sharedSecret || publicKeyDER), rendered
// as a signed two's-complement hex string. The rendering is an
// interoperability requirement of the client population.
func ServerHash(serverID string, sharedSecret, publicKeyDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(sharedSecret)
	h.Write(publicKeyDER)
	sum := h.Sum(nil)

	negative := sum[0]&0x80 != 0
	if negative {
		// Two's complement of the big-endian integer.
		carry := true
		for i := len(sum) - 1; i >= 0; i-- {
			sum[i] = ^sum[i]
			if carry {
				sum[i]++
				carry = sum[i] == 0
			}
		}
	}
	s := strings.TrimLeft(hex.EncodeToString(sum), "0")
	if s == "" {
		s = "0"
	}
	if negative {
		s = "-" + s
	}
	return s
}

// OfflineProfile derives the stable identity used when encryption (and
// thus external verification) is disabled.
func OfflineProfile(name string) Profile {
	return Profile{
		ID:   uuid.NewMD5(uuid.UUID{}, []byte("OfflinePlayer:"+name)),
		Name: name,
	}
}

// OfflineVerifier accepts every session with the offline identity. Used
// when encryption is on but no identity provider is configured.
type OfflineVerifier struct{}

func (OfflineVerifier) Verify(_ context.Context, username, _ string) (Profile, error) {
	return OfflineProfile(username), nil
}

// HTTPVerifier queries an external identity provider over HTTP.
type HTTPVerifier struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, username, serverHash string) (Profile, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("serverId", serverHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := v.Client.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("auth: session not verified (status %d)", resp.StatusCode)
	}
	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Profile{}, fmt.Errorf("auth: bad verify response: %w", err)
	}
	id, err := uuid.Parse(body.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("auth: bad profile id: %w", err)
	}
	name := body.Name
	if name == "" {
		name = username
	}
	return Profile{ID: id, Name: name}, nil
}
