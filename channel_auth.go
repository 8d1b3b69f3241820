package mbest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ============================================================================
// Private channel signatures
// ============================================================================

// SignChannelAuth returns the auth string for subscribing socketID to a
// private channel: "<key>:<hex hmac-sha256(secret, socketID:channel)>".
func SignChannelAuth(key, secret, socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	return key + ":" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChannelAuth checks an auth string produced by SignChannelAuth using a
// constant-time comparison.
func VerifyChannelAuth(auth, secret, socketID, channel string) bool {
	if auth == "" || secret == "" || socketID == "" || channel == "" {
		return false
	}
	i := strings.LastIndexByte(auth, ':')
	if i < 0 || i == len(auth)-1 {
		return false
	}
	sig := auth[i+1:]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// StaticKeyAuthorizer signs subscriptions locally with a shared key pair.
type StaticKeyAuthorizer struct {
	Key    string
	Secret string
}

func (a StaticKeyAuthorizer) AuthorizeChannel(_ context.Context, socketID, channel string) (string, error) {
	if a.Secret == "" {
		return "", errors.New("channel auth secret is required")
	}
	if socketID == "" {
		return "", ErrNotConnected
	}
	return SignChannelAuth(a.Key, a.Secret, socketID, channel), nil
}

// ============================================================================
// Authorization endpoint
// ============================================================================

// ChannelAllowFunc decides whether the caller of r may join channel.
type ChannelAllowFunc func(r *http.Request, channel string) bool

// ChannelAuthHandler serves the broadcasting auth endpoint that
// Client.AuthorizeChannel calls.
//
// Example:
//
//	http.Handle("/broadcasting/auth", mbest.ChannelAuthHandler(key, secret, allow))
func ChannelAuthHandler(key, secret string, allow ChannelAllowFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"message": "Method not allowed"})
			return
		}

		var req struct {
			SocketID    string `json:"socket_id"`
			ChannelName string `json:"channel_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SocketID == "" || req.ChannelName == "" {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"message": "socket_id and channel_name are required"})
			return
		}
		defer r.Body.Close()

		if allow != nil && !allow(r, req.ChannelName) {
			rw.WriteHeader(http.StatusForbidden)
			json.NewEncoder(rw).Encode(map[string]string{"message": "Forbidden"})
			return
		}

		json.NewEncoder(rw).Encode(map[string]string{
			"auth": SignChannelAuth(key, secret, req.SocketID, req.ChannelName),
		})
	})
}
