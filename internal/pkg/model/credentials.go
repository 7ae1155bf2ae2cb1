package model

import (
	"net/http"
	"time"
)

// Credentials is what the auth strategy supplies for device requests.
// Exactly two variants exist: local basic credentials for pre-7.x firmware
// and Enlighten bearer tokens for 7.x and later.
type Credentials interface {
	Apply(req *http.Request)
}

type BasicCredential struct {
	Username string
	Password string
}

func (c BasicCredential) Apply(req *http.Request) {
	req.SetBasicAuth(c.Username, c.Password)
}

// BearerCredential is a device-scoped Enlighten token. The durable copy
// lives in the token store; the live copy is held by the auth strategy.
type BearerCredential struct {
	Token        string    `json:"token"`
	SerialNumber string    `json:"serial_number"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (c BearerCredential) Apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.Token)
}

// Expired reports whether the token is past its expiry, with an optional
// buffer so a refresh can happen before the device starts rejecting it.
func (c BearerCredential) Expired(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(c.ExpiresAt)
}
