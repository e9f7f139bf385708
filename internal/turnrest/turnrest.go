// Package turnrest mints short-lived TURN credentials using the coturn
// REST API convention: the username embeds an expiry timestamp and the
// password is an HMAC-SHA1 of the username under a shared secret.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/heartbeam/calling/internal/config"
	"github.com/heartbeam/calling/internal/identity"
)

type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func New(cfg config.TURNRESTConfig) *Generator {
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		prefix: cfg.UsernamePrefix,
		now:    time.Now,
	}
}

// Generate returns credentials for the given user valid until now+TTL.
// Username format is "<unix expiry>:<prefix>:<user id>" so the TURN server
// can reject expired credentials without any shared state beyond the secret.
func (g *Generator) Generate(user identity.UserID) Credentials {
	expiresAt := g.now().Add(g.ttl)
	username := fmt.Sprintf("%d:%s:%s", expiresAt.Unix(), g.prefix, user)

	mac := hmac.New(sha1.New, g.secret)
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		Username:  username,
		Password:  password,
		ExpiresAt: expiresAt,
	}
}
