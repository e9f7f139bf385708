package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/heartbeam/calling/internal/config"
	"github.com/heartbeam/calling/internal/identity"
)

func TestGenerate(t *testing.T) {
	g := New(config.TURNRESTConfig{
		SharedSecret:   "north",
		TTLSeconds:     600,
		UsernamePrefix: "heartbeam",
	})
	base := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return base }

	creds := g.Generate(identity.UserID(42))

	wantUsername := "1700000600:heartbeam:42"
	if creds.Username != wantUsername {
		t.Errorf("Username = %q, want %q", creds.Username, wantUsername)
	}
	if !creds.ExpiresAt.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", creds.ExpiresAt, base.Add(10*time.Minute))
	}

	mac := hmac.New(sha1.New, []byte("north"))
	mac.Write([]byte(wantUsername))
	wantPassword := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Password != wantPassword {
		t.Errorf("Password = %q, want %q", creds.Password, wantPassword)
	}
}

func TestGenerateDiffersPerUser(t *testing.T) {
	g := New(config.TURNRESTConfig{
		SharedSecret:   "north",
		TTLSeconds:     600,
		UsernamePrefix: "heartbeam",
	})
	base := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return base }

	a := g.Generate(identity.UserID(1))
	b := g.Generate(identity.UserID(2))
	if a.Username == b.Username {
		t.Error("usernames collide across users")
	}
	if a.Password == b.Password {
		t.Error("passwords collide across users")
	}
}
