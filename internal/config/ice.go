package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	// EnvICEServersJSON carries the full ICE server list as a JSON array,
	// e.g. [{"urls":"turn:turn.example.com:3478","username":"u","credential":"c"}].
	EnvICEServersJSON = "HEARTBEAM_ICE_SERVERS_JSON"

	// Convenience variables for simple deployments. Ignored when
	// EnvICEServersJSON is set.
	EnvSTUNURLs       = "HEARTBEAM_STUN_URLS"
	EnvTURNURLs       = "HEARTBEAM_TURN_URLS"
	EnvTURNUsername   = "HEARTBEAM_TURN_USERNAME"
	EnvTURNCredential = "HEARTBEAM_TURN_CREDENTIAL"
)

// ICEServer mirrors the browser RTCIceServer dictionary. URLs accepts
// either a string or an array of strings in JSON.
type ICEServer struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type ICEServers []ICEServer

// ToPion converts the configured list into the form the peer connection
// takes. Entries without static credentials pass through unchanged; TURN
// REST deployments mint per-user credentials at handout time instead.
func (s ICEServers) ToPion() []webrtc.ICEServer {
	if len(s) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(s))
	for _, server := range s {
		pion := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			pion.Username = server.Username
			pion.Credential = server.Credential
		}
		out = append(out, pion)
	}
	return out
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings")
	}
	*s = many
	return nil
}

func (s stringOrStringSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// ParseICEServersJSON parses and validates an RTCIceServer-style JSON
// array. allowUncredentialedTURN skips the TURN credential requirement for
// deployments that mint per-user credentials at request time.
func ParseICEServersJSON(raw string, allowUncredentialedTURN bool) (ICEServers, error) {
	var servers ICEServers
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("invalid ICE servers JSON: %w", err)
	}
	for i, server := range servers {
		if err := validateICEServer(server, allowUncredentialedTURN); err != nil {
			return nil, fmt.Errorf("ICE server %d: %w", i, err)
		}
	}
	return servers, nil
}

func parseICEServersFromValues(jsonValue, stunURLs, turnURLs, turnUsername, turnCredential string, allowUncredentialedTURN bool) (ICEServers, error) {
	if strings.TrimSpace(jsonValue) != "" {
		servers, err := ParseICEServersJSON(jsonValue, allowUncredentialedTURN)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}

	var servers ICEServers
	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := ICEServer{URLs: urls}
		if err := validateICEServer(server, allowUncredentialedTURN); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvSTUNURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		server := ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnCredential,
		}
		if err := validateICEServer(server, allowUncredentialedTURN); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTURNURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func validateICEServer(server ICEServer, allowUncredentialedTURN bool) error {
	if len(server.URLs) == 0 {
		return fmt.Errorf("urls must not be empty")
	}
	needsCredentials := false
	for _, url := range server.URLs {
		url = strings.TrimSpace(url)
		if url == "" {
			return fmt.Errorf("urls must not contain empty entries")
		}
		scheme, ok := iceScheme(url)
		if !ok {
			return fmt.Errorf("unsupported ICE URL %q (want stun:, stuns:, turn: or turns:)", url)
		}
		if scheme == "turn" || scheme == "turns" {
			needsCredentials = true
		}
	}
	if needsCredentials && !allowUncredentialedTURN && (server.Username == "" || server.Credential == "") {
		return fmt.Errorf("TURN servers require username and credential")
	}
	return nil
}

func iceScheme(url string) (string, bool) {
	idx := strings.IndexByte(url, ':')
	if idx <= 0 {
		return "", false
	}
	scheme := strings.ToLower(url[:idx])
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme, true
	default:
		return "", false
	}
}
