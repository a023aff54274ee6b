package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// SystemEnv is the delivery worker's JSON SYSTEM environment variable
// (§6 "Each delivery worker additionally takes a JSON environment
// variable SYSTEM that configures the worker: DNS resolver spec, and
// user/group mapping for local delivery"). It is distinct from the
// YAML config file because it carries host-specific identity (uid/gid
// mappings, resolver addresses) that operators template per machine
// rather than check into the shared config.
type SystemEnv struct {
	DNSResolver string            `json:"dns_resolver"`
	LocalUsers  map[string]string `json:"local_users"`
	LocalGroup  string            `json:"local_group"`
}

// LoadSystemEnv parses the SYSTEM environment variable. An unset or
// empty variable yields a zero-value SystemEnv, not an error: not every
// deployment needs local delivery.
func LoadSystemEnv() (SystemEnv, error) {
	raw := os.Getenv("SYSTEM")
	if raw == "" {
		return SystemEnv{}, nil
	}

	var env SystemEnv
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return SystemEnv{}, fmt.Errorf("parsing SYSTEM environment variable: %w", err)
	}
	return env, nil
}

// UIDFor returns the local system username mapped to mailbox, if any.
func (s SystemEnv) UIDFor(mailbox string) (string, bool) {
	u, ok := s.LocalUsers[mailbox]
	return u, ok
}
