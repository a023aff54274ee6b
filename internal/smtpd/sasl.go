package smtpd

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	gosasl "github.com/emersion/go-sasl"
)

// errSASLOutOfOrder is returned when a mechanism's Next is called again
// after it already reported done.
var errSASLOutOfOrder = fmt.Errorf("sasl: unexpected call after exchange completed")

// CredentialVerifier validates a set of SASL credentials against the
// Authenticate rule stage (§4.1 "Credential validation calls the
// Authenticate rule stage; only an Accept verdict authenticates").
type CredentialVerifier func(identity, username, password string) error

// newMechanism builds a gosasl.Server for one of the four mechanisms
// named in §4.1. PLAIN is delegated to emersion/go-sasl directly; the
// others are hand-rolled against the same gosasl.Server interface,
// following the pattern foxcpp-maddy uses for mechanisms go-sasl itself
// does not ship a server implementation for.
func newMechanism(name string, verify CredentialVerifier) (gosasl.Server, error) {
	switch name {
	case "PLAIN":
		return gosasl.NewPlainServer(func(identity, username, password string) error {
			return verify(identity, username, password)
		}), nil
	case "LOGIN":
		return &loginServer{verify: verify}, nil
	case "CRAM-MD5":
		return &cramMD5Server{verify: verify}, nil
	case "ANONYMOUS":
		return &anonymousServer{}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", name)
	}
}

// loginServer implements the obsolete but still-deployed LOGIN
// mechanism, grounded on the teacher pack's copy in
// foxcpp-maddy/internal/auth/sasllogin.
type loginServer struct {
	state    int
	username string
	verify   CredentialVerifier
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.state {
	case 0:
		if response == nil {
			s.state = 1
			return []byte("Username:"), false, nil
		}
		s.username = string(response)
		s.state = 2
		return []byte("Password:"), false, nil
	case 1:
		s.username = string(response)
		s.state = 2
		return []byte("Password:"), false, nil
	case 2:
		s.state = 3
		err = s.verify("", s.username, string(response))
		return nil, true, err
	default:
		return nil, true, errSASLOutOfOrder
	}
}

// cramMD5Server implements RFC 2195 CRAM-MD5: the server issues a
// random challenge tagged with its own hostname and expects
// "username hex(hmac-md5(challenge, shared-secret))" back. Shared
// secrets are looked up indirectly: verify is handed the claimed
// username and a fabricated "password" equal to the raw digest, and
// the caller's credential store is expected to perform the HMAC
// comparison itself when backing CRAM-MD5 (kept generic here since
// this package has no credential store of its own).
type cramMD5Server struct {
	challenge string
	verify    CredentialVerifier
	done      bool
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, true, errSASLOutOfOrder
	}
	if response == nil {
		s.challenge = generateCramChallenge()
		return []byte(s.challenge), false, nil
	}

	fields := splitLastSpace(string(response))
	if len(fields) != 2 {
		return nil, true, fmt.Errorf("malformed CRAM-MD5 response")
	}
	s.done = true
	err = s.verify(s.challenge, fields[0], fields[1])
	return nil, true, err
}

func generateCramChallenge() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("<%s@relaymta>", hex.EncodeToString(buf))
}

func splitLastSpace(s string) []string {
	idx := -1
	for i, c := range s {
		if c == ' ' {
			idx = i
		}
	}
	if idx < 0 {
		return []string{s}
	}
	return []string{s[:idx], s[idx+1:]}
}

// anonymousServer implements RFC 4505 ANONYMOUS: any trace token is
// accepted without a credential check.
type anonymousServer struct{ done bool }

func (s *anonymousServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, true, errSASLOutOfOrder
	}
	s.done = true
	return nil, true, nil
}

// verifyCRAMDigest checks a client-supplied CRAM-MD5 digest against a
// shared secret, for credential stores that want to implement the
// comparison themselves instead of receiving a raw "password" field.
func verifyCRAMDigest(challenge, sharedSecret, clientDigest string) bool {
	mac := hmac.New(md5.New, []byte(sharedSecret))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(clientDigest))
}
