package session

import (
	"crypto/sha1" // nolint:gosec
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

// Session is what a successful login yields
type Session struct {
	Username string
	User     roborock.UserData
	Obtained time.Time
}

// Version of the session that we marshal/unmarshal
type sessionMarshal struct {
	Username string            `json:"username"`
	User     roborock.UserData `json:"user-data"`
	Obtained time.Time         `json:"obtained"`
}

func hashOf(s string) string {
	if s == "" {
		return ""
	}
	sum := sha1.Sum([]byte(s)) // nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens/secrets when stringified
//
func (s Session) String() string {
	return fmt.Sprintf("Username [%s] Region [%s] Obtained [%s] token [%s] rriot.u [%s] rriot.s [%s] rriot.h [%s] rriot.k [%s]",
		s.Username, s.User.Region, s.Obtained.Format(time.RFC3339), hashOf(s.User.Token),
		s.User.RRIOT.U, hashOf(s.User.RRIOT.S), hashOf(s.User.RRIOT.H), hashOf(s.User.RRIOT.K))
}

func (s *Session) Save(fileName string) error {
	sm := sessionMarshal{
		Username: s.Username,
		User:     s.User,
		Obtained: s.Obtained,
	}

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening session file %s for write", fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(sm); err != nil {
		return errors.Wrapf(err, "saving session to %s", fileName)
	}

	return nil
}

func Load(fileName string) (*Session, error) {
	sm := sessionMarshal{}

	file, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "opening session file %s for read", fileName)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&sm); err != nil {
		return nil, errors.Wrapf(err, "loading session from %s", fileName)
	}

	if sm.User.Token == "" || sm.User.RRIOT.U == "" {
		return nil, fmt.Errorf("session file %s holds no credentials", fileName)
	}

	return &Session{
		Username: sm.Username,
		User:     sm.User,
		Obtained: sm.Obtained,
	}, nil
}
