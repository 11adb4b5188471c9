package updater

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenVersion = 1
	keyInfo      = "updateflow/state-token/v1"
	minSecretLen = 16
)

var tokenEncoding = base64.RawURLEncoding.Strict()

// Envelope is everything a state token carries. The workflow and step name
// the only request the token may be presented to. Seq counts the normal
// steps the run had completed when the token was issued.
type Envelope struct {
	Version  int    `json:"v"`
	Workflow string `json:"workflow"`
	Step     Step   `json:"step"`
	RunID    string `json:"run"`
	Seq      int    `json:"seq,omitempty"`
	Issued   int64  `json:"issued"`
	Data     State  `json:"data"`
}

// Codec turns envelopes into tokens the client cannot forge and back.
type Codec struct {
	key    []byte
	maxAge time.Duration
	clock  core.Clock
}

// NewCodec derives the signing key from secret. maxAge of zero disables expiry.
func NewCodec(secret []byte, maxAge time.Duration, clock core.Clock) (*Codec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("state secret must be at least %d bytes", minSecretLen)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &Codec{key: key, maxAge: maxAge, clock: clock}, nil
}

// Encode serializes env and appends its HMAC-SHA256 tag.
func (c *Codec) Encode(env Envelope) (string, error) {
	env.Version = tokenVersion
	if env.Data == nil {
		env.Data = State{}
	}
	if env.Issued == 0 {
		env.Issued = c.clock.Now().Unix()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return tokenEncoding.EncodeToString(payload) + "." + tokenEncoding.EncodeToString(c.sign(payload)), nil
}

// Decode verifies the tag before looking at the payload at all.
func (c *Codec) Decode(token string) (Envelope, error) {
	var env Envelope
	payloadPart, tagPart, ok := strings.Cut(token, ".")
	if !ok || payloadPart == "" || tagPart == "" || strings.Contains(tagPart, ".") {
		return env, ErrMalformed
	}
	payload, err := tokenEncoding.DecodeString(payloadPart)
	if err != nil {
		return env, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	tag, err := tokenEncoding.DecodeString(tagPart)
	if err != nil || len(tag) != sha256.Size {
		return env, fmt.Errorf("%w: tag", ErrMalformed)
	}
	if !hmac.Equal(tag, c.sign(payload)) {
		return env, ErrTampered
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != tokenVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, env.Version)
	}
	if c.maxAge > 0 && c.clock.Now().Sub(time.Unix(env.Issued, 0)) > c.maxAge {
		return Envelope{}, ErrExpired
	}
	if env.Data == nil {
		env.Data = State{}
	}
	return env, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// IsTokenError reports whether err came from token verification.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrTampered) || errors.Is(err, ErrExpired)
}
