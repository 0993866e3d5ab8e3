// Package transport names the SecureTransport collaborator: the
// symmetric-key handshake and encrypted request transport used to talk to
// miners. Out of scope — only the interface shape and a
// minimal stub live here.
package transport

import (
	"context"
)

// Handshake is the result of a successful symmetric-key handshake with a
// miner: a Fernet-style symmetric key plus the uuid that names it.
type Handshake struct {
	SymmetricKey []byte
	KeyUUID      string
}

// SecureTransport performs the signed/encrypted request transport to a
// miner's server address.
type SecureTransport interface {
	Handshake(ctx context.Context, minerAddress string) (Handshake, error)
	Get(ctx context.Context, minerAddress, endpoint string) ([]byte, error)
	Post(ctx context.Context, minerAddress, endpoint string, payload []byte) ([]byte, error)
}

// Stub is a no-op SecureTransport for tests and local development. Posted
// records every URL (minerAddress+endpoint) a Post call targeted, so tests
// can assert a fire-and-forget notification was actually sent.
type Stub struct {
	Responses map[string][]byte
	Posted    []string
}

func NewStub() *Stub { return &Stub{Responses: map[string][]byte{}} }

func (s *Stub) Handshake(ctx context.Context, minerAddress string) (Handshake, error) {
	return Handshake{SymmetricKey: []byte("stub-key"), KeyUUID: "stub-uuid"}, nil
}

func (s *Stub) Get(ctx context.Context, minerAddress, endpoint string) ([]byte, error) {
	return s.Responses[minerAddress+endpoint], nil
}

func (s *Stub) Post(ctx context.Context, minerAddress, endpoint string, payload []byte) ([]byte, error) {
	s.Posted = append(s.Posted, minerAddress+endpoint)
	return s.Responses[minerAddress+endpoint], nil
}

var _ SecureTransport = (*Stub)(nil)
