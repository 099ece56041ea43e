package messaging

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Role is the side of a topic an endpoint sits on.
type Role string

const (
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// Peer is the role an endpoint of role r discovers.
func (r Role) Peer() Role {
	if r == RoleWriter {
		return RoleReader
	}
	return RoleWriter
}

// Presence is the record broker transports publish to announce an endpoint.
// Alive false withdraws it.
type Presence struct {
	Endpoint string `json:"endpoint"`
	Topic    Topic  `json:"topic"`
	Role     Role   `json:"role"`
	Host     string `json:"host,omitempty"`
	Alive    bool   `json:"alive"`
}

func (p Presence) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func ParsePresence(b []byte) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse presence: %w", err)
	}
	if p.Endpoint == "" {
		return p, fmt.Errorf("parse presence: missing endpoint")
	}
	return p, nil
}

// Apply records or forgets the endpoint p describes.
func (s *PeerSet) Apply(p Presence) {
	if p.Alive {
		s.Touch(p.Endpoint)
	} else {
		s.Remove(p.Endpoint)
	}
}
