// Package message defines the four OLSR-style message kinds exchanged by
// mesh nodes and their wire encoding.
package message

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// MaxDatagramSize is the largest encoded message accepted on the wire.
// Messages must fit a single broadcast datagram.
const MaxDatagramSize = 4096

// Kind tags the message variant carried by an envelope.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindTC
	KindCustom

	// KindAlert is reserved in the protocol taxonomy and currently unused.
	// The dispatcher drops it.
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindTC:
		return "TC"
	case KindCustom:
		return "CUSTOM"
	case KindAlert:
		return "ALERT"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
}

// Neighbor is one row of the neighbor table carried by a HELLO.
type Neighbor struct {
	Name     string   `cbor:"n"`
	Addrs    []string `cbor:"a,omitempty"`
	LocalMPR bool     `cbor:"m,omitempty"`
	MPRSS    bool     `cbor:"s,omitempty"`
	Isolated bool     `cbor:"i,omitempty"`
}

// Hello announces a node's identity and its one-hop neighborhood.
type Hello struct {
	Neighbors []Neighbor `cbor:"nbrs,omitempty"`
}

// TC is the topology-control bulletin flooded through MPRs.
type TC struct {
	// MPRSet is the sender's MPR-selector set: the nodes that chose the
	// sender as their MPR.
	MPRSet []string `cbor:"ms,omitempty"`

	// Route is the ordered list of nodes that have re-broadcast this TC.
	// Membership suppresses flooding loops.
	Route []string `cbor:"rt,omitempty"`
}

// Custom is an application unicast message riding the broadcast medium.
type Custom struct {
	Dest    string `cbor:"d"`
	Payload string `cbor:"p"`

	// Forwarders is the path taken so far, originator at position 0.
	Forwarders []string `cbor:"f,omitempty"`
}

// Fingerprint identifies a Custom independently of its forwarder path.
// The IPS matches overheard copies of its own messages by this key.
type Fingerprint struct {
	Sender  string
	Dest    string
	Payload string
}

// Message is the tagged variant envelope. Exactly one of Hello, TC, Custom
// is set for the corresponding kind; Alert carries nothing.
type Message struct {
	Kind   Kind    `cbor:"t"`
	Sender string  `cbor:"s"`
	Hello  *Hello  `cbor:"h,omitempty"`
	TC     *TC     `cbor:"tc,omitempty"`
	Custom *Custom `cbor:"c,omitempty"`
}

// NewHello builds a HELLO from the given neighbor table.
func NewHello(sender string, neighbors []Neighbor) *Message {
	return &Message{Kind: KindHello, Sender: sender, Hello: &Hello{Neighbors: neighbors}}
}

// NewTC builds a TC. The emitting node starts the route at itself.
func NewTC(sender string, mprSet []string) *Message {
	return &Message{Kind: KindTC, Sender: sender, TC: &TC{MPRSet: mprSet, Route: []string{sender}}}
}

// NewCustom builds a CUSTOM originated by sender.
func NewCustom(sender, dest, payload string) *Message {
	return &Message{
		Kind:   KindCustom,
		Sender: sender,
		Custom: &Custom{Dest: dest, Payload: payload, Forwarders: []string{sender}},
	}
}

// Fingerprint returns the IPS equality key of a CUSTOM message.
// It panics on other kinds; callers dispatch on Kind first.
func (m *Message) Fingerprint() Fingerprint {
	if m.Kind != KindCustom || m.Custom == nil {
		panic("message: Fingerprint on non-CUSTOM message")
	}
	return Fingerprint{Sender: m.Sender, Dest: m.Custom.Dest, Payload: m.Custom.Payload}
}

func (m *Message) String() string {
	switch m.Kind {
	case KindHello:
		names := make([]string, 0, len(m.Hello.Neighbors))
		for _, n := range m.Hello.Neighbors {
			names = append(names, n.Name)
		}
		return fmt.Sprintf("HELLO %s NBRS %s", m.Sender, strings.Join(names, " "))
	case KindTC:
		return fmt.Sprintf("TC %s MS %s VIA %s",
			m.Sender, strings.Join(m.TC.MPRSet, " "), strings.Join(m.TC.Route, " "))
	case KindCustom:
		return fmt.Sprintf("CUSTOM %s->%s VIA %s",
			m.Sender, m.Custom.Dest, strings.Join(m.Custom.Forwarders, " "))
	case KindAlert:
		return fmt.Sprintf("ALERT %s", m.Sender)
	}
	return fmt.Sprintf("UNKNOWN %s", m.Sender)
}

// Pack encodes the message for the wire.
func Pack(m *Message) ([]byte, error) {
	if m.Sender == "" {
		return nil, fmt.Errorf("message: pack: empty sender")
	}
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: pack %s: %w", m.Kind, err)
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("message: pack %s: %d bytes exceeds datagram limit", m.Kind, len(b))
	}
	return b, nil
}

// Unpack decodes a datagram. It rejects envelopes whose kind and variant
// payload disagree.
func Unpack(data []byte) (*Message, error) {
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("message: unpack: %d bytes exceeds datagram limit", len(data))
	}
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: unpack: %w", err)
	}
	if m.Sender == "" {
		return nil, fmt.Errorf("message: unpack: empty sender")
	}
	switch m.Kind {
	case KindHello:
		if m.Hello == nil {
			return nil, fmt.Errorf("message: unpack: HELLO without body")
		}
	case KindTC:
		if m.TC == nil {
			return nil, fmt.Errorf("message: unpack: TC without body")
		}
	case KindCustom:
		if m.Custom == nil {
			return nil, fmt.Errorf("message: unpack: CUSTOM without body")
		}
	case KindAlert:
	default:
		return nil, fmt.Errorf("message: unpack: unknown kind %d", uint8(m.Kind))
	}
	return &m, nil
}
