package discovery

import (
	"errors"
	"testing"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

func genIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(identity.AlgHybridEd25519MLDSA65, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func TestEncodeDecodeVerify(t *testing.T) {
	self := genIdentity(t)
	kr := identity.NewKeyring()
	if _, err := kr.Add(self.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	wire, err := Encode(&Message{Kind: KindPing, Nonce: 7, Ping: &Ping{Services: []string{"relay"}}}, self)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, body, sig, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Kind != KindPing || m.Nonce != 7 || m.From != self.ID() {
		t.Fatalf("decoded %+v", m)
	}
	if len(m.Ping.Services) != 1 || m.Ping.Services[0] != "relay" {
		t.Fatalf("services = %v", m.Ping.Services)
	}
	if err := Verify(m, body, sig, kr); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	body[len(body)-2] ^= 0x01
	if err := Verify(m, body, sig, kr); !errors.Is(err, ErrUnverifiable) {
		t.Fatalf("tampered body: err = %v", err)
	}
}

func TestVerifyUnknownSigner(t *testing.T) {
	self := genIdentity(t)
	wire, err := Encode(&Message{Kind: KindLeave, Leave: &Leave{}}, self)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, body, sig, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Verify(m, body, sig, identity.NewKeyring()); !errors.Is(err, ErrUnverifiable) {
		t.Fatalf("err = %v, want ErrUnverifiable", err)
	}
}

func TestAnnounceCarriesBundle(t *testing.T) {
	self := genIdentity(t)
	bundle, err := self.Bundle().Encode()
	if err != nil {
		t.Fatalf("Encode bundle: %v", err)
	}
	wire, err := Encode(&Message{Kind: KindAnnounce, Announce: &Announce{Addr: "0.0.0.0:7700", Bundle: bundle}}, self)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, body, sig, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	kr := identity.NewKeyring()
	if err := Verify(m, body, sig, kr); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !kr.Known(self.ID()) {
		t.Fatal("announce bundle not added to keyring")
	}
}

func TestAnnounceForeignBundleRejected(t *testing.T) {
	self, other := genIdentity(t), genIdentity(t)
	bundle, err := other.Bundle().Encode()
	if err != nil {
		t.Fatalf("Encode bundle: %v", err)
	}
	wire, err := Encode(&Message{Kind: KindAnnounce, Announce: &Announce{Addr: "10.0.0.1:7700", Bundle: bundle}}, self)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, body, sig, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Verify(m, body, sig, identity.NewKeyring()); !errors.Is(err, ErrUnverifiable) {
		t.Fatalf("err = %v, want ErrUnverifiable", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	self := genIdentity(t)
	wire, err := Encode(&Message{Kind: KindFindNode, FindNode: &FindNode{Target: self.ID()}}, self)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": wire[:len(wire)-1],
		"trailing":  append(append([]byte(nil), wire...), 0),
		"short len": {0, 0, 0, 9, '{'},
		"huge len":  {0xff, 0xff, 0xff, 0xff},
	}
	for name, b := range cases {
		if _, _, _, err := Decode(b); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestEncodeRejectsMismatchedPayload(t *testing.T) {
	self := genIdentity(t)
	if _, err := Encode(&Message{Kind: KindPing, Pong: &Pong{}}, self); !errors.Is(err, ErrMalformed) {
		t.Fatalf("kind/payload mismatch: err = %v", err)
	}
	if _, err := Encode(&Message{Kind: KindPing, Ping: &Ping{}, Leave: &Leave{}}, self); !errors.Is(err, ErrMalformed) {
		t.Fatalf("two payloads: err = %v", err)
	}
}
