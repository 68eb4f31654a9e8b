package circuit

import (
	"encoding/binary"
	"testing"

	"github.com/quietwire/tor-go/cell"
	"github.com/quietwire/tor-go/rend"
)

// buildIncomingRelayCell encrypts a relay payload the way a relay would
// before sending it back down the circuit, using encHop's Kb/Db. encHop
// must be a fresh *Hop distinct from the one the circuit under test
// decrypts with — reusing one stream for both sides would desync the CTR
// keystream, exactly as relay_test.go's own encrypt/decrypt pairs do.
func buildIncomingRelayCell(t *testing.T, encHop *Hop, circID uint32, relayCmd uint8, streamID uint16, data []byte) cell.Cell {
	t.Helper()

	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	encHop.db.Write(payload[:])
	digest := encHop.db.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	encHop.kb.XORKeyStream(payload[:], payload[:])

	c := cell.NewFixedCell(circID, cell.CmdRelay)
	copy(c.Payload(), payload[:])
	return c
}

func TestServeRendezvousRoutesEstablishRendezvous(t *testing.T) {
	encHop := testHop(0x10, 0x10, 0xAA, 0xAA) // kf==kb, df==db: identity round trip
	decHop := testHop(0x10, 0x10, 0xAA, 0xAA) // fresh stream/digest state matching encHop's key material
	circ := &Circuit{ID: 0x80000001, Hops: []*Hop{decHop}}

	cookie := []byte("0123456789012345678901234567890a") // 32-byte rendezvous cookie, arbitrary for the test
	incoming := buildIncomingRelayCell(t, encHop, circ.ID, RelayEstablishRendezvous, 0, cookie)

	var gotPayload []byte
	handlers := rend.Handlers{
		EstablishRendezvous: func(_ rend.RelayCircuit, payload []byte, length int) error {
			gotPayload = payload[:length]
			return nil
		},
	}

	consumed, err := circ.ServeRendezvous(incoming, handlers, nil)
	if err != nil {
		t.Fatalf("ServeRendezvous: %v", err)
	}
	if !consumed {
		t.Fatal("expected ServeRendezvous to consume an ESTABLISH_RENDEZVOUS cell")
	}
	if string(gotPayload) != string(cookie) {
		t.Fatalf("handler payload = %q, want %q", gotPayload, cookie)
	}
}

func TestServeRendezvousIgnoresNonRendezvousCommand(t *testing.T) {
	encHop := testHop(0x11, 0x11, 0xBB, 0xBB)
	decHop := testHop(0x11, 0x11, 0xBB, 0xBB)
	circ := &Circuit{ID: 0x80000002, Hops: []*Hop{decHop}}

	incoming := buildIncomingRelayCell(t, encHop, circ.ID, RelayData, 7, []byte("stream bytes"))

	called := false
	handlers := rend.Handlers{
		EstablishRendezvous: func(rend.RelayCircuit, []byte, int) error {
			called = true
			return nil
		},
	}

	consumed, err := circ.ServeRendezvous(incoming, handlers, nil)
	if err != nil {
		t.Fatalf("ServeRendezvous: %v", err)
	}
	if consumed {
		t.Fatal("expected a RELAY_DATA cell not to be consumed as rendezvous traffic")
	}
	if called {
		t.Fatal("rendezvous handler must not run for a non-rendezvous relay command")
	}
}

func TestServeRendezvousUnconfiguredHandlerDoesNotPanic(t *testing.T) {
	encHop := testHop(0x12, 0x12, 0xCC, 0xCC)
	decHop := testHop(0x12, 0x12, 0xCC, 0xCC)
	circ := &Circuit{ID: 0x80000003, Hops: []*Hop{decHop}}

	incoming := buildIncomingRelayCell(t, encHop, circ.ID, RelayIntroduceAck, 0, nil)

	consumed, err := circ.ServeRendezvous(incoming, rend.Handlers{}, nil)
	if err != nil {
		t.Fatalf("ServeRendezvous: %v", err)
	}
	if !consumed {
		t.Fatal("expected INTRODUCE_ACK to be recognized even with no handler configured")
	}
}
