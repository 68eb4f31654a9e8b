package rend

import (
	"errors"
	"testing"
)

// fakeCircuit is the minimal rend.RelayCircuit stand-in: Dispatch itself
// never calls SendRelay, only the handlers it invokes would.
type fakeCircuit struct{}

func (fakeCircuit) SendRelay(uint8, uint16, []byte) error { return nil }

func TestDispatchRoutesToConfiguredHandler(t *testing.T) {
	circ := fakeCircuit{}
	var called string

	h := Handlers{
		EstablishIntro: func(RelayCircuit, []byte, int) error {
			called = "ESTABLISH_INTRO"
			return nil
		},
		Introduce2: func(RelayCircuit, []byte, int) error {
			called = "INTRODUCE2"
			return nil
		},
	}

	Dispatch(nil, h, circ, CmdEstablishIntro, 0, nil)
	if called != "ESTABLISH_INTRO" {
		t.Fatalf("expected ESTABLISH_INTRO handler, got %q", called)
	}

	Dispatch(nil, h, circ, CmdIntroduce2, 0, nil)
	if called != "INTRODUCE2" {
		t.Fatalf("expected INTRODUCE2 handler, got %q", called)
	}
}

func TestDispatchPassesPayloadAndLength(t *testing.T) {
	circ := fakeCircuit{}
	payload := []byte{1, 2, 3}

	var gotPayload []byte
	var gotLen int
	h := Handlers{
		Rendezvous2: func(_ RelayCircuit, p []byte, length int) error {
			gotPayload = p
			gotLen = length
			return nil
		},
	}

	Dispatch(nil, h, circ, CmdRendezvous2, 3, payload)
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload mismatch: got %v", gotPayload)
	}
	if gotLen != 3 {
		t.Fatalf("length mismatch: got %d", gotLen)
	}
}

func TestDispatchLogsHandlerErrorWithoutPropagating(t *testing.T) {
	circ := fakeCircuit{}
	h := Handlers{
		IntroductionAcked: func(RelayCircuit, []byte, int) error {
			return errors.New("boom")
		},
	}
	// Dispatch has no return value to check; this simply must not panic.
	Dispatch(nil, h, circ, CmdIntroduceAck, 0, nil)
}

func TestDispatchUnconfiguredHandlerDoesNotPanic(t *testing.T) {
	circ := fakeCircuit{}
	Dispatch(nil, Handlers{}, circ, CmdEstablishRendezvous, 0, nil)
}

func TestDispatchUnknownCommandPanics(t *testing.T) {
	circ := fakeCircuit{}
	defer func() {
		if recover() == nil {
			t.Fatal("expected Dispatch to panic on an unknown command code")
		}
	}()
	Dispatch(nil, Handlers{}, circ, 0xFF, 0, nil)
}
