package rend

import (
	"fmt"
	"log/slog"
)

// Rendezvous relay-command codes (tor-spec §6.1 / rend-spec-v2 §1.8). These
// mirror circuit.RelayEstablishIntro through circuit.RelayIntroduceAck by
// value. They are redeclared here, rather than imported from circuit,
// because circuit imports this package (Circuit.ServeRendezvous calls
// Dispatch) and rend must not import back into circuit.
const (
	CmdEstablishIntro        uint8 = 32
	CmdEstablishRendezvous   uint8 = 33
	CmdIntroduce1            uint8 = 34
	CmdIntroduce2            uint8 = 35
	CmdRendezvous1           uint8 = 36
	CmdRendezvous2           uint8 = 37
	CmdIntroEstablished      uint8 = 38
	CmdRendezvousEstablished uint8 = 39
	CmdIntroduceAck          uint8 = 40
)

// RelayCircuit is the surface Dispatch's handlers need from a circuit: the
// ability to answer back down it. *circuit.Circuit satisfies this without
// rend depending on the circuit package.
type RelayCircuit interface {
	SendRelay(relayCmd uint8, streamID uint16, data []byte) error
}

// Handler is the signature every rendezvous relay-command handler must
// satisfy. The handlers themselves (introduction-point establishment,
// introduce1/2 forwarding, rendezvous establishment, acks) belong to
// distinct subsystems and are not implemented here; this package defines
// only the dispatch contract they plug into.
type Handler func(circ RelayCircuit, payload []byte, length int) error

// Handlers is the command-to-handler table of §4.4, mirroring
// rend_process_relay_cell's switch in rendcommon.c. A nil field means "no
// handler configured"; Dispatch logs and returns rather than panicking in
// that case, reserving the panic for command codes this table doesn't know
// about at all.
type Handlers struct {
	EstablishIntro        Handler // mid.establish_intro
	EstablishRendezvous   Handler // mid.establish_rendezvous
	Introduce1            Handler // mid.introduce
	Introduce2            Handler // service.introduce
	IntroductionAcked     Handler // client.introduction_acked
	Rendezvous1           Handler // mid.rendezvous
	Rendezvous2           Handler // client.receive_rendezvous
	IntroEstablished      Handler // service.intro_established
	RendezvousEstablished Handler // client.rendezvous_acked
}

func (h Handlers) lookup(command uint8) (handler Handler, name string, known bool) {
	switch command {
	case CmdEstablishIntro:
		return h.EstablishIntro, "ESTABLISH_INTRO", true
	case CmdEstablishRendezvous:
		return h.EstablishRendezvous, "ESTABLISH_RENDEZVOUS", true
	case CmdIntroduce1:
		return h.Introduce1, "INTRODUCE1", true
	case CmdIntroduce2:
		return h.Introduce2, "INTRODUCE2", true
	case CmdIntroduceAck:
		return h.IntroductionAcked, "INTRODUCE_ACK", true
	case CmdRendezvous1:
		return h.Rendezvous1, "RENDEZVOUS1", true
	case CmdRendezvous2:
		return h.Rendezvous2, "RENDEZVOUS2", true
	case CmdIntroEstablished:
		return h.IntroEstablished, "INTRO_ESTABLISHED", true
	case CmdRendezvousEstablished:
		return h.RendezvousEstablished, "RENDEZVOUS_ESTABLISHED", true
	default:
		return nil, "", false
	}
}

// Dispatch routes a rendezvous relay cell on circ to the handler configured
// for command. The handler's result is logged, never propagated — the
// dispatcher itself cannot fail. An unrecognized command is a contract
// violation by the caller (who is expected to have already filtered by cell
// type) and is fatal, matching the original's tor_assert(0) default case.
func Dispatch(logger *slog.Logger, h Handlers, circ RelayCircuit, command uint8, length int, payload []byte) {
	if logger == nil {
		logger = slog.Default()
	}

	handler, name, known := h.lookup(command)
	if !known {
		panic(fmt.Sprintf("rend: unhandled rendezvous relay command %d", command))
	}
	if handler == nil {
		logger.Warn("rendezvous relay command has no handler configured", "command", name)
		return
	}
	if err := handler(circ, payload, length); err != nil {
		logger.Warn("rendezvous relay handler returned error", "command", name, "error", err)
	}
}
