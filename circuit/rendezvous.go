package circuit

import (
	"fmt"
	"log/slog"

	"github.com/quietwire/tor-go/cell"
	"github.com/quietwire/tor-go/rend"
)

// isRendezvousCommand reports whether relayCmd is one of the rendezvous
// relay-command codes rend.Dispatch knows how to route (tor-spec §6.1).
func isRendezvousCommand(relayCmd uint8) bool {
	switch relayCmd {
	case RelayEstablishIntro, RelayEstablishRendezvous, RelayIntroduce1, RelayIntroduce2,
		RelayRendezvous1, RelayRendezvous2, RelayIntroEstablished, RelayRendezvousEstablished,
		RelayIntroduceAck:
		return true
	default:
		return false
	}
}

// ServeRendezvous decrypts one incoming relay cell and, if its relay command
// belongs to the rendezvous family, routes it through rend.Dispatch using
// handlers. Cells carrying any other relay command (stream data, BEGIN/END,
// directory fetches, ...) are left untouched: consumed reports whether this
// call recognized and routed the cell, so the caller's ordinary relay-cell
// loop can fall through to its own handling when consumed is false.
func (c *Circuit) ServeRendezvous(incoming cell.Cell, handlers rend.Handlers, logger *slog.Logger) (consumed bool, err error) {
	_, relayCmd, _, data, err := c.DecryptRelay(incoming)
	if err != nil {
		return false, fmt.Errorf("serve rendezvous: %w", err)
	}
	if !isRendezvousCommand(relayCmd) {
		return false, nil
	}
	rend.Dispatch(logger, handlers, c, relayCmd, len(data), data)
	return true, nil
}
