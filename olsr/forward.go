package olsr

import (
	"github.com/sirupsen/logrus"

	"github.com/lisp3r/SimpleMeshModel/message"
)

// SendCustom originates an application message toward dest. The message is
// broadcast once; relays along the shortest path carry it further. When the
// destination is not a direct neighbor, the expected first hop is put on
// watch: it must be overheard re-broadcasting the message or it will be
// penalized.
func (e *Engine) SendCustom(payload, dest string) error {
	self := e.self()
	if dest == self {
		return nil
	}

	m := message.NewCustom(self, dest, payload)
	path := e.db.ShortestPath(self, dest)

	direct := false
	for _, n := range e.db.Neighbors(self) {
		if n == dest {
			direct = true
			break
		}
	}
	// Register before broadcasting, so a relay copy overheard while the
	// broadcast is still in flight finds the entry to confirm.
	watch := !direct && len(path) >= 2
	if watch {
		e.ips.RegisterPending(m.Fingerprint(), path[1])
	}
	if err := e.broadcast(m); err != nil {
		if watch {
			e.ips.ConfirmForward(m.Fingerprint())
		}
		return err
	}
	e.log.WithFields(logrus.Fields{"dest": dest, "path": path}).
		Infof("originated: %s", payload)
	return nil
}
