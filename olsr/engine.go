// Package olsr runs the routing protocol: neighbor discovery over HELLO,
// topology dissemination over MPR-flooded TC bulletins, and MPR-constrained
// forwarding of application messages, with the intrusion prevention
// subsystem scoring what it observes.
package olsr

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lisp3r/SimpleMeshModel/config"
	"github.com/lisp3r/SimpleMeshModel/ips"
	"github.com/lisp3r/SimpleMeshModel/message"
	"github.com/lisp3r/SimpleMeshModel/metrics"
	"github.com/lisp3r/SimpleMeshModel/topology"
	"github.com/lisp3r/SimpleMeshModel/transport"
)

// Transport is the broadcast medium the engine speaks through.
type Transport interface {
	SendBroadcast(payload []byte) error
	IsLocal(addr string) bool
	Listen(ctx context.Context, handler transport.Handler) error
}

// Visualizer consumes topology snapshots. It must never block the protocol
// path; the engine calls it from the scheduler and delivery paths only.
type Visualizer interface {
	Network(snap topology.Snapshot) error
	NetworkCycle(snap topology.Snapshot, cycle int) error
	Route(snap topology.Snapshot, route []string) error
}

// Engine is the per-node protocol state machine.
type Engine struct {
	log  *logrus.Entry
	cfg  *config.Config
	db   *topology.DB
	ips  *ips.Table
	tr   Transport
	met  *metrics.Set
	viz  Visualizer // optional

	// OnDeliver, when set, receives application messages addressed to
	// this node after they are logged and visualized.
	OnDeliver func(sender, payload string, path []string)

	// mprChoice tracks, per TC bookkeeping, which originator each node
	// currently names as its relay.
	mu        sync.Mutex
	mprChoice map[string]string
}

// New wires the engine. viz may be nil.
func New(log *logrus.Entry, cfg *config.Config, db *topology.DB, table *ips.Table,
	tr Transport, met *metrics.Set, viz Visualizer) *Engine {
	return &Engine{
		log:       log,
		cfg:       cfg,
		db:        db,
		ips:       table,
		tr:        tr,
		met:       met,
		viz:       viz,
		mprChoice: make(map[string]string),
	}
}

func (e *Engine) self() string { return e.db.Self() }

// broadcast packs and emits a message. Callers must not hold the database
// lock; all topology reads happen before this point.
func (e *Engine) broadcast(m *message.Message) error {
	payload, err := message.Pack(m)
	if err != nil {
		return err
	}
	if err := e.tr.SendBroadcast(payload); err != nil {
		return err
	}
	e.met.DatagramsOut.Inc()
	return nil
}

// HandleDatagram is the transport ingress: decode, screen, dispatch.
func (e *Engine) HandleDatagram(data []byte, src string) {
	if e.tr.IsLocal(src) {
		return
	}
	m, err := message.Unpack(data)
	if err != nil {
		e.met.DecodeFailures.Inc()
		e.log.WithError(err).WithField("src", src).Debug("dropping malformed datagram")
		return
	}
	if m.Sender == e.self() {
		// Our own traffic re-broadcast by a relay comes back to us; only
		// CUSTOM copies are meaningful, as forwarding proof.
		if m.Kind == message.KindCustom {
			e.observeOwnCustom(m)
		}
		return
	}
	e.met.DatagramsIn.WithLabelValues(m.Kind.String()).Inc()
	if e.ips.IsIsolated(m.Sender) {
		e.met.Dropped.WithLabelValues("isolated_sender").Inc()
		e.log.WithField("peer", m.Sender).Info("dropping message from isolated peer")
		return
	}
	switch m.Kind {
	case message.KindHello:
		e.handleHello(m, src)
	case message.KindTC:
		e.handleTC(m)
	case message.KindCustom:
		e.handleCustom(m)
	case message.KindAlert:
		e.met.Dropped.WithLabelValues("alert_reserved").Inc()
	}
}

// handleHello folds a neighbor announcement into the graph.
func (e *Engine) handleHello(m *message.Message, src string) {
	self := e.self()
	e.db.Upsert(m.Sender, topology.WithAddr(src))
	e.db.AddEdge(self, m.Sender)

	for _, nbr := range m.Hello.Neighbors {
		if nbr.Isolated {
			if nbr.Name == self && e.cfg.Side == config.SideGood {
				// A peer claims we are isolated: the claim is the
				// misbehavior. Quarantine the claimant, not ourselves.
				e.log.WithField("peer", m.Sender).Warn("peer advertises us as isolated")
				e.ips.Isolate(m.Sender)
				continue
			}
			// Cooperative isolation: trust the advisory.
			e.ips.ChangeRating(nbr.Name, ips.RatingToIsolate)
			e.db.RemoveNode(nbr.Name)
			continue
		}
		e.db.Upsert(nbr.Name)
		if nbr.Name == self {
			// The sender's row about us tells whether it keeps us as
			// its relay.
			e.db.Upsert(m.Sender, topology.WithMPRSS(nbr.LocalMPR))
			continue
		}
		e.db.AddEdge(m.Sender, nbr.Name)
	}

	e.db.UpdateMPRs()
}

// handleTC folds a topology bulletin into the graph and floods it onward
// when we are a relay and have not yet appeared on its route.
func (e *Engine) handleTC(m *message.Message) {
	self := e.self()
	if e.db.Has(m.Sender) && e.db.Reachable(m.Sender) {
		e.db.Upsert(m.Sender, topology.WithMPR(true))
		for _, sel := range m.TC.MPRSet {
			if sel == self {
				continue
			}
			e.db.AddEdge(m.Sender, sel)
			e.recordMPRChoice(sel, m.Sender)
		}
		e.db.UpdateMPRs()
	}

	if !e.db.IsMPR() {
		return
	}
	for _, hop := range m.TC.Route {
		if hop == self {
			return
		}
	}
	fwd := *m
	tc := *m.TC
	tc.Route = append(append([]string(nil), m.TC.Route...), self)
	fwd.TC = &tc
	if err := e.broadcast(&fwd); err != nil {
		e.log.WithError(err).Warn("tc flood")
		return
	}
	e.met.Forwarded.WithLabelValues(message.KindTC.String()).Inc()
}

// recordMPRChoice notes that selector currently names originator as its
// relay, and clears the diagnostic relay mark of a previous originator
// nobody selects anymore.
func (e *Engine) recordMPRChoice(selector, originator string) {
	e.mu.Lock()
	old := e.mprChoice[selector]
	e.mprChoice[selector] = originator
	stillChosen := false
	if old != "" && old != originator {
		for _, o := range e.mprChoice {
			if o == old {
				stillChosen = true
				break
			}
		}
	}
	e.mu.Unlock()

	if old != "" && old != originator && !stillChosen {
		e.db.Upsert(old, topology.WithMPR(false))
	}
}

// observeOwnCustom scores the relay that re-broadcast one of our own
// messages.
func (e *Engine) observeOwnCustom(m *message.Message) {
	fwds := m.Custom.Forwarders
	if len(fwds) == 0 {
		return
	}
	relay := fwds[len(fwds)-1]
	if relay == e.self() {
		return
	}
	info, ok := e.db.Info(relay)
	if ok && info.LocalMPR {
		// Proof of forwarding by a relay we chose.
		e.ips.ChangeRating(relay, 1)
		e.ips.ConfirmForward(m.Fingerprint())
		return
	}
	// Forwarded by a node that had no business forwarding for us.
	e.log.WithField("peer", relay).Info("unexpected relay for our message")
	e.ips.ChangeRating(relay, -1)
}

// handleCustom delivers or relays an application message.
func (e *Engine) handleCustom(m *message.Message) {
	self := e.self()
	c := m.Custom

	if c.Dest == self {
		path := append(append([]string(nil), c.Forwarders...), self)
		e.log.WithFields(logrus.Fields{
			"from": m.Sender,
			"path": path,
		}).Infof("delivered: %s", c.Payload)
		if e.viz != nil {
			if err := e.viz.Route(e.db.Snapshot(), path); err != nil {
				e.log.WithError(err).Debug("route visualization")
			}
		}
		if e.OnDeliver != nil {
			e.OnDeliver(m.Sender, c.Payload, path)
		}
		return
	}

	if len(c.Forwarders) == 0 {
		e.met.Dropped.WithLabelValues("malformed").Inc()
		return
	}
	if !e.db.IsMPR() {
		e.met.Dropped.WithLabelValues("not_mpr").Inc()
		return
	}
	prev := c.Forwarders[len(c.Forwarders)-1]
	if !e.db.OnShortestPath(prev, self, c.Dest) {
		e.met.Dropped.WithLabelValues("off_path").Inc()
		return
	}
	for _, hop := range c.Forwarders {
		if hop == self {
			e.met.Dropped.WithLabelValues("already_forwarded").Inc()
			return
		}
	}
	if e.cfg.Side == config.SideEvil {
		// Adversary simulation: pretend the message was never heard.
		e.log.WithFields(logrus.Fields{"from": m.Sender, "dest": c.Dest}).
			Info("evil side: dropping forwardable message")
		e.met.Dropped.WithLabelValues("evil").Inc()
		return
	}

	fwd := *m
	cc := *c
	cc.Forwarders = append(append([]string(nil), c.Forwarders...), self)
	fwd.Custom = &cc
	if err := e.broadcast(&fwd); err != nil {
		e.log.WithError(err).Warn("custom forward")
		return
	}
	e.met.Forwarded.WithLabelValues(message.KindCustom.String()).Inc()
}

// BuildHello assembles the periodic neighbor announcement from the current
// neighbor table, isolation marks included.
func (e *Engine) BuildHello() *message.Message {
	rows := e.db.NeighborTable()
	nbrs := make([]message.Neighbor, 0, len(rows))
	for _, r := range rows {
		nbrs = append(nbrs, message.Neighbor{
			Name:     r.Name,
			Addrs:    r.Addrs,
			LocalMPR: r.LocalMPR,
			MPRSS:    r.MPRSS,
			Isolated: r.Isolated,
		})
	}
	return message.NewHello(e.self(), nbrs)
}

// SendHello broadcasts a HELLO beat.
func (e *Engine) SendHello() error {
	return e.broadcast(e.BuildHello())
}

// SendTC broadcasts a TC beat when this node is anyone's relay.
func (e *Engine) SendTC() error {
	selectors := e.db.MPRSelectors()
	if len(selectors) == 0 {
		return nil
	}
	return e.broadcast(message.NewTC(e.self(), selectors))
}

// IPSTick runs the periodic reputation pass: age unproven forwards, then
// evict quarantined peers from the graph, announcing each eviction so
// honest peers can follow.
func (e *Engine) IPSTick() {
	for _, name := range e.ips.Tick() {
		if _, ok := e.db.Info(name); !ok {
			continue
		}
		e.db.Upsert(name, topology.WithIsolated(true))
		if err := e.SendHello(); err != nil {
			e.log.WithError(err).Warn("isolation announcement")
		}
		e.db.RemoveNode(name)
		e.met.Isolations.Inc()
		e.log.WithField("peer", name).Warn("peer evicted from topology")
	}
}
