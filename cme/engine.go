// Package cme implements the control-message engine: the finite-state
// logic that reacts to inbound DIS/DIO/DAO/DAO-ACK messages, maintains DAG
// invariants through the injected dag.Service, and emits the corresponding
// outbound messages. Errors are absorbed here per the taxonomy spec section
// 7 describes — they never unwind past Dispatch; a metrics counter and a
// log line are the only trace.
package cme

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"smarthop/codec"
	"smarthop/dag"
	"smarthop/events"
	"smarthop/metrics"
	"smarthop/mobility"
	"smarthop/transport"
)

var (
	ErrUnknownInstance = errors.New("cme: unknown instance")
	ErrDagMismatch     = errors.New("cme: dag id mismatch")
	ErrMissingTarget   = errors.New("cme: dao missing target option")
	ErrLoopDetected    = errors.New("cme: loop detected")
)

// MobilityReporter is the subset of mobility.Controller the engine needs:
// handing mobility-tagged DIO replies to the hand-off state machine.
// mobility.Controller satisfies this without any explicit declaration.
type MobilityReporter interface {
	ReportParentAssessmentReply(rawRSSI uint8)
	ReportProbeReply(src net.IP, rawRSSI uint8, dio codec.DioMessage)
}

// Config holds the engine's per-node identity and tunables.
type Config struct {
	InstanceID              uint8
	DagID                   [16]byte
	AckEnabled              bool // whether outbound DAOs set K and a hand-off DAO arms the ACK guard
	SpecifyDag              bool // whether outbound DAOs carry D + DAG-ID
	Feather                 bool // suppress DIO_CONF inclusion and DAO emission
	LeafOnly                bool // suppress DIO_CONF inclusion
	GlobalAddress           net.IP
	BaseTick                time.Duration
	RSSIOffsetLow           uint8
	RSSIOffsetHigh          uint8
	RSSIUnreliableThreshold int
	RSSIStrongThreshold     int
	Logger                  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BaseTick == 0 {
		c.BaseTick = time.Second
	}
	if c.RSSIOffsetLow == 0 {
		c.RSSIOffsetLow = 45
	}
	if c.RSSIOffsetHigh == 0 {
		c.RSSIOffsetHigh = 46
	}
	if c.RSSIUnreliableThreshold == 0 {
		c.RSSIUnreliableThreshold = -85
	}
	if c.RSSIStrongThreshold == 0 {
		c.RSSIStrongThreshold = -80
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type pendingDao struct {
	parent    net.IP
	prefix    [16]byte
	prefixLen uint8
	lifetime  uint8
}

// Engine is the control-message engine: it reacts to inbound RPL messages
// and emits outbound ones, folding the source's scattered globals
// (dis_rssi, rssi_average, dao_sequence, check_dao_ack) into fields owned
// by this struct.
type Engine struct {
	cfg     Config
	dagSvc  dag.Service
	bus     *events.Bus
	sender  transport.Sender
	mob     MobilityReporter
	logger  *slog.Logger
	rssiCfg mobility.Config
	now     func() time.Time

	aggregate      mobility.RssiAggregate
	burstCandidate net.IP
	burstTimer     events.TimerID

	daoSequence   codec.Lollipop
	daoAckPending map[uint8]bool
	daoAckTimer   map[uint8]events.TimerID
	pending       map[uint8]pendingDao
	handoffGuard  bool
}

// NewEngine wires an Engine to the bus and the dag/transport collaborators.
// mob may be nil for a node that does not run the mobility extension.
func NewEngine(cfg Config, dagSvc dag.Service, bus *events.Bus, sender transport.Sender, mob MobilityReporter) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		dagSvc:  dagSvc,
		bus:     bus,
		sender:  sender,
		mob:     mob,
		logger:  cfg.Logger,
		now:     time.Now,
		rssiCfg: mobility.Config{RSSIOffsetLow: cfg.RSSIOffsetLow, RSSIOffsetHigh: cfg.RSSIOffsetHigh}.WithDefaults(),

		daoAckPending: make(map[uint8]bool),
		daoAckTimer:   make(map[uint8]events.TimerID),
		pending:       make(map[uint8]pendingDao),
	}
	bus.Subscribe(events.KindTimerExpired, e.onTimerExpired)
	return e
}

// SetClock overrides the time source; tests use this to avoid real sleeps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Dispatch is the consumed dispatch(icmp_code, payload, src_ip) entry
// point: it decodes by ICMPv6 code and invokes the matching handler.
// Unknown codes are logged and discarded.
func (e *Engine) Dispatch(icmpCode uint8, payload []byte, src, dst net.IP, linkRSSI uint8) {
	switch icmpCode {
	case codec.CodeDIS:
		msg, err := codec.DecodeDIS(payload)
		if err != nil {
			metrics.MalformedMessages.Inc()
			e.logger.Warn("malformed dis", "src", src, "err", err)
			return
		}
		e.disIn(msg, src, dst, linkRSSI)
	case codec.CodeDIO:
		msg, err := codec.DecodeDIO(payload)
		if err != nil {
			metrics.MalformedMessages.Inc()
			e.logger.Warn("malformed dio", "src", src, "err", err)
			return
		}
		e.dioIn(msg, src)
	case codec.CodeDAO:
		msg, err := codec.DecodeDAO(payload)
		if err != nil {
			metrics.MalformedMessages.Inc()
			e.logger.Warn("malformed dao", "src", src, "err", err)
			return
		}
		if err := e.daoIn(msg, src, dst); err != nil {
			e.logger.Debug("dao_in dropped", "src", src, "err", err)
		}
	case codec.CodeDAOAck:
		ack, err := codec.DecodeDAOAck(payload)
		if err != nil {
			metrics.MalformedMessages.Inc()
			e.logger.Warn("malformed dao-ack", "src", src, "err", err)
			return
		}
		e.daoAckIn(ack)
	default:
		e.logger.Warn("unknown rpl icmp code", "code", icmpCode, "src", src)
	}
}

// disIn implements spec section 4.2's dis_in.
func (e *Engine) disIn(msg codec.DisMessage, src, dst net.IP, linkRSSI uint8) {
	multicast := dst != nil && dst.IsMulticast()

	switch {
	case multicast && msg.F && msg.C != 0:
		if parentAddr, ok := e.dagSvc.PreferredParentAddr(e.cfg.DagID); ok && parentAddr.Equal(src) {
			return // loop-avoid: a burst member from our own parent is ignored
		}
		e.aggregate.Add(mobility.RawToTrue(e.rssiCfg, linkRSSI))
		e.burstCandidate = append(net.IP(nil), src...)
		e.bus.CancelTimer(e.burstTimer)
		delay := time.Duration(3-int(msg.C)) * e.cfg.BaseTick / 50
		e.burstTimer = e.bus.ArmTimer(e.now(), delay)
	case multicast && !msg.F:
		e.dagSvc.ResetDIOTimer(e.cfg.InstanceID)
	case !multicast && msg.F:
		e.dioOut(e.cfg.InstanceID, src, codec.MobilityParentAssess, linkRSSI)
	default: // unicast, F==0
		e.dioOut(e.cfg.InstanceID, src, codec.MobilityPeriodic, 0)
	}
}

// onTimerExpired fans out TIMER_EXPIRED to whichever guard it belongs to:
// the burst-collection window or a per-instance DAO-ACK guard.
func (e *Engine) onTimerExpired(ev events.Event) {
	if ev.Timer == e.burstTimer {
		e.onBurstWindowExpired()
		return
	}
	for instanceID, timerID := range e.daoAckTimer {
		if timerID == ev.Timer {
			delete(e.daoAckTimer, instanceID)
			e.onDaoAckTimeout(instanceID)
			return
		}
	}
}

// onBurstWindowExpired decides whether this node offers itself as a
// discovery-phase candidate parent to whichever node last sent it a burst
// member, per the "priority-weighted DIO" branch of dis_in / scenario S2.
// At or below RSSIUnreliableThreshold the request is ignored outright,
// mirroring eventhandler2's "Ignoring DIO request" branch; otherwise the
// averaged link gets a two-tier priority (1 at or below
// RSSIStrongThreshold, 0 above it) and new_dio_interval is told about it
// before the reply goes out, exactly as rpl-icmp6.c calls new_dio_interval(process_instance,
// NULL, 2, priority) ahead of its own dio_output.
func (e *Engine) onBurstWindowExpired() {
	avg := e.aggregate.Average()
	if avg > e.cfg.RSSIUnreliableThreshold {
		priority := uint8(1)
		if avg > e.cfg.RSSIStrongThreshold {
			priority = 0
		}
		e.dagSvc.NewDioInterval(e.cfg.InstanceID, nil, 2, priority)
		e.dioOut(e.cfg.InstanceID, e.burstCandidate, codec.MobilityDiscoveryReply, 0)
	}
	e.aggregate.Reset()
	e.burstCandidate = nil
}

// dioIn implements spec section 4.2's dio_in.
func (e *Engine) dioIn(msg codec.DioMessage, src net.IP) {
	if err := e.dagSvc.EnsureNeighbor(src); err != nil {
		metrics.MemoryOverflows.Inc()
		e.logger.Debug("dio_in: neighbor cache full", "src", src, "err", err)
		return
	}

	switch {
	case e.mob != nil && msg.MobilityFlags == codec.MobilityParentAssess:
		e.mob.ReportParentAssessmentReply(msg.RSSI)
	case e.mob != nil && msg.MobilityFlags == codec.MobilityDiscoveryReply:
		e.mob.ReportProbeReply(src, msg.RSSI, msg)
	default:
		if err := e.dagSvc.ProcessDIO(src, msg, false); err != nil {
			metrics.MemoryOverflows.Inc()
			e.logger.Debug("dio_in: process_dio failed", "src", src, "err", err)
		}
	}
}

// dioOut implements spec section 4.2's dio_out. dest == nil sends to the
// link-local all-RPL-nodes multicast address.
func (e *Engine) dioOut(instanceID uint8, dest net.IP, mobilityFlags uint8, disRSSI uint8) {
	inst, ok := e.dagSvc.Instance(instanceID)
	if !ok {
		return
	}
	inst.DTSNOut.Increment()

	dio := codec.DioMessage{
		InstanceID:    instanceID,
		Version:       uint8(inst.Dag.Version),
		Rank:          inst.Dag.Rank,
		Grounded:      inst.Dag.Grounded,
		MOP:           uint8(e.dagSvc.Mode()),
		Preference:    inst.Dag.Preference,
		DTSN:          uint8(inst.DTSNOut),
		MobilityFlags: mobilityFlags,
		DagID:         inst.Dag.DagID,
	}

	if mobilityFlags == codec.MobilityParentAssess {
		dio.RSSI = disRSSI
	} else {
		dio.RSSI = mobility.TrueToRaw(e.rssiCfg, e.aggregate.Average())
		e.aggregate.Reset()
	}

	if !e.cfg.Feather && !e.cfg.LeafOnly {
		dio.DagConfig = &codec.DagConfig{
			IntervalDoublings: inst.IntervalDoublings,
			IntervalMin:       inst.IntervalMin,
			Redundancy:        inst.Redundancy,
			MaxRankInc:        inst.MaxRankInc,
			MinHopRankInc:     inst.MinHopRankInc,
			OCP:               inst.OCP,
			DefaultLifetime:   inst.DefaultLifetime,
			LifetimeUnit:      inst.LifetimeUnit,
		}
	}
	if inst.Metric != nil {
		dio.Metric = inst.Metric
	}
	if inst.Dag.PrefixLength != 0 {
		dio.Prefix = &codec.PrefixInfo{
			Length:        inst.Dag.PrefixLength,
			Flags:         inst.Dag.PrefixFlags,
			ValidLifetime: inst.Dag.PrefixLifetime,
			Prefix:        inst.Dag.Prefix,
		}
	}

	if dest == nil {
		dest = mobility.AllRPLNodesMulticast
	}
	if err := e.sender.SendICMPv6(dest, codec.CodeDIO, codec.EncodeDIO(dio)); err != nil {
		e.logger.Warn("failed to send dio", "dest", dest, "err", err)
	}
}

// daoIn implements spec section 4.2's dao_in.
func (e *Engine) daoIn(msg codec.DaoMessage, src, dst net.IP) error {
	inst, ok := e.dagSvc.Instance(msg.InstanceID)
	if !ok {
		metrics.UnknownInstances.Inc()
		return ErrUnknownInstance
	}
	if msg.D && msg.DagID != inst.Dag.DagID {
		metrics.DagMismatches.Inc()
		return ErrDagMismatch
	}
	if msg.Target == nil {
		return ErrMissingTarget
	}

	prefix := msg.Target.Prefix
	prefixLen := msg.Target.PrefixLength
	var payloadLifetime uint8
	if msg.Transit != nil {
		payloadLifetime = msg.Transit.Lifetime
	}
	unicast := dst == nil || !dst.IsMulticast()

	if payloadLifetime == 0 {
		matched, firstMark := e.dagSvc.MarkNoPath(e.cfg.DagID, prefix, prefixLen, src)
		if matched && firstMark {
			if parentAddr, ok := e.dagSvc.PreferredParentAddr(e.cfg.DagID); ok {
				e.daoOut(parentAddr, prefix, prefixLen, 0)
			}
			if msg.K {
				e.daoAckOut(msg.InstanceID, msg.Sequence, src)
			}
		}
		return nil
	}

	if parent, ok := e.dagSvc.FindParent(e.cfg.DagID, src); ok {
		preferredAddr, hasPreferred := e.dagSvc.PreferredParentAddr(e.cfg.DagID)
		// Compare DAG-ranks (rank / MinHopRankInc); raw ranks when the
		// instance carries no MinHopRankInc.
		parentDagRank, ownDagRank := parent.Rank, inst.Dag.Rank
		if inst.MinHopRankInc != 0 {
			parentDagRank /= inst.MinHopRankInc
			ownDagRank /= inst.MinHopRankInc
		}
		if parentDagRank < ownDagRank || (hasPreferred && preferredAddr.Equal(src)) {
			e.dagSvc.MarkLoop(e.cfg.DagID, src)
			metrics.LoopsDetected.Inc()
			return ErrLoopDetected
		}
	}

	if err := e.dagSvc.EnsureNeighbor(src); err != nil {
		metrics.MemoryOverflows.Inc()
		return err
	}
	e.dagSvc.LockParent(e.cfg.DagID, src)

	learnedFrom := dag.LearnedUnicast
	if !unicast {
		learnedFrom = dag.LearnedMulticast
	}
	lifetime := uint32(inst.LifetimeUnit) * uint32(payloadLifetime)
	if err := e.dagSvc.AddRoute(e.cfg.DagID, prefix, prefixLen, src, lifetime, learnedFrom); err != nil {
		metrics.MemoryOverflows.Inc()
		return err
	}

	if unicast {
		if parentAddr, ok := e.dagSvc.PreferredParentAddr(e.cfg.DagID); ok {
			e.daoOut(parentAddr, prefix, prefixLen, payloadLifetime)
		}
		if msg.K {
			e.daoAckOut(msg.InstanceID, msg.Sequence, src)
		}
	}
	return nil
}

// daoOut implements spec section 4.2's dao_out.
func (e *Engine) daoOut(parent net.IP, prefix [16]byte, prefixLen uint8, lifetime uint8) {
	if e.cfg.Feather || e.cfg.GlobalAddress == nil {
		return
	}
	e.daoSequence.Increment()

	dao := codec.DaoMessage{
		InstanceID: e.cfg.InstanceID,
		K:          e.cfg.AckEnabled,
		D:          e.cfg.SpecifyDag,
		Sequence:   uint8(e.daoSequence),
		DagID:      e.cfg.DagID,
		HasDagID:   e.cfg.SpecifyDag,
		Target:     &codec.Target{PrefixLength: prefixLen, Prefix: prefix},
		Transit:    &codec.Transit{Lifetime: lifetime},
	}
	if err := e.sender.SendICMPv6(parent, codec.CodeDAO, codec.EncodeDAO(dao)); err != nil {
		e.logger.Warn("failed to send dao", "parent", parent, "err", err)
		return
	}

	if e.handoffGuard && e.cfg.AckEnabled {
		e.armDaoAckGuard(e.cfg.InstanceID, parent, prefix, prefixLen, lifetime)
	}
	e.handoffGuard = false
}

func (e *Engine) armDaoAckGuard(instanceID uint8, parent net.IP, prefix [16]byte, prefixLen uint8, lifetime uint8) {
	e.daoAckPending[instanceID] = true
	e.pending[instanceID] = pendingDao{parent: append(net.IP(nil), parent...), prefix: prefix, prefixLen: prefixLen, lifetime: lifetime}
	e.daoAckTimer[instanceID] = e.bus.ArmTimer(e.now(), e.cfg.BaseTick/4)
}

func (e *Engine) onDaoAckTimeout(instanceID uint8) {
	if !e.daoAckPending[instanceID] {
		return
	}
	metrics.DaoAckTimeouts.Inc()
	delete(e.daoAckPending, instanceID)
	delete(e.pending, instanceID)
	e.dagSvc.ScheduleDAO(instanceID)
}

// daoAckIn implements spec section 4.2's dao_ack_in: clears the guard.
func (e *Engine) daoAckIn(ack codec.DaoAck) {
	if !e.daoAckPending[ack.InstanceID] {
		return
	}
	delete(e.daoAckPending, ack.InstanceID)
	delete(e.pending, ack.InstanceID)
	if timerID, ok := e.daoAckTimer[ack.InstanceID]; ok {
		e.bus.CancelTimer(timerID)
		delete(e.daoAckTimer, ack.InstanceID)
	}
}

// daoAckOut implements spec section 4.2's dao_ack_out.
func (e *Engine) daoAckOut(instanceID uint8, sequence uint8, dest net.IP) {
	ack := codec.DaoAck{InstanceID: instanceID, Sequence: sequence, Status: 0}
	if err := e.sender.SendICMPv6(dest, codec.CodeDAOAck, codec.EncodeDAOAck(ack)); err != nil {
		e.logger.Warn("failed to send dao-ack", "dest", dest, "err", err)
	}
}

// ScheduleDAO is the rpl_schedule_dao callback installed on the DAG
// service. A completed hand-off (mobility.Controller.switchParent) and a
// DAO-ACK guard timeout both route through this single entry point, mirror
// the consumed/exposed boundary spec section 6 draws around rpl_schedule_dao.
func (e *Engine) ScheduleDAO(instanceID uint8) {
	inst, ok := e.dagSvc.Instance(instanceID)
	if !ok {
		return
	}
	parentAddr, ok := e.dagSvc.PreferredParentAddr(e.cfg.DagID)
	if !ok {
		return
	}
	e.handoffGuard = true
	e.daoOut(parentAddr, inst.Dag.Prefix, inst.Dag.PrefixLength, uint8(inst.DefaultLifetime))
}
