// Package mobility drives the smart-HOP hand-off state machine: a
// parent-assessment phase that probes the current preferred parent, and a
// discovery phase that bursts DIS solicitations and picks the
// best-reporting replacement. Like package events, it assumes a single
// cooperative scheduler goroutine and performs no internal locking.
package mobility

import (
	"log/slog"
	"net"
	"time"

	"smarthop/codec"
	"smarthop/dag"
	"smarthop/events"
	"smarthop/metrics"
	"smarthop/transport"
)

// ProbeTableCapacity bounds the discovery phase's candidate collection.
const ProbeTableCapacity = 5

// BurstSize is the number of DIS messages sent per discovery round.
const BurstSize = 3

// AllRPLNodesMulticast is the link-local all-RPL-nodes multicast address
// (RFC 6550 section 6), used as the DIS burst destination.
var AllRPLNodesMulticast = net.ParseIP("ff02::1a")

// State is the mobility controller's phase.
type State uint8

const (
	StateIdle State = iota
	StateAssessing
	StateDiscovery
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssessing:
		return "assessing"
	case StateDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Config holds the mobility controller's tunables (spec section 6's
// compile-time tunables, carried as runtime configuration instead).
type Config struct {
	BaseTick                   time.Duration
	RSSIUnreliableThreshold    int
	RSSIDiscoveryBadThreshold  int
	RSSIWrapThreshold          uint8
	RSSIOffsetLow              uint8
	RSSIOffsetHigh             uint8
	Logger                     *slog.Logger
}

// WithDefaults fills unset fields with the values spec section 6 and
// DESIGN.md's Open Question 3 resolution name.
func (c Config) WithDefaults() Config {
	if c.BaseTick == 0 {
		c.BaseTick = time.Second
	}
	if c.RSSIUnreliableThreshold == 0 {
		c.RSSIUnreliableThreshold = -85
	}
	if c.RSSIDiscoveryBadThreshold == 0 {
		c.RSSIDiscoveryBadThreshold = -90
	}
	if c.RSSIWrapThreshold == 0 {
		c.RSSIWrapThreshold = 50
	}
	if c.RSSIOffsetLow == 0 {
		c.RSSIOffsetLow = 45
	}
	if c.RSSIOffsetHigh == 0 {
		c.RSSIOffsetHigh = 46
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RawToTrue converts an 8-bit raw radio RSSI sample into signed dBm:
// values above 200 are read as having wrapped past the byte boundary.
func RawToTrue(cfg Config, raw uint8) int {
	if raw > 200 {
		return int(raw) - 255 - int(cfg.RSSIOffsetHigh)
	}
	return int(raw) - int(cfg.RSSIOffsetLow)
}

// RawToTrueWrapped applies the discovery-phase scan's wraparound
// correction before converting: a raw value below RSSIWrapThreshold is
// treated as having already wrapped past 255, so every candidate's
// strength can be compared on one continuous scale.
func RawToTrueWrapped(cfg Config, raw uint8) int {
	v := int(raw)
	if raw < cfg.RSSIWrapThreshold {
		v += 255
	}
	if v > 200 {
		return v - 255 - int(cfg.RSSIOffsetHigh)
	}
	return v - int(cfg.RSSIOffsetLow)
}

// TrueToRaw is the inverse of RawToTrue: it picks whichever of the two
// raw_to_true branches round-trips back to trueDbm, so a locally computed
// signed RSSI average can be carried in a DIO's 8-bit wire field. The low
// branch is tried first since it covers the common near-zero-offset case;
// the high (wrapped) branch is used whenever the low branch would need a
// raw byte outside 0..200.
func TrueToRaw(cfg Config, trueDbm int) uint8 {
	low := trueDbm + int(cfg.RSSIOffsetLow)
	if low >= 0 && low <= 200 {
		return uint8(low)
	}
	high := trueDbm + 255 + int(cfg.RSSIOffsetHigh)
	return uint8(high)
}

// ProbeEntry is one discovery-phase DIO reply.
type ProbeEntry struct {
	Addr    net.IP
	RawRSSI uint8
	Dio     codec.DioMessage
}

// ProbeTable collects discovery-phase replies, bounded to
// ProbeTableCapacity.
type ProbeTable struct {
	entries []ProbeEntry
}

// NewProbeTable creates an empty ProbeTable.
func NewProbeTable() *ProbeTable {
	return &ProbeTable{}
}

// Add appends e, reporting false if the table is already at capacity.
func (t *ProbeTable) Add(e ProbeEntry) bool {
	if len(t.entries) >= ProbeTableCapacity {
		return false
	}
	t.entries = append(t.entries, e)
	return true
}

// Len reports the number of entries currently held.
func (t *ProbeTable) Len() int {
	return len(t.entries)
}

// Entries returns the entries in insertion order.
func (t *ProbeTable) Entries() []ProbeEntry {
	return t.entries
}

// Reset empties the table. It does not compact anything: entries are
// simply discarded and the slice length drops to zero.
func (t *ProbeTable) Reset() {
	t.entries = t.entries[:0]
}

// Best returns the entry with the greatest translated RSSI, breaking ties
// by first-insertion order (spec invariant 4 / scenario S5).
func (t *ProbeTable) Best(cfg Config) (ProbeEntry, bool) {
	if len(t.entries) == 0 {
		return ProbeEntry{}, false
	}
	best := t.entries[0]
	bestTrue := RawToTrueWrapped(cfg, best.RawRSSI)
	for _, e := range t.entries[1:] {
		v := RawToTrueWrapped(cfg, e.RawRSSI)
		if v > bestTrue {
			best = e
			bestTrue = v
		}
	}
	return best, true
}

// RssiAggregate accumulates true-RSSI samples into a running average, used
// by the control-message engine's burst-collection window.
type RssiAggregate struct {
	sum   int
	count int
}

// Add folds trueRSSI into the running average.
func (a *RssiAggregate) Add(trueRSSI int) {
	a.sum += trueRSSI
	a.count++
}

// Average returns the current mean, or 0 if no samples were added.
func (a *RssiAggregate) Average() int {
	if a.count == 0 {
		return 0
	}
	return a.sum / a.count
}

// Count reports how many samples have been folded in.
func (a *RssiAggregate) Count() int {
	return a.count
}

// Reset clears the aggregate.
func (a *RssiAggregate) Reset() {
	a.sum = 0
	a.count = 0
}

// Controller drives the parent-assessment and discovery phases from
// events posted on bus. It owns the ProbeTable and the mobility flag:
// ReportProbeReply adds to the table when the engine calls it, and every
// other change happens in the controller's own event handlers. The burst
// window's RssiAggregate belongs to cme.Engine, not to the controller.
type Controller struct {
	cfg        Config
	bus        *events.Bus
	dagSvc     dag.Service
	sender     transport.Sender
	now        func() time.Time
	instanceID uint8
	dagID      [16]byte

	state           State
	mobilityFlagSet bool
	handOffBackoff  bool
	probes          *ProbeTable
	burstCounter    uint8

	dioWaitTimer   events.TimerID
	dioInputTimer  events.TimerID
	burstTimer     events.TimerID
	handoffStarted time.Time

	// preDiscoveryParent is the preferred parent address as of the instant
	// discovery was entered, captured before NullifyParent clears the DAG
	// service's live state. onDiosInputExpired compares the discovery
	// winner against this snapshot rather than the (by then always-empty)
	// live lookup, so the three same-parent branches below it are
	// reachable.
	preDiscoveryParent    net.IP
	hadPreDiscoveryParent bool
}

// NewController wires up a Controller and subscribes it to the bus.
func NewController(cfg Config, bus *events.Bus, dagSvc dag.Service, sender transport.Sender, instanceID uint8, dagID [16]byte) *Controller {
	c := &Controller{
		cfg:        cfg.WithDefaults(),
		bus:        bus,
		dagSvc:     dagSvc,
		sender:     sender,
		now:        time.Now,
		instanceID: instanceID,
		dagID:      dagID,
		probes:     NewProbeTable(),
	}
	bus.Subscribe(events.KindParentUnreachable, c.onParentUnreachable)
	bus.Subscribe(events.KindParentReachable, c.onParentReachable)
	bus.Subscribe(events.KindDisBurst, c.onDisBurst)
	bus.Subscribe(events.KindSetDisDelay, c.onSetDisDelay)
	bus.Subscribe(events.KindStopDioCheck, c.onStopDioCheck)
	bus.Subscribe(events.KindSetDiosInput, c.onSetDiosInput)
	bus.Subscribe(events.KindResetDiosInput, c.onResetDiosInput)
	bus.Subscribe(events.KindTimerExpired, c.onTimerExpired)
	return c
}

// SetClock overrides the time source; tests use this to avoid real sleeps.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// State reports the controller's current phase.
func (c *Controller) State() State {
	return c.state
}

// MobilityFlag reports whether this node currently considers itself mid
// hand-off (the DIO mobility_flags byte the control-message engine should
// tag outbound DIOs with).
func (c *Controller) MobilityFlag() bool {
	return c.mobilityFlagSet
}

// ClearHandoffBackoff lifts the anti-thrash suppression a completed
// hand-off installs; spec section 4.3 leaves this to an external trigger.
func (c *Controller) ClearHandoffBackoff() {
	c.handOffBackoff = false
}

// PostParentUnreachable posts PARENT_UNREACHABLE, the external trigger
// entering the parent-assessment phase.
func (c *Controller) PostParentUnreachable() {
	c.bus.PostSynch(events.Event{Kind: events.KindParentUnreachable})
}

// ReportParentAssessmentReply posts PARENT_REACHABLE(rawRSSI), the signal
// that the current preferred parent answered the unicast assessment DIS.
func (c *Controller) ReportParentAssessmentReply(rawRSSI uint8) {
	c.bus.PostSynch(events.Event{Kind: events.KindParentReachable, RSSI: rawRSSI})
}

// ReportProbeReply records a discovery-phase DIO reply (mobility_flags==2)
// into the probe table. Outside the discovery phase it is ignored, since
// the table is only meaningful mid-discovery.
func (c *Controller) ReportProbeReply(src net.IP, rawRSSI uint8, dio codec.DioMessage) {
	if c.state != StateDiscovery {
		return
	}
	c.probes.Add(ProbeEntry{Addr: append(net.IP(nil), src...), RawRSSI: rawRSSI, Dio: dio})
}

func (c *Controller) onParentUnreachable(events.Event) {
	if c.handOffBackoff {
		return
	}
	c.state = StateAssessing
	parentAddr, ok := c.dagSvc.PreferredParentAddr(c.dagID)
	if !ok {
		c.enterDiscovery()
		return
	}
	c.sendDIS(parentAddr, true, 0)
	c.bus.Post(events.Event{Kind: events.KindSetDisDelay})
}

func (c *Controller) onSetDisDelay(events.Event) {
	c.dioWaitTimer = c.bus.ArmTimer(c.now(), c.cfg.BaseTick/15)
}

func (c *Controller) onStopDioCheck(events.Event) {
	c.bus.CancelTimer(c.dioWaitTimer)
}

func (c *Controller) onParentReachable(ev events.Event) {
	if c.state != StateAssessing {
		return
	}
	c.bus.Post(events.Event{Kind: events.KindStopDioCheck})
	rssi := RawToTrue(c.cfg, ev.RSSI)
	if rssi <= c.cfg.RSSIUnreliableThreshold {
		c.enterDiscovery()
		return
	}
	c.clearMobility()
}

func (c *Controller) enterDiscovery() {
	metrics.DiscoveryRounds.Inc()
	c.preDiscoveryParent, c.hadPreDiscoveryParent = c.dagSvc.PreferredParentAddr(c.dagID)
	c.state = StateDiscovery
	c.mobilityFlagSet = true
	c.handoffStarted = c.now()
	c.dagSvc.NullifyParent(c.dagID)
	c.bus.Post(events.Event{Kind: events.KindResetDiosInput})
	c.burstCounter = 1
	c.bus.Post(events.Event{Kind: events.KindDisBurst})
}

func (c *Controller) onResetDiosInput(events.Event) {
	c.bus.CancelTimer(c.dioInputTimer)
	c.probes.Reset()
}

func (c *Controller) onDisBurst(events.Event) {
	if c.state != StateDiscovery {
		return
	}
	c.sendDIS(nil, true, c.burstCounter)
	if c.burstCounter >= BurstSize {
		c.bus.Post(events.Event{Kind: events.KindSetDiosInput})
		return
	}
	c.burstCounter++
	c.burstTimer = c.bus.ArmTimer(c.now(), c.cfg.BaseTick/50)
}

func (c *Controller) onSetDiosInput(events.Event) {
	c.dioInputTimer = c.bus.ArmTimer(c.now(), c.cfg.BaseTick/20)
}

func (c *Controller) onTimerExpired(ev events.Event) {
	switch ev.Timer {
	case c.dioWaitTimer:
		if c.state == StateAssessing {
			metrics.TransientUnreachables.Inc()
			c.enterDiscovery()
		}
	case c.burstTimer:
		if c.state == StateDiscovery {
			c.bus.Post(events.Event{Kind: events.KindDisBurst})
		}
	case c.dioInputTimer:
		if c.state == StateDiscovery {
			c.onDiosInputExpired()
		}
	}
}

func (c *Controller) onDiosInputExpired() {
	if c.probes.Len() == 0 {
		c.bus.Post(events.Event{Kind: events.KindParentUnreachable})
		return
	}

	best, _ := c.probes.Best(c.cfg)
	bestTrue := RawToTrueWrapped(c.cfg, best.RawRSSI)

	sameParent := c.hadPreDiscoveryParent && c.preDiscoveryParent.Equal(best.Addr)

	switch {
	case sameParent && bestTrue <= c.cfg.RSSIDiscoveryBadThreshold:
		c.enterDiscovery()
	case sameParent && bestTrue <= c.cfg.RSSIUnreliableThreshold:
		// Link still marginal: stay mid-discovery, no further action
		// until the next external cue.
	case sameParent:
		c.clearMobility()
	default:
		c.switchParent(best)
	}
}

func (c *Controller) switchParent(best ProbeEntry) {
	_ = c.dagSvc.ProcessDIO(best.Addr, best.Dio, true)
	c.dagSvc.ScheduleDAO(c.instanceID)
	c.handOffBackoff = true
	metrics.Handoffs.Inc()
	c.clearMobility()
}

func (c *Controller) clearMobility() {
	c.state = StateIdle
	c.mobilityFlagSet = false
	c.bus.Post(events.Event{Kind: events.KindResetMobilityFlag})
}

func (c *Controller) sendDIS(dest net.IP, f bool, counter uint8) {
	if dest == nil {
		dest = AllRPLNodesMulticast
	}
	payload := codec.EncodeDIS(codec.DisMessage{F: f, C: counter})
	if err := c.sender.SendICMPv6(dest, codec.CodeDIS, payload); err != nil {
		c.cfg.Logger.Warn("failed to send DIS", "dest", dest, "err", err)
	}
}
