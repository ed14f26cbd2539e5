package cme

import (
	"fmt"
	"net"
	"testing"
	"time"

	"smarthop/codec"
	"smarthop/dag"
	"smarthop/events"
	"smarthop/mobility"
)

// fakeDagService is a minimal dag.Service double recording the calls the
// engine makes, without any of MemService's real table logic — the same
// role mobility's fakeDagService plays for the controller's own tests.
type fakeDagService struct {
	inst            *dag.DodagInstance
	parents         map[string]dag.Parent
	preferredParent net.IP
	hasPreferred    bool
	routes          map[string]dag.Route

	addRouteCalls      int
	markLoopAddrs      []net.IP
	markNoPathCalls    int
	scheduleDAOIDs     []uint8
	lockParentAddrs    []net.IP
	newDioIntervalCalls []newDioIntervalCall
}

type newDioIntervalCall struct {
	instanceID uint8
	parent     *dag.Parent
	counter    uint8
	priority   uint8
}

func newFakeDagService(instanceID uint8, dagID [16]byte, rank uint16) *fakeDagService {
	return &fakeDagService{
		inst: &dag.DodagInstance{
			InstanceID:      instanceID,
			LifetimeUnit:    60,
			DefaultLifetime: 30,
			Dag:             dag.Dag{DagID: dagID, Rank: rank},
		},
		parents: make(map[string]dag.Parent),
		routes:  make(map[string]dag.Route),
	}
}

func (f *fakeDagService) EnsureNeighbor(addr net.IP) error { return nil }

func (f *fakeDagService) ProcessDIO(src net.IP, dio codec.DioMessage, forced bool) error {
	return nil
}

func (f *fakeDagService) FindParent(dagID [16]byte, addr net.IP) (dag.Parent, bool) {
	p, ok := f.parents[addr.String()]
	return p, ok
}

func (f *fakeDagService) NullifyParent(dagID [16]byte) {}

func (f *fakeDagService) PreferredParentAddr(dagID [16]byte) (net.IP, bool) {
	return f.preferredParent, f.hasPreferred
}

func (f *fakeDagService) RouteFor(dagID [16]byte, prefix [16]byte, prefixLen uint8) (dag.Route, bool) {
	r, ok := f.routes[routeKeyForTest(prefix, prefixLen)]
	return r, ok
}

func (f *fakeDagService) AddRoute(dagID [16]byte, prefix [16]byte, prefixLen uint8, nextHop net.IP, lifetime uint32, learnedFrom dag.LearnKind) error {
	f.addRouteCalls++
	f.routes[routeKeyForTest(prefix, prefixLen)] = dag.Route{
		Prefix: prefix, PrefixLength: prefixLen, NextHop: nextHop,
		Lifetime: lifetime, LearnedFrom: learnedFrom,
	}
	return nil
}

func (f *fakeDagService) MarkNoPath(dagID [16]byte, prefix [16]byte, prefixLen uint8, nextHop net.IP) (matched, firstMark bool) {
	f.markNoPathCalls++
	r, ok := f.routes[routeKeyForTest(prefix, prefixLen)]
	if !ok || !r.NextHop.Equal(nextHop) || r.NoPathReceived {
		return ok, false
	}
	r.NoPathReceived = true
	f.routes[routeKeyForTest(prefix, prefixLen)] = r
	return true, true
}

func (f *fakeDagService) LockParent(dagID [16]byte, addr net.IP) {
	f.lockParentAddrs = append(f.lockParentAddrs, addr)
}

func (f *fakeDagService) MarkLoop(dagID [16]byte, addr net.IP) {
	f.markLoopAddrs = append(f.markLoopAddrs, addr)
}

func (f *fakeDagService) ResetDIOTimer(instanceID uint8) {}

func (f *fakeDagService) NewDioInterval(instanceID uint8, parent *dag.Parent, counter, priority uint8) {
	f.newDioIntervalCalls = append(f.newDioIntervalCalls, newDioIntervalCall{instanceID: instanceID, parent: parent, counter: counter, priority: priority})
}

func (f *fakeDagService) ScheduleDAO(instanceID uint8) {
	f.scheduleDAOIDs = append(f.scheduleDAOIDs, instanceID)
}

func (f *fakeDagService) Mode() dag.Mode { return dag.ModeStoring }

func (f *fakeDagService) Instance(instanceID uint8) (*dag.DodagInstance, bool) {
	if f.inst == nil || f.inst.InstanceID != instanceID {
		return nil, false
	}
	return f.inst, true
}

func routeKeyForTest(prefix [16]byte, prefixLen uint8) string {
	return fmt.Sprintf("%s/%d", net.IP(prefix[:]).String(), prefixLen)
}

// fakeSender records every payload the engine hands to the transport.
type fakeSender struct {
	sent []sentPacket
}

type sentPacket struct {
	dest    net.IP
	code    uint8
	payload []byte
}

func (f *fakeSender) SendICMPv6(dest net.IP, code uint8, payload []byte) error {
	f.sent = append(f.sent, sentPacket{dest: dest, code: code, payload: payload})
	return nil
}

func newTestEngine(dagSvc *fakeDagService, sender *fakeSender, cfg Config) *Engine {
	bus := events.NewBus()
	return NewEngine(cfg, dagSvc, bus, sender, nil)
}

// TestDisIn_UnicastAssessmentUsesBitwiseAnd covers spec section 9's open
// question: the source's `buffer[1] && 0x80` bug is not reproduced, so a
// unicast DIS's F bit alone (bit 7) gates the tagged-reply branch
// regardless of what the burst-counter bits (6..5) happen to carry.
func TestDisIn_UnicastAssessmentUsesBitwiseAnd(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID})

	src := net.ParseIP("fe80::1")
	dis := codec.DisMessage{F: true, C: 3} // C!=0 must not suppress the F-gated branch
	e.Dispatch(codec.CodeDIS, codec.EncodeDIS(dis), src, src, 210)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one tagged DIO reply, got %d", len(sender.sent))
	}
	dio, err := codec.DecodeDIO(sender.sent[0].payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if dio.MobilityFlags != codec.MobilityParentAssess {
		t.Fatalf("mobility_flags = %d, want %d (parent-assessment reply)", dio.MobilityFlags, codec.MobilityParentAssess)
	}
	if dio.RSSI != 210 {
		t.Fatalf("reply RSSI = %d, want the triggering DIS's raw RSSI 210", dio.RSSI)
	}
}

// TestDaoIn_LoopDetected covers invariant/scenario S6: a DAO from a node
// whose parent-entry carries a lower DAG-rank than ours is a loop; that
// parent's rank is forced to INFINITE and no route is installed.
func TestDaoIn_LoopDetected(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	src := net.ParseIP("fe80::2")
	dagSvc.parents[src.String()] = dag.Parent{Addr: src, Rank: 5}

	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID, GlobalAddress: net.ParseIP("2001:db8::1")})

	dao := codec.DaoMessage{
		InstanceID: 1,
		Target:     &codec.Target{PrefixLength: 64, Prefix: [16]byte{0x20, 0x01, 0x0d, 0xb8}},
		Transit:    &codec.Transit{Lifetime: 30},
	}
	e.Dispatch(codec.CodeDAO, codec.EncodeDAO(dao), src, nil, 0)

	if len(dagSvc.markLoopAddrs) != 1 || !dagSvc.markLoopAddrs[0].Equal(src) {
		t.Fatalf("expected MarkLoop(%s) exactly once, got %v", src, dagSvc.markLoopAddrs)
	}
	if dagSvc.addRouteCalls != 0 {
		t.Fatalf("expected no route installed on loop detection, got %d AddRoute calls", dagSvc.addRouteCalls)
	}
}

// TestDaoIn_RouteInstallAndAck covers invariant 2's lifetime>0 branch:
// a valid unicast DAO installs a route with next-hop==src and, since K was
// set, acks the sender.
func TestDaoIn_RouteInstallAndAck(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	src := net.ParseIP("fe80::2")

	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID, GlobalAddress: net.ParseIP("2001:db8::1")})

	prefix := [16]byte{0x20, 0x01, 0x0d, 0xb8}
	dao := codec.DaoMessage{
		InstanceID: 1,
		K:          true,
		Sequence:   7,
		Target:     &codec.Target{PrefixLength: 64, Prefix: prefix},
		Transit:    &codec.Transit{Lifetime: 30},
	}
	e.Dispatch(codec.CodeDAO, codec.EncodeDAO(dao), src, nil, 0)

	if dagSvc.addRouteCalls != 1 {
		t.Fatalf("expected exactly one AddRoute call, got %d", dagSvc.addRouteCalls)
	}
	r, ok := dagSvc.routes[routeKeyForTest(prefix, 64)]
	if !ok || !r.NextHop.Equal(src) {
		t.Fatalf("expected a route with next-hop=%s, got %+v (ok=%v)", src, r, ok)
	}
	if r.Lifetime != uint32(dagSvc.inst.LifetimeUnit)*30 {
		t.Fatalf("lifetime = %d, want lifetime_unit * payload lifetime = %d", r.Lifetime, uint32(dagSvc.inst.LifetimeUnit)*30)
	}

	foundAck := false
	for _, p := range sender.sent {
		if p.code == codec.CodeDAOAck && p.dest.Equal(src) {
			foundAck = true
		}
	}
	if !foundAck {
		t.Fatalf("expected a DAO-ACK sent to %s since K was set, got %+v", src, sender.sent)
	}
}

// TestDaoIn_NoPathMarksAndForwardsOnce covers invariant 2's lifetime==0
// branch and spec section 4.2's "exactly once" no-path transition.
func TestDaoIn_NoPathMarksAndForwardsOnce(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	src := net.ParseIP("fe80::2")
	upstream := net.ParseIP("fe80::9")
	dagSvc.preferredParent = upstream
	dagSvc.hasPreferred = true

	prefix := [16]byte{0x20, 0x01, 0x0d, 0xb8}
	dagSvc.routes[routeKeyForTest(prefix, 64)] = dag.Route{Prefix: prefix, PrefixLength: 64, NextHop: src}

	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID, GlobalAddress: net.ParseIP("2001:db8::1")})

	dao := codec.DaoMessage{
		InstanceID: 1,
		K:          true,
		Target:     &codec.Target{PrefixLength: 64, Prefix: prefix},
		Transit:    &codec.Transit{Lifetime: 0},
	}
	e.Dispatch(codec.CodeDAO, codec.EncodeDAO(dao), src, nil, 0)

	r := dagSvc.routes[routeKeyForTest(prefix, 64)]
	if !r.NoPathReceived {
		t.Fatal("expected NoPathReceived to be set after a lifetime==0 DAO")
	}

	forwardedUpstream := 0
	for _, p := range sender.sent {
		if p.code == codec.CodeDAO && p.dest.Equal(upstream) {
			forwardedUpstream++
		}
	}
	if forwardedUpstream != 1 {
		t.Fatalf("expected the no-path DAO forwarded upstream exactly once, got %d", forwardedUpstream)
	}

	// A second no-path DAO for the same route must not forward again.
	sender.sent = nil
	e.Dispatch(codec.CodeDAO, codec.EncodeDAO(dao), src, nil, 0)
	for _, p := range sender.sent {
		if p.code == codec.CodeDAO && p.dest.Equal(upstream) {
			t.Fatal("expected no second forward once nopath_received is already set")
		}
	}
}

// TestDaoAckGuard_TimeoutReschedules covers invariant 6: if DAO-ACK is
// enabled and no ACK arrives within the guard window, exactly one
// reschedule happens per guard arming.
func TestDaoAckGuard_TimeoutReschedules(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	dagSvc.preferredParent = net.ParseIP("fe80::1")
	dagSvc.hasPreferred = true

	sender := &fakeSender{}
	bus := events.NewBus()
	e := NewEngine(Config{
		InstanceID:    1,
		DagID:         dagID,
		AckEnabled:    true,
		GlobalAddress: net.ParseIP("2001:db8::1"),
		BaseTick:      time.Second,
	}, dagSvc, bus, sender, nil)

	start := time.Unix(0, 0)
	e.SetClock(func() time.Time { return start })

	e.ScheduleDAO(1) // hand-off completed: sends the DAO and arms the DAO-ACK guard

	// Not yet expired.
	bus.Tick(start.Add(e.cfg.BaseTick / 8))
	if len(dagSvc.scheduleDAOIDs) != 0 {
		t.Fatalf("unexpected reschedule before guard expiry: %v", dagSvc.scheduleDAOIDs)
	}

	// Expire the guard.
	bus.Tick(start.Add(e.cfg.BaseTick/4 + time.Millisecond))
	if len(dagSvc.scheduleDAOIDs) != 1 {
		t.Fatalf("expected exactly one reschedule after guard timeout, got %v", dagSvc.scheduleDAOIDs)
	}
}

// TestOnBurstWindowExpired_WeakLink_SchedulesPriorityOne covers
// eventhandler2's priority banding: a reply link just above the
// unreliable threshold but not yet strong gets priority 1.
func TestOnBurstWindowExpired_WeakLink_SchedulesPriorityOne(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID})

	src := net.ParseIP("fe80::9")
	dis := codec.DisMessage{F: true, C: 1}
	e.Dispatch(codec.CodeDIS, codec.EncodeDIS(dis), src, mobility.AllRPLNodesMulticast, 217) // true RSSI -84

	e.onBurstWindowExpired()

	if len(dagSvc.newDioIntervalCalls) != 1 {
		t.Fatalf("expected exactly one NewDioInterval call, got %d", len(dagSvc.newDioIntervalCalls))
	}
	call := dagSvc.newDioIntervalCalls[0]
	if call.priority != 1 {
		t.Fatalf("priority = %d, want 1 for a weak (-84 dBm) link", call.priority)
	}
	if call.counter != 2 {
		t.Fatalf("counter = %d, want 2", call.counter)
	}
	if len(sender.sent) != 1 || sender.sent[0].code != codec.CodeDIO {
		t.Fatalf("expected a discovery-reply DIO sent, got %+v", sender.sent)
	}
}

// TestOnBurstWindowExpired_StrongLink_SchedulesPriorityZero covers the
// other band: a link clearly above the strong threshold gets priority 0.
func TestOnBurstWindowExpired_StrongLink_SchedulesPriorityZero(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID})

	src := net.ParseIP("fe80::9")
	dis := codec.DisMessage{F: true, C: 1}
	e.Dispatch(codec.CodeDIS, codec.EncodeDIS(dis), src, mobility.AllRPLNodesMulticast, 226) // true RSSI -75

	e.onBurstWindowExpired()

	if len(dagSvc.newDioIntervalCalls) != 1 {
		t.Fatalf("expected exactly one NewDioInterval call, got %d", len(dagSvc.newDioIntervalCalls))
	}
	if got := dagSvc.newDioIntervalCalls[0].priority; got != 0 {
		t.Fatalf("priority = %d, want 0 for a strong (-75 dBm) link", got)
	}
}

// TestOnBurstWindowExpired_UnreliableLink_NoReplyScheduled covers
// eventhandler2's "Ignoring DIO request" branch: a link at or below the
// unreliable threshold gets no scheduled interval and no reply at all.
func TestOnBurstWindowExpired_UnreliableLink_NoReplyScheduled(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	dagSvc := newFakeDagService(1, dagID, 10)
	sender := &fakeSender{}
	e := newTestEngine(dagSvc, sender, Config{InstanceID: 1, DagID: dagID})

	src := net.ParseIP("fe80::9")
	dis := codec.DisMessage{F: true, C: 1}
	e.Dispatch(codec.CodeDIS, codec.EncodeDIS(dis), src, mobility.AllRPLNodesMulticast, 210) // true RSSI -91

	e.onBurstWindowExpired()

	if len(dagSvc.newDioIntervalCalls) != 0 {
		t.Fatalf("expected no NewDioInterval call for an unreliable link, got %d", len(dagSvc.newDioIntervalCalls))
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no discovery-reply DIO sent, got %+v", sender.sent)
	}
}
