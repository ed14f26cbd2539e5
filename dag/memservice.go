package dag

import (
	"fmt"
	"net"

	"smarthop/codec"
)

const (
	defaultMaxNeighbors = 32
	defaultMaxRoutes    = 64
)

// MemService is an in-memory, mutex-free Service. It is touched only from
// the engine's and mobility controller's handlers, all running on the
// single scheduler thread, mirroring Splat-NDPeekr's NDPStats but without
// the mutex: that package's getOrCreatePeer shape is kept (as
// getOrCreateParent), its sync.RWMutex is dropped because nothing here is
// accessed from more than one goroutine.
type MemService struct {
	rankFn       RankFn
	maxNeighbors int
	maxRoutes    int
	mode         Mode

	instances map[uint8]*DodagInstance
	neighbors map[string]*Parent
	routes    map[string]*Route

	onResetDIOTimer  func(instanceID uint8)
	onScheduleDAO    func(instanceID uint8)
	onNewDioInterval func(instanceID uint8, parent *Parent, counter, priority uint8)
}

// NewMemService creates a MemService. rankFn is the injected Objective
// Function contract: given a candidate parent, it returns this node's
// prospective rank through that parent.
func NewMemService(rankFn RankFn) *MemService {
	return &MemService{
		rankFn:       rankFn,
		maxNeighbors: defaultMaxNeighbors,
		maxRoutes:    defaultMaxRoutes,
		mode:         ModeStoring,
		instances:    make(map[uint8]*DodagInstance),
		neighbors:    make(map[string]*Parent),
		routes:       make(map[string]*Route),
	}
}

// SetCapacity overrides the default neighbor/route table bounds.
func (m *MemService) SetCapacity(maxNeighbors, maxRoutes int) {
	m.maxNeighbors = maxNeighbors
	m.maxRoutes = maxRoutes
}

// OnResetDIOTimer registers the trickle-timer reset hook. rpl_reset_dio_timer
// belongs to the trickle-timer subsystem rather than this table, so it is
// exposed here only as a callback the event bus wiring installs.
func (m *MemService) OnResetDIOTimer(fn func(instanceID uint8)) {
	m.onResetDIOTimer = fn
}

// OnScheduleDAO registers the DAO-scheduling hook, same rationale as
// OnResetDIOTimer.
func (m *MemService) OnScheduleDAO(fn func(instanceID uint8)) {
	m.onScheduleDAO = fn
}

// OnNewDioInterval registers the new_dio_interval hook: the trickle-timer
// subsystem decides when to actually transmit the priority-weighted DIO
// this schedules, so MemService only forwards the call.
func (m *MemService) OnNewDioInterval(fn func(instanceID uint8, parent *Parent, counter, priority uint8)) {
	m.onNewDioInterval = fn
}

func neighborKey(addr net.IP) string {
	return addr.String()
}

func routeKey(prefix [16]byte, prefixLen uint8) string {
	return fmt.Sprintf("%s/%d", net.IP(prefix[:]).String(), prefixLen)
}

func (m *MemService) getOrCreateInstance(dio codec.DioMessage) *DodagInstance {
	inst, ok := m.instances[dio.InstanceID]
	if ok {
		return inst
	}
	inst = &DodagInstance{
		InstanceID: dio.InstanceID,
		Dag: Dag{
			DagID:      dio.DagID,
			Grounded:   dio.Grounded,
			Preference: dio.Preference,
			Rank:       RankInfinite,
		},
	}
	if dio.DagConfig != nil {
		inst.IntervalDoublings = dio.DagConfig.IntervalDoublings
		inst.IntervalMin = dio.DagConfig.IntervalMin
		inst.Redundancy = dio.DagConfig.Redundancy
		inst.MinHopRankInc = dio.DagConfig.MinHopRankInc
		inst.MaxRankInc = dio.DagConfig.MaxRankInc
		inst.DefaultLifetime = dio.DagConfig.DefaultLifetime
		inst.LifetimeUnit = dio.DagConfig.LifetimeUnit
		inst.OCP = dio.DagConfig.OCP
	}
	if dio.Prefix != nil {
		inst.Dag.PrefixLength = dio.Prefix.Length
		inst.Dag.PrefixFlags = dio.Prefix.Flags
		inst.Dag.PrefixLifetime = dio.Prefix.ValidLifetime
		inst.Dag.Prefix = dio.Prefix.Prefix
	}
	m.instances[dio.InstanceID] = inst
	return inst
}

func (m *MemService) getOrCreateParent(addr net.IP) (*Parent, error) {
	key := neighborKey(addr)
	p, ok := m.neighbors[key]
	if ok {
		return p, nil
	}
	if len(m.neighbors) >= m.maxNeighbors {
		return nil, ErrNeighborCacheFull
	}
	p = &Parent{Addr: append(net.IP(nil), addr...)}
	m.neighbors[key] = p
	return p, nil
}

func (m *MemService) setPreferredParent(inst *DodagInstance, parent *Parent, rank uint16) {
	inst.Dag.PreferredParent = parent
	inst.Dag.Rank = rank
}

// EnsureNeighbor admits src to the neighbor cache if it is not already
// present, without touching any DAG/rank state. dio_in and dao_in both
// perform this admission check before deciding how to route the message.
func (m *MemService) EnsureNeighbor(addr net.IP) error {
	_, err := m.getOrCreateParent(addr)
	return err
}

// ProcessDIO is the consumed rpl_process_dio contract: accept, update rank,
// or switch parent according to the injected RankFn, or (forced) switch
// unconditionally as the mobility controller does after a hand-off.
func (m *MemService) ProcessDIO(src net.IP, dio codec.DioMessage, forced bool) error {
	inst := m.getOrCreateInstance(dio)

	parent, err := m.getOrCreateParent(src)
	if err != nil {
		return err
	}
	parent.Rank = dio.Rank
	parent.DTSNIn = codec.Lollipop(dio.DTSN)
	parent.Updated = true

	candidateRank := m.rankFn(*parent)

	switch {
	case forced:
		m.setPreferredParent(inst, parent, candidateRank)
	case inst.Dag.PreferredParent == nil:
		m.setPreferredParent(inst, parent, candidateRank)
	case candidateRank < inst.Dag.Rank:
		m.setPreferredParent(inst, parent, candidateRank)
	}
	return nil
}

func (m *MemService) findInstanceByDag(dagID [16]byte) *DodagInstance {
	for _, inst := range m.instances {
		if inst.Dag.DagID == dagID {
			return inst
		}
	}
	return nil
}

// FindParent looks up a known neighbor by address, scoped to the DAG it
// currently belongs to.
func (m *MemService) FindParent(dagID [16]byte, addr net.IP) (Parent, bool) {
	if m.findInstanceByDag(dagID) == nil {
		return Parent{}, false
	}
	p, ok := m.neighbors[neighborKey(addr)]
	if !ok {
		return Parent{}, false
	}
	return *p, true
}

// NullifyParent detaches this node from routing: rank goes to INFINITE and
// the preferred parent reference is cleared, exactly like
// rpl_nullify_parent.
func (m *MemService) NullifyParent(dagID [16]byte) {
	inst := m.findInstanceByDag(dagID)
	if inst == nil {
		return
	}
	inst.Dag.PreferredParent = nil
	inst.Dag.Rank = RankInfinite
}

// PreferredParentAddr is rpl_get_parent_ipaddr.
func (m *MemService) PreferredParentAddr(dagID [16]byte) (net.IP, bool) {
	inst := m.findInstanceByDag(dagID)
	if inst == nil || inst.Dag.PreferredParent == nil {
		return nil, false
	}
	return inst.Dag.PreferredParent.Addr, true
}

// RouteFor looks up an existing route, used by dao_in to decide whether an
// incoming no-path DAO matches something already installed.
func (m *MemService) RouteFor(dagID [16]byte, prefix [16]byte, prefixLen uint8) (Route, bool) {
	r, ok := m.routes[routeKey(prefix, prefixLen)]
	if !ok {
		return Route{}, false
	}
	return *r, true
}

// AddRoute is rpl_add_route, extended with the lifetime/learned-from
// bookkeeping spec section 4.2's dao_in performs immediately after a
// successful install.
func (m *MemService) AddRoute(dagID [16]byte, prefix [16]byte, prefixLen uint8, nextHop net.IP, lifetime uint32, learnedFrom LearnKind) error {
	key := routeKey(prefix, prefixLen)
	r, exists := m.routes[key]
	if !exists {
		if len(m.routes) >= m.maxRoutes {
			return ErrMemoryOverflow
		}
		r = &Route{Prefix: prefix, PrefixLength: prefixLen}
		m.routes[key] = r
	}
	r.NextHop = append(net.IP(nil), nextHop...)
	r.Lifetime = lifetime
	r.LearnedFrom = learnedFrom
	r.NoPathReceived = false
	return nil
}

// MarkNoPath implements dao_in's no-path branch: if a matching route exists
// with next-hop==nextHop and it has not already been marked, mark it and
// report firstMark=true so the caller forwards the no-path DAO exactly once.
// The marked route stays in the table: neither this method nor the engine's
// dao_in schedules an expiration or removes it.
func (m *MemService) MarkNoPath(dagID [16]byte, prefix [16]byte, prefixLen uint8, nextHop net.IP) (matched, firstMark bool) {
	r, ok := m.routes[routeKey(prefix, prefixLen)]
	if !ok || !r.NextHop.Equal(nextHop) {
		return false, false
	}
	if r.NoPathReceived {
		return true, false
	}
	r.NoPathReceived = true
	return true, true
}

// LockParent is rpl_lock_parent: bump the parent's reference count so it
// survives neighbor-cache pressure while a route depends on it.
func (m *MemService) LockParent(dagID [16]byte, addr net.IP) {
	p, ok := m.neighbors[neighborKey(addr)]
	if !ok {
		return
	}
	p.RefCount++
}

// MarkLoop forces a suspected-loop parent's rank to INFINITE and marks it
// updated, per spec section 4.2's dao_in loop branch and section 7's
// LoopDetected taxonomy entry.
func (m *MemService) MarkLoop(dagID [16]byte, addr net.IP) {
	p, ok := m.neighbors[neighborKey(addr)]
	if !ok {
		return
	}
	p.Rank = RankInfinite
	p.Updated = true
}

// ResetDIOTimer is rpl_reset_dio_timer, delegated to the trickle-timer
// subsystem via the registered callback.
func (m *MemService) ResetDIOTimer(instanceID uint8) {
	if m.onResetDIOTimer != nil {
		m.onResetDIOTimer(instanceID)
	}
}

// ScheduleDAO is rpl_schedule_dao, delegated the same way.
func (m *MemService) ScheduleDAO(instanceID uint8) {
	if m.onScheduleDAO != nil {
		m.onScheduleDAO(instanceID)
	}
}

// NewDioInterval is new_dio_interval: the burst-collection window's
// eventhandler2 equivalent hands off a priority band for the next DIO
// transmission once it has classified the averaged RSSI, delegated to the
// trickle-timer subsystem the same way ResetDIOTimer is.
func (m *MemService) NewDioInterval(instanceID uint8, parent *Parent, counter, priority uint8) {
	if m.onNewDioInterval != nil {
		m.onNewDioInterval(instanceID, parent, counter, priority)
	}
}

// Mode is rpl_get_mode. Non-storing mode selection is out of scope, so this
// always reports the configured storing mode.
func (m *MemService) Mode() Mode {
	return m.mode
}

// Instance returns the DodagInstance for an instance id, if one has been
// created by a prior ProcessDIO call.
func (m *MemService) Instance(instanceID uint8) (*DodagInstance, bool) {
	inst, ok := m.instances[instanceID]
	return inst, ok
}
