// Package dag models a DODAG instance and exposes the narrow interface the
// control-message engine and mobility controller use to query and mutate
// it. The ranking arithmetic of the Objective Function is deliberately not
// implemented here: callers inject a RankFn that turns a candidate parent
// into this node's rank through that parent, and this package only ever
// consumes that contract.
package dag

import (
	"errors"
	"net"

	"smarthop/codec"
)

// RankInfinite marks a detached rank (no viable parent), mirroring RFC
// 6550's INFINITE_RANK.
const RankInfinite uint16 = 0xFFFF

// ErrNeighborCacheFull is returned when a new parent cannot be admitted
// because the neighbor table has reached its configured capacity.
var ErrNeighborCacheFull = errors.New("dag: neighbor cache full")

// ErrMemoryOverflow is returned when a new route cannot be admitted because
// the route table has reached its configured capacity.
var ErrMemoryOverflow = errors.New("dag: route table full")

// Mode mirrors RFC 6550's DIO Mode of Operation field. Only storing mode is
// ever produced by this core; the constant exists so callers can assert it
// rather than branch on mode-of-operation selection logic.
type Mode uint8

const (
	ModeNoDownwardRoutes Mode = 0
	ModeNonStoring       Mode = 1
	ModeStoring          Mode = 2
	ModeStoringMulticast Mode = 3
)

// DodagInstance is a routing instance: exactly one active Dag, trickle
// timer parameters, rank-increment bounds, and the outbound DTSN.
type DodagInstance struct {
	InstanceID        uint8
	IntervalDoublings uint8
	IntervalMin       uint8
	Redundancy        uint8
	MinHopRankInc     uint16
	MaxRankInc        uint16
	DefaultLifetime   uint8
	LifetimeUnit      uint16
	OCP               uint16
	DTSNOut           codec.Lollipop
	Metric            *codec.MetricContainer
	Dag               Dag
}

// Dag is the DODAG this node currently belongs to within an instance.
type Dag struct {
	DagID           [16]byte
	Version         codec.Lollipop
	Rank            uint16
	Grounded        bool
	Preference      uint8
	PreferredParent *Parent
	PrefixLength    uint8
	PrefixFlags     uint8
	PrefixLifetime  uint32
	Prefix          [16]byte
}

// Parent is a candidate upstream neighbor, owned by the neighbor table and
// keyed there by IPv6 address.
type Parent struct {
	LinkLayerAddr string
	Addr          net.IP
	Rank          uint16
	DTSNIn        codec.Lollipop
	Updated       bool
	RefCount      int
}

// LearnKind records whether a route was learned from a unicast or
// multicast DAO, per spec section 4.2's dao_in.
type LearnKind uint8

const (
	LearnedUnicast LearnKind = iota
	LearnedMulticast
)

// Route is a downward route learned via DAO.
type Route struct {
	Prefix         [16]byte
	PrefixLength   uint8
	NextHop        net.IP
	Lifetime       uint32
	LearnedFrom    LearnKind
	NoPathReceived bool
}

// RankFn turns a candidate parent's advertised rank into this node's
// prospective rank through that parent. It is the entire consumed surface
// of the Objective Function; its internal arithmetic is out of scope here.
type RankFn func(parent Parent) uint16

// Service is the interface the control-message engine and mobility
// controller consume. It deliberately does not expose table internals: a
// concrete Service owns the DAG, neighbor, and route tables and is touched
// only from the engine's and mobility controller's handlers on the single
// scheduler thread, so it performs no internal locking.
type Service interface {
	EnsureNeighbor(addr net.IP) error
	ProcessDIO(src net.IP, dio codec.DioMessage, forced bool) error
	FindParent(dagID [16]byte, addr net.IP) (Parent, bool)
	NullifyParent(dagID [16]byte)
	PreferredParentAddr(dagID [16]byte) (net.IP, bool)
	RouteFor(dagID [16]byte, prefix [16]byte, prefixLen uint8) (Route, bool)
	AddRoute(dagID [16]byte, prefix [16]byte, prefixLen uint8, nextHop net.IP, lifetime uint32, learnedFrom LearnKind) error
	MarkNoPath(dagID [16]byte, prefix [16]byte, prefixLen uint8, nextHop net.IP) (matched, firstMark bool)
	LockParent(dagID [16]byte, addr net.IP)
	MarkLoop(dagID [16]byte, addr net.IP)
	ResetDIOTimer(instanceID uint8)
	NewDioInterval(instanceID uint8, parent *Parent, counter, priority uint8)
	ScheduleDAO(instanceID uint8)
	Mode() Mode
	Instance(instanceID uint8) (*DodagInstance, bool)
}
