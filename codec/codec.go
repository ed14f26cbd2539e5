// Package codec implements bit-exact encoding and decoding of the RPL
// ICMPv6 control messages (DIS, DIO, DAO, DAO-ACK) described in RFC 6550,
// extended with the mobility fields the smart-HOP hand-off protocol carries
// in bytes the base RFC leaves reserved.
package codec

import "errors"

// ErrMalformed is returned whenever a decode fails one of the structural
// checks below. It is never recovered from inside this package; callers
// drop the packet and, per the error taxonomy, bump a counter.
var ErrMalformed = errors.New("codec: malformed rpl message")

// ICMPv6 codes used to carry RPL control messages (RFC 6550 Section 6).
const (
	ICMPv6TypeRPL uint8 = 155

	CodeDIS    uint8 = 0x00
	CodeDIO    uint8 = 0x01
	CodeDAO    uint8 = 0x02
	CodeDAOAck uint8 = 0x03
)

// Sub-option types (RFC 6550 Section 6.7).
const (
	OptionPad1            uint8 = 0
	OptionMetricContainer uint8 = 2
	OptionRouteInfo       uint8 = 3
	OptionDagConfig       uint8 = 4
	OptionTarget          uint8 = 5
	OptionTransit         uint8 = 6
	OptionPrefixInfo      uint8 = 8
)

// Metric-container types carried in the DAG_METRIC_CONTAINER sub-option.
const (
	MetricNone   uint8 = 0
	MetricEnergy uint8 = 1
	MetricETX    uint8 = 2
)

// DIO flags bits.
const (
	dioGroundedBit  = 0x80
	dioMOPMask      = 0x3c
	dioMOPShift     = 3
	dioPreferenceMk = 0x07
)

// DAO flags bits.
const (
	daoKFlag = 0x80
	daoDFlag = 0x40
)

// Lollipop is an 8-bit counter that counts 0..127 as its "restart" region,
// then wraps within 128..255 forever after, distinguishing a freshly
// rebooted sender from one that has simply wrapped (spec's lollipop
// counter convention).
type Lollipop uint8

// LollipopInit is the value a freshly created instance starts at.
const LollipopInit Lollipop = 0

const lollipopMaxInit = 127

// Increment advances the counter following the lollipop convention: below
// the restart ceiling it increments normally; at the ceiling it jumps to
// the wrap floor; above the floor it wraps back to the floor instead of to
// zero (so a peer never confuses "wrapped" with "rebooted").
func (l *Lollipop) Increment() {
	if *l == lollipopMaxInit {
		*l = 128
		return
	}
	if *l == 255 {
		*l = 128
		return
	}
	*l++
}

// MetricContainer is the decoded DAG_METRIC_CONTAINER sub-option.
type MetricContainer struct {
	Type        uint8
	Flags       uint8
	Aggregation uint8
	Precedence  uint8
	ETX         uint16
	EnergyFlags uint8
	EnergyEst   uint8
}

// RouteInfo is the decoded ROUTE_INFO sub-option.
type RouteInfo struct {
	PrefixLength uint8
	Flags        uint8
	Lifetime     uint32
	Prefix       [16]byte
}

// DagConfig is the decoded DAG_CONF sub-option.
type DagConfig struct {
	IntervalDoublings uint8
	IntervalMin       uint8
	Redundancy        uint8
	MaxRankInc        uint16
	MinHopRankInc     uint16
	OCP               uint16
	DefaultLifetime   uint8
	LifetimeUnit      uint16
}

// PrefixInfo is the decoded PREFIX_INFO sub-option.
type PrefixInfo struct {
	Length            uint8
	Flags             uint8
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            [16]byte
}

// Target is the decoded TARGET sub-option carried in a DAO.
type Target struct {
	PrefixLength uint8
	Prefix       [16]byte
}

// Transit is the decoded TRANSIT sub-option carried in a DAO.
type Transit struct {
	Flags        uint8
	PathControl  uint8
	PathSequence uint8
	Lifetime     uint8
}

// DioMessage is a decoded DODAG Information Object, extended with the
// mobility flag and RSSI byte smart-HOP carries in RFC 6550's reserved
// octet (wire layout: instance_id, version, rank, flags, dtsn,
// mobility_flags, rssi, dag_id, options...).
type DioMessage struct {
	InstanceID    uint8
	Version       uint8
	Rank          uint16
	Grounded      bool
	MOP           uint8
	Preference    uint8
	DTSN          uint8
	MobilityFlags uint8
	RSSI          uint8
	DagID         [16]byte
	Metric        *MetricContainer
	Route         *RouteInfo
	DagConfig     *DagConfig
	Prefix        *PrefixInfo
}

// Mobility flag values carried in DioMessage.MobilityFlags.
const (
	MobilityPeriodic       uint8 = 0
	MobilityParentAssess   uint8 = 1
	MobilityDiscoveryReply uint8 = 2
)

// DisMessage is a decoded DAG Information Solicitation. Bit layout of the
// second octet: bit7 = mobility flag F, bits 6..5 = burst counter C
// (1..3), bits 4..0 reserved.
type DisMessage struct {
	F bool
	C uint8
}

// DaoMessage is a decoded Destination Advertisement Object.
type DaoMessage struct {
	InstanceID uint8
	K          bool
	D          bool
	Sequence   uint8
	DagID      [16]byte
	HasDagID   bool
	Target     *Target
	Transit    *Transit
}

// DaoAck is a decoded DAO-ACK.
type DaoAck struct {
	InstanceID uint8
	Sequence   uint8
	Status     uint8
}
