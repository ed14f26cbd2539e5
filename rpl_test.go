package smarthop

import (
	"net"
	"testing"

	"smarthop/cme"
	"smarthop/codec"
	"smarthop/dag"
	"smarthop/events"
	"smarthop/mobility"
)

// fakeSender records every payload Core hands to the transport instead of
// touching a real socket, the same role a fake connection plays in the
// teacher's listener tests.
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

// newTestCore wires a Core the way NewCore does, but swaps in a fakeSender
// in place of the real ICMPv6 socket so the wiring can be exercised without
// opening a raw socket (which needs privileges CI doesn't grant), and leaves
// the trickle-timer hooks unregistered.
func newTestCore(t *testing.T, cfg Config) (*Core, *fakeSender) {
	t.Helper()
	if cfg.RankFn == nil {
		cfg.RankFn = defaultRankFn
	}

	bus := events.NewBus()
	dagSvc := dag.NewMemService(cfg.RankFn)
	sender := &fakeSender{}

	mob := mobility.NewController(cfg.Mobility, bus, dagSvc, sender, cfg.CME.InstanceID, cfg.CME.DagID)
	engine := cme.NewEngine(cfg.CME, dagSvc, bus, sender, mob)

	dagSvc.OnScheduleDAO(engine.ScheduleDAO)

	return &Core{Bus: bus, Dag: dagSvc, CME: engine, Mobility: mob}, sender
}

// TestCore_DioInInstallsPreferredParent exercises the full
// codec -> cme -> dag path a real inbound DIO takes once
// transport.ICMPv6Socket.Run hands it to Core.CME.Dispatch.
func TestCore_DioInInstallsPreferredParent(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	core, _ := newTestCore(t, Config{CME: cme.Config{InstanceID: 1, DagID: dagID}})

	parent := net.ParseIP("fe80::1")
	dio := codec.DioMessage{
		InstanceID: 1,
		Version:    1,
		Rank:       0x0080,
		Preference: 1,
		DagID:      dagID,
	}
	payload := codec.EncodeDIO(dio)

	core.CME.Dispatch(codec.CodeDIO, payload, parent, nil, 0)

	addr, ok := core.Dag.PreferredParentAddr(dagID)
	if !ok {
		t.Fatal("expected a preferred parent after accepting the DIO")
	}
	if !addr.Equal(parent) {
		t.Fatalf("preferred parent = %s, want %s", addr, parent)
	}
}

// TestCore_ParentUnreachableEmitsAssessmentDIS exercises invariant 3
// end to end through Core: a PARENT_UNREACHABLE event with no back-off
// active emits exactly one unicast assessment DIS to the current
// preferred parent.
func TestCore_ParentUnreachableEmitsAssessmentDIS(t *testing.T) {
	dagID := [16]byte{0xfe, 0x80}
	core, sender := newTestCore(t, Config{CME: cme.Config{InstanceID: 1, DagID: dagID}})

	parent := net.ParseIP("fe80::1")
	dio := codec.DioMessage{InstanceID: 1, Version: 1, Rank: 0x0080, DagID: dagID}
	payload := codec.EncodeDIO(dio)
	core.CME.Dispatch(codec.CodeDIO, payload, parent, nil, 0)

	core.Mobility.PostParentUnreachable()

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one emitted packet, got %d", len(sender.sent))
	}
	if sender.sent[0].code != codec.CodeDIS {
		t.Fatalf("expected a DIS, got icmp code %d", sender.sent[0].code)
	}
	if !sender.sent[0].dest.Equal(parent) {
		t.Fatalf("expected the assessment DIS addressed to the preferred parent %s, got %s", parent, sender.sent[0].dest)
	}
}
