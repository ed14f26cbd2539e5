// Package smarthop wires the control-message engine, mobility controller,
// DAG service, and ICMPv6 transport into one cooperatively-scheduled core.
// It folds the source's scattered process-level globals (process_instance,
// dis_rssi, rssi_average, mobility_flag, ...) into the single explicit Core
// struct spec section 9 asks for, owned by the caller and passed by
// reference to every handler rather than hidden behind package state.
package smarthop

import (
	"context"
	"log/slog"
	"net"
	"time"

	"smarthop/cme"
	"smarthop/dag"
	"smarthop/events"
	"smarthop/mobility"
	"smarthop/transport"
)

// TrickleTimer is the consumed rpl_reset_dio_timer/new_dio_interval
// collaborator. Spec section 1 places the Objective Function's rank
// arithmetic out of scope as an external collaborator; the adaptive
// trickle interval that governs DIO transmission rate, and the
// priority-weighted interval the mobility burst window schedules, are the
// same kind of collaborator, so Core only calls into them rather than
// implementing RFC 6550's trickle algorithm itself.
type TrickleTimer interface {
	Reset(instanceID uint8)
	NewInterval(instanceID uint8, parent *dag.Parent, counter, priority uint8)
}

type noopTrickleTimer struct{}

func (noopTrickleTimer) Reset(uint8) {}
func (noopTrickleTimer) NewInterval(uint8, *dag.Parent, uint8, uint8) {}

// Config aggregates every sub-component's tunables behind one entry point,
// the way the teacher's NDPListenerConfig aggregates a listen address, an
// interface restriction, and a logger for NewNDPListener.
type Config struct {
	CME       cme.Config
	Mobility  mobility.Config
	Transport transport.Config
	RankFn    dag.RankFn
	Trickle   TrickleTimer
	Logger    *slog.Logger
}

// Core is the single explicit context every handler is driven from: one
// event bus, one DAG service, one control-message engine, one mobility
// controller, one transport socket. Apart from the package-level counters
// in package metrics, every field below is reachable only through a Core
// value a caller constructed.
type Core struct {
	Bus       *events.Bus
	Dag       *dag.MemService
	CME       *cme.Engine
	Mobility  *mobility.Controller
	Transport *transport.ICMPv6Socket
	logger    *slog.Logger
}

// defaultRankFn is a minimal stand-in for the Objective Function contract
// spec section 1 excludes from this core's scope: a fixed step of 256
// (RFC 6550's default MinHopRankInc) past the candidate parent's advertised
// rank, saturating at RankInfinite. A real deployment
// injects OF0 or MRHOF through Config.RankFn; this default only exists so
// Core is usable without one.
func defaultRankFn(parent dag.Parent) uint16 {
	const step = 256
	if parent.Rank > dag.RankInfinite-step {
		return dag.RankInfinite
	}
	return parent.Rank + step
}

// NewCore wires every component together. The DAG service's
// rpl_schedule_dao hook is installed onto the engine's ScheduleDAO (the
// same entry point a completed mobility hand-off and a DAO-ACK guard
// timeout both use, per cme.Engine.ScheduleDAO's doc comment), and
// rpl_reset_dio_timer is installed onto the injected trickle timer. The
// mobility controller is registered with the engine as the
// MobilityReporter mobility-tagged DIOs route to.
func NewCore(cfg Config) *Core {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Trickle == nil {
		cfg.Trickle = noopTrickleTimer{}
	}
	if cfg.RankFn == nil {
		cfg.RankFn = defaultRankFn
	}

	bus := events.NewBus()
	dagSvc := dag.NewMemService(cfg.RankFn)
	sock := transport.NewICMPv6Socket(cfg.Transport)

	mob := mobility.NewController(cfg.Mobility, bus, dagSvc, sock, cfg.CME.InstanceID, cfg.CME.DagID)
	engine := cme.NewEngine(cfg.CME, dagSvc, bus, sock, mob)

	dagSvc.OnScheduleDAO(engine.ScheduleDAO)
	dagSvc.OnResetDIOTimer(cfg.Trickle.Reset)
	dagSvc.OnNewDioInterval(cfg.Trickle.NewInterval)

	return &Core{
		Bus:       bus,
		Dag:       dagSvc,
		CME:       engine,
		Mobility:  mob,
		Transport: sock,
		logger:    cfg.Logger,
	}
}

// inboundPacket is one decoded-to-payload datagram handed from the
// transport's read goroutine to Run's single scheduler goroutine.
type inboundPacket struct {
	code    uint8
	payload []byte
	src     net.IP
	dst     net.IP
	rssi    uint8
}

// Run opens the ICMPv6 transport and drives the cooperative scheduler until
// ctx is cancelled. events.Bus, dag.MemService, cme.Engine, and
// mobility.Controller are all documented as single-goroutine-only (no
// internal locking, per spec section 5), so transport.ICMPv6Socket.Run's
// own read-loop goroutine never touches any of them directly: its dispatch
// callback only forwards the packet over a channel, and this function's
// select loop is the one and only goroutine that ever calls c.CME.Dispatch
// or c.Bus.Tick. A periodic tick observes timer expiry the way spec section
// 4.4 requires — expiry posts TIMER_EXPIRED onto the bus, it is never
// delivered as a callback from interrupt context.
func (c *Core) Run(ctx context.Context, tickInterval time.Duration) error {
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}

	packets := make(chan inboundPacket, 16)
	dispatch := func(code uint8, payload []byte, src, dst net.IP, rssi uint8) {
		select {
		case packets <- inboundPacket{code: code, payload: payload, src: src, dst: dst, rssi: rssi}:
		case <-ctx.Done():
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Transport.Run(ctx, dispatch) }()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return <-errCh
		case err := <-errCh:
			return err
		case pkt := <-packets:
			c.CME.Dispatch(pkt.code, pkt.payload, pkt.src, pkt.dst, pkt.rssi)
			c.Bus.Tick(time.Now())
		case now := <-ticker.C:
			c.Bus.Tick(now)
		}
	}
}
