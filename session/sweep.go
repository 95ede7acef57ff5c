package session

import (
	"context"
	"os"
	"strings"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	devnet "github.com/forgebots/devbridge/internal/net"
)

// Simulation tooling leaks daemon and helper processes across runs. The sweep
// is advisory cleanup for those leftovers; the authoritative cleanup path is
// always the direct handle on the spawned process. Every error in here is
// swallowed and logged, since blocking a new session on cleanup is worse than
// a stray process a later sweep will also catch.

// DefaultNameFragments match the helper processes the platform's tooling is
// known to leave behind: Gradle daemons, the simulated robot program, and
// HAL simulation helpers.
var DefaultNameFragments = []string{"gradle", "frcUserProgram", "halsim"}

// DefaultPortRanges cover NetworkTables and the simulation WebSocket ports.
var DefaultPortRanges = []devnet.PortRange{
	{Lo: 1735, Hi: 1745},
	{Lo: 3300, Hi: 3310},
	{Lo: 5800, Hi: 5820},
}

// Sweeper terminates leftover processes by name fragment and by listening
// port.
type Sweeper struct {
	log           *zap.SugaredLogger
	nameFragments []string
	portRanges    []devnet.PortRange
}

type SweeperOption func(s *Sweeper)

func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.log = l.Named("sweeper").Sugar()
	}
}

func WithNameFragments(fragments []string) SweeperOption {
	return func(s *Sweeper) {
		s.nameFragments = fragments
	}
}

func WithPortRanges(ranges []devnet.PortRange) SweeperOption {
	return func(s *Sweeper) {
		s.portRanges = ranges
	}
}

func NewSweeper(opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		log:           zap.NewNop().Sugar(),
		nameFragments: DefaultNameFragments,
		portRanges:    DefaultPortRanges,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep runs one best-effort pass. It never returns an error.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepByName(ctx)
	s.sweepByPort(ctx)
}

func (s *Sweeper) sweepByName(ctx context.Context) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.log.Debugf("listing processes: %s", err)
		return
	}

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if !s.matches(name) && !s.matches(cmdline) {
			continue
		}
		s.log.Debugw("sweeping leftover process", "PID", p.Pid, "Name", name)
		if err := p.TerminateWithContext(ctx); err != nil {
			s.log.Debugf("terminating pid %d: %s", p.Pid, err)
		}
	}
}

func (s *Sweeper) sweepByPort(ctx context.Context) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		s.log.Debugf("listing connections: %s", err)
		return
	}

	self := int32(os.Getpid())
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid <= 0 || c.Pid == self {
			continue
		}
		if !s.portMatches(int(c.Laddr.Port)) {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			continue
		}
		s.log.Debugw("sweeping process bound to simulation port", "PID", c.Pid, "Port", c.Laddr.Port)
		if err := p.TerminateWithContext(ctx); err != nil {
			s.log.Debugf("terminating pid %d: %s", c.Pid, err)
		}
	}
}

func (s *Sweeper) matches(text string) bool {
	if text == "" {
		return false
	}
	for _, frag := range s.nameFragments {
		if strings.Contains(text, frag) {
			return true
		}
	}
	return false
}

func (s *Sweeper) portMatches(port int) bool {
	for _, r := range s.portRanges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}
