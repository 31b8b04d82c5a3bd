package simulation

import (
	"errors"
	"strconv"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/netkernel/datarecording"
	"github.com/sarchlab/netkernel/distributed"
	"github.com/sarchlab/netkernel/monitoring"
	"github.com/sarchlab/netkernel/sim"
)

// ErrMonitorPortWithoutMonitor is returned when a monitor port is set while
// monitoring is disabled.
var ErrMonitorPortWithoutMonitor = errors.New(
	"simulation: monitor port cannot be set when monitoring is disabled")

// Builder can be used to build a simulation.
type Builder struct {
	schedulerType sim.SchedulerType
	maxTime       sim.VTime

	comm             distributed.Communicator
	registry         distributed.Registry
	defaultLookahead sim.VTime
	lookahead        map[uint32]sim.VTime

	monitorOn   bool
	monitorPort int
	openBrowser bool
	progressTo  sim.VTime

	recordOn       bool
	outputFileName string

	eventLogger logrus.FieldLogger
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		schedulerType: sim.HeapSchedulerType,
		maxTime:       sim.MaxTime,
		monitorOn:     true,
		recordOn:      true,
	}
}

// WithSchedulerType sets the scheduler backing of the engine.
func (b Builder) WithSchedulerType(t sim.SchedulerType) Builder {
	b.schedulerType = t
	return b
}

// WithMaxTime sets the time past which no event executes.
func (b Builder) WithMaxTime(t sim.VTime) Builder {
	b.maxTime = t
	return b
}

// WithCommunicator makes the simulation one rank of a distributed
// simulation. The simulation owns the communicator and closes it when the
// rank leaves.
func (b Builder) WithCommunicator(c distributed.Communicator) Builder {
	b.comm = c
	return b
}

// WithRegistry sets the registry that resolves records from other ranks.
func (b Builder) WithRegistry(r distributed.Registry) Builder {
	b.registry = r
	return b
}

// WithDefaultLookahead sets the lookahead of links to other ranks.
func (b Builder) WithDefaultLookahead(l sim.VTime) Builder {
	b.defaultLookahead = l
	return b
}

// WithLookahead sets the lookahead of the link to one peer rank.
func (b Builder) WithLookahead(peer uint32, l sim.VTime) Builder {
	lookahead := make(map[uint32]sim.VTime, len(b.lookahead)+1)
	for k, v := range b.lookahead {
		lookahead[k] = v
	}

	lookahead[peer] = l
	b.lookahead = lookahead

	return b
}

// WithoutMonitoring sets the simulation to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

// WithBrowser opens the monitor in a browser.
func (b Builder) WithBrowser() Builder {
	b.openBrowser = true
	return b
}

// WithProgressUntil shows a progress bar on the monitor that fills up as
// the engine approaches t.
func (b Builder) WithProgressUntil(t sim.VTime) Builder {
	b.progressTo = t
	return b
}

// WithoutRecording disables the SQLite trace.
func (b Builder) WithoutRecording() Builder {
	b.recordOn = false
	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.outputFileName = filename
	return b
}

// WithEventLogger logs every event at debug level.
func (b Builder) WithEventLogger(logger logrus.FieldLogger) Builder {
	b.eventLogger = logger
	return b
}

func (b Builder) parametersMustBeValid() error {
	if !b.monitorOn && b.monitorPort != 0 {
		return ErrMonitorPortWithoutMonitor
	}

	return nil
}

// Build builds the simulation. The monitoring server, if any, is started
// here.
func (b Builder) Build() (*Simulation, error) {
	if err := b.parametersMustBeValid(); err != nil {
		return nil, err
	}

	id := xid.New().String()
	s := &Simulation{
		id:     id,
		logger: logrus.WithField("simulation", id),
	}

	engine, err := sim.MakeEngineBuilder().
		WithSchedulerType(b.schedulerType).
		WithMaxTime(b.maxTime).
		Build()
	if err != nil {
		return nil, err
	}

	s.engine = engine

	if b.eventLogger != nil {
		engine.AcceptHook(sim.NewEventLogger(b.eventLogger))
	}

	if b.comm != nil {
		if err := b.buildRank(s); err != nil {
			return nil, err
		}
	}

	if b.recordOn {
		if err := b.buildRecorder(s); err != nil {
			return nil, err
		}
	}

	if b.monitorOn {
		if err := b.buildMonitor(s); err != nil {
			s.closeRecorder()
			return nil, err
		}
	}

	return s, nil
}

func (b Builder) buildRank(s *Simulation) error {
	rb := distributed.MakeBuilder().
		WithEngine(s.engine).
		WithOwnedCommunicator(b.comm).
		WithRegistry(b.registry).
		WithDefaultLookahead(b.defaultLookahead).
		WithLogger(s.logger)

	for peer, l := range b.lookahead {
		rb = rb.WithLookahead(peer, l)
	}

	rank, err := rb.Build()
	if err != nil {
		return err
	}

	s.rank = rank

	return nil
}

func (b Builder) buildRecorder(s *Simulation) error {
	path := b.outputFileName
	if path == "" {
		path = "netkernel_sim_" + s.id
		if s.rank != nil {
			path += "_rank" + strconv.FormatUint(uint64(s.rank.ID()), 10)
		}
	}

	recorder, err := datarecording.New(path)
	if err != nil {
		return err
	}

	s.dataRecorder = recorder
	s.execRecorder = datarecording.NewExecRecorder(recorder)
	s.execRecorder.Set("Simulation ID", s.id)
	s.execRecorder.Set("Scheduler", string(b.schedulerType))

	var rankID uint32
	if s.rank != nil {
		rankID = s.rank.ID()
		s.execRecorder.Set("Rank", strconv.FormatUint(uint64(rankID), 10))
		s.execRecorder.Set("Size", strconv.FormatUint(uint64(s.rank.Size()), 10))
	}

	s.engine.AcceptHook(datarecording.NewEventRecorder(recorder, rankID))

	return nil
}

func (b Builder) buildMonitor(s *Simulation) error {
	s.monitor = monitoring.NewMonitor().
		WithPortNumber(b.monitorPort).
		WithBrowser(b.openBrowser)

	name := "engine"
	if s.rank != nil {
		name = "rank" + strconv.FormatUint(uint64(s.rank.ID()), 10)
		s.monitor.RegisterRank(name, s.rank)
	}

	s.monitor.RegisterEngine(name, s.engine)

	if b.progressTo > 0 {
		s.engine.AcceptHook(s.monitor.NewProgressHook(name, b.progressTo))
	}

	addr, err := s.monitor.StartServer()
	if err != nil {
		return err
	}

	s.monitorAddr = addr

	return nil
}
