// Package simulation assembles an engine, an optional distributed rank, a
// trace recorder and a monitor into one runnable simulation.
package simulation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/netkernel/datarecording"
	"github.com/sarchlab/netkernel/distributed"
	"github.com/sarchlab/netkernel/monitoring"
	"github.com/sarchlab/netkernel/sim"
)

// A Simulation provides the service requires to run a simulation.
type Simulation struct {
	id     string
	logger logrus.FieldLogger

	engine *sim.SerialEngine
	rank   *distributed.Rank

	dataRecorder datarecording.DataRecorder
	execRecorder *datarecording.ExecRecorder

	monitor     *monitoring.Monitor
	monitorAddr string
}

// ID returns the unique id of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// GetEngine returns the engine used in the simulation.
func (s *Simulation) GetEngine() *sim.SerialEngine {
	return s.engine
}

// GetRank returns the distributed rank, or nil for a single-process
// simulation.
func (s *Simulation) GetRank() *distributed.Rank {
	return s.rank
}

// GetDataRecorder returns the data recorder used in the simulation, or nil
// when recording is off.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor used in the simulation, or nil when
// monitoring is off.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorAddr returns the address the monitor listens on.
func (s *Simulation) MonitorAddr() string {
	return s.monitorAddr
}

// Run runs the simulation to the end. A distributed simulation joins the
// other ranks, runs, and leaves.
func (s *Simulation) Run(ctx context.Context) error {
	if s.execRecorder != nil {
		s.execRecorder.Start()
		defer s.execRecorder.End()
	}

	start := time.Now()

	var err error
	if s.rank == nil {
		err = s.engine.Run()
	} else {
		err = s.runRank(ctx)
	}

	s.logger.WithFields(logrus.Fields{
		"now":    s.engine.Now().String(),
		"events": s.engine.EventCount(),
		"wall":   time.Since(start).String(),
	}).Info("simulation finished")

	return err
}

func (s *Simulation) runRank(ctx context.Context) error {
	if err := s.rank.Join(ctx); err != nil {
		return err
	}

	runErr := s.rank.Run(ctx)
	leaveErr := s.rank.Leave(ctx)

	return errors.Join(runErr, leaveErr)
}

// Terminate stops the monitor and closes the recorder.
func (s *Simulation) Terminate() error {
	var err error

	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = s.monitor.StopServer(ctx)
	}

	return errors.Join(err, s.closeRecorder())
}

func (s *Simulation) closeRecorder() error {
	if s.dataRecorder == nil {
		return nil
	}

	err := s.dataRecorder.Close()
	s.dataRecorder = nil

	return err
}
