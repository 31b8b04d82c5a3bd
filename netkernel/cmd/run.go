package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/netkernel/config"
	"github.com/sarchlab/netkernel/distributed"
	"github.com/sarchlab/netkernel/distributed/inproc"
	"github.com/sarchlab/netkernel/distributed/tcp"
	"github.com/sarchlab/netkernel/examples/ring"
	"github.com/sarchlab/netkernel/simulation"
)

var runFlags struct {
	scheduler    string
	maxTime      string
	transport    string
	ranks        int
	rank         int
	addrs        []string
	lookahead    string
	nodesPerRank int
	hops         int
	hopDelay     string
	monitor      bool
	monitorPort  int
	openBrowser  bool
	record       bool
	output       string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the token ring workload.",
	Long: `Run passes a token around a ring of nodes. With more than one rank ` +
		`the nodes are split over the ranks, either as goroutines of this ` +
		`process (inproc) or as processes connected over TCP.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyRunFlags(cmd, cfg)

		if err := cfg.Validate(); err != nil {
			return err
		}

		return runRing(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runFlags.scheduler, "scheduler", "heap", "scheduler backing (heap, list, map, calendar)")
	f.StringVar(&runFlags.maxTime, "max-time", "", "virtual time past which no event runs")
	f.StringVar(&runFlags.transport, "transport", config.TransportInProc, "how ranks talk (inproc, tcp)")
	f.IntVar(&runFlags.ranks, "ranks", 1, "number of ranks")
	f.IntVar(&runFlags.rank, "rank", 0, "rank of this process (tcp)")
	f.StringSliceVar(&runFlags.addrs, "addrs", nil, "listen address of every rank (tcp)")
	f.StringVar(&runFlags.lookahead, "lookahead", "100ns", "lookahead of the links between ranks")
	f.IntVar(&runFlags.nodesPerRank, "nodes-per-rank", 4, "ring nodes on each rank")
	f.IntVar(&runFlags.hops, "hops", 1000, "hops the token makes")
	f.StringVar(&runFlags.hopDelay, "hop-delay", "10ns", "delay between two nodes")
	f.BoolVar(&runFlags.monitor, "monitor", false, "serve the monitor")
	f.IntVar(&runFlags.monitorPort, "monitor-port", 0, "port of the monitor, random if 0")
	f.BoolVar(&runFlags.openBrowser, "open-browser", false, "open the monitor in a browser")
	f.BoolVar(&runFlags.record, "record", false, "record the executed events into SQLite")
	f.StringVar(&runFlags.output, "output", "", "trace file name without extension")
}

// applyRunFlags copies the flags the user set on top of the configuration.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()

	setString := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}

	setInt := func(name string, dst *int, v int) {
		if f.Changed(name) {
			*dst = v
		}
	}

	setBool := func(name string, dst *bool, v bool) {
		if f.Changed(name) {
			*dst = v
		}
	}

	setString("scheduler", &c.Scheduler, runFlags.scheduler)
	setString("max-time", &c.MaxTime, runFlags.maxTime)
	setString("transport", &c.Distributed.Transport, runFlags.transport)
	setInt("ranks", &c.Distributed.Ranks, runFlags.ranks)
	setInt("rank", &c.Distributed.Rank, runFlags.rank)
	setString("lookahead", &c.Distributed.Lookahead, runFlags.lookahead)
	setInt("nodes-per-rank", &c.Workload.NodesPerRank, runFlags.nodesPerRank)
	setInt("hops", &c.Workload.Hops, runFlags.hops)
	setString("hop-delay", &c.Workload.HopDelay, runFlags.hopDelay)
	setBool("monitor", &c.Monitor.Enabled, runFlags.monitor)
	setInt("monitor-port", &c.Monitor.Port, runFlags.monitorPort)
	setBool("open-browser", &c.Monitor.OpenBrowser, runFlags.openBrowser)
	setBool("record", &c.Record.Enabled, runFlags.record)
	setString("output", &c.Record.Output, runFlags.output)

	if f.Changed("addrs") {
		c.Distributed.Addrs = runFlags.addrs
	}
}

type rankRun struct {
	sim  *simulation.Simulation
	ring *ring.Ring
}

// runRing runs the ranks this process is responsible for and prints where
// the token finished.
func runRing(ctx context.Context, c *config.Config, out io.Writer) error {
	if err := c.ApplyResolution(); err != nil {
		return err
	}

	var (
		runs []rankRun
		err  error
	)

	switch {
	case c.Distributed.Transport == config.TransportTCP:
		runs, err = buildTCPRank(ctx, c)
	case c.Distributed.Ranks == 1:
		runs, err = buildRanks(c, []distributed.Communicator{nil})
	default:
		world := inproc.NewWorld(uint32(c.Distributed.Ranks))
		runs, err = buildRanks(c, world.Communicators())
	}

	if err != nil {
		return err
	}

	defer func() {
		for _, r := range runs {
			if err := r.sim.Terminate(); err != nil {
				logrus.WithError(err).Warn("cannot terminate simulation")
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		r.ring.Start()
		g.Go(func() error { return r.sim.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range runs {
		printArrivals(out, r)
	}

	return nil
}

func buildTCPRank(ctx context.Context, c *config.Config) ([]rankRun, error) {
	comm, err := tcp.Dial(ctx, uint32(c.Distributed.Rank), c.Distributed.Addrs)
	if err != nil {
		return nil, err
	}

	runs, err := buildRanks(c, []distributed.Communicator{comm})
	if err != nil {
		_ = comm.Close()
		return nil, err
	}

	return runs, nil
}

func buildRanks(c *config.Config, comms []distributed.Communicator) ([]rankRun, error) {
	runs := make([]rankRun, 0, len(comms))

	for i, comm := range comms {
		r, err := buildRank(c, comm, i == 0)
		if err != nil {
			for _, built := range runs {
				_ = built.sim.Terminate()
			}

			return nil, err
		}

		runs = append(runs, r)
	}

	return runs, nil
}

func buildRank(c *config.Config, comm distributed.Communicator, first bool) (rankRun, error) {
	maxTime, err := c.MaxTimeValue()
	if err != nil {
		return rankRun{}, err
	}

	lookahead, err := c.LookaheadValue()
	if err != nil {
		return rankRun{}, err
	}

	hopDelay, err := c.HopDelayValue()
	if err != nil {
		return rankRun{}, err
	}

	b := simulation.MakeBuilder().
		WithSchedulerType(c.SchedulerType()).
		WithMaxTime(maxTime)

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		b = b.WithEventLogger(logrus.StandardLogger())
	}

	registry := distributed.NewMapRegistry()
	if comm != nil {
		b = b.WithCommunicator(comm).
			WithRegistry(registry).
			WithDefaultLookahead(lookahead)
	}

	b = withMonitor(b, c, first)
	b = withRecorder(b, c, comm)

	s, err := b.Build()
	if err != nil {
		return rankRun{}, err
	}

	rb := ring.MakeBuilder().
		WithEngine(s.GetEngine()).
		WithNodesPerRank(c.Workload.NodesPerRank).
		WithHops(c.Workload.Hops).
		WithHopDelay(hopDelay)

	if comm != nil {
		rb = rb.WithRank(s.GetRank(), registry)
	}

	r, err := rb.Build()
	if err != nil {
		_ = s.Terminate()
		return rankRun{}, err
	}

	return rankRun{sim: s, ring: r}, nil
}

// withMonitor serves the monitor from one rank per process.
func withMonitor(b simulation.Builder, c *config.Config, first bool) simulation.Builder {
	if !c.Monitor.Enabled || !first {
		return b.WithoutMonitoring()
	}

	b = b.WithMonitorPort(c.Monitor.Port)
	if c.Monitor.OpenBrowser {
		b = b.WithBrowser()
	}

	if c.MaxTime != "" {
		if maxTime, err := c.MaxTimeValue(); err == nil {
			b = b.WithProgressUntil(maxTime)
		}
	}

	return b
}

func withRecorder(
	b simulation.Builder,
	c *config.Config,
	comm distributed.Communicator,
) simulation.Builder {
	if !c.Record.Enabled {
		return b.WithoutRecording()
	}

	if c.Record.Output == "" {
		return b
	}

	output := c.Record.Output
	if comm != nil {
		output = fmt.Sprintf("%s_rank%d", output, comm.Rank())
	}

	return b.WithOutputFileName(output)
}

func printArrivals(out io.Writer, r rankRun) {
	arrivals := r.ring.Arrivals()
	if len(arrivals) == 0 {
		return
	}

	last := arrivals[len(arrivals)-1]
	engine := r.sim.GetEngine()

	rank := uint32(0)
	if r.sim.GetRank() != nil {
		rank = r.sim.GetRank().ID()
	}

	fmt.Fprintf(out, "rank %d: %d visits, last hop %d at node %d, time %s, %d events\n",
		rank, len(arrivals), last.Hop, last.Node, last.Time, engine.EventCount())
}
