package simulation

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/netkernel/datarecording"
	"github.com/sarchlab/netkernel/distributed"
	"github.com/sarchlab/netkernel/distributed/inproc"
	"github.com/sarchlab/netkernel/sim"
)

var _ = Describe("Simulation", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should reject a monitor port without monitoring", func() {
		_, err := MakeBuilder().
			WithoutMonitoring().
			WithMonitorPort(8080).
			Build()

		Expect(err).To(MatchError(ErrMonitorPortWithoutMonitor))
	})

	It("should reject an unknown scheduler", func() {
		_, err := MakeBuilder().
			WithoutMonitoring().
			WithoutRecording().
			WithSchedulerType("splay").
			Build()

		Expect(err).To(MatchError(sim.ErrUnknownScheduler))
	})

	It("should run a single-process simulation", func() {
		s, err := MakeBuilder().
			WithoutMonitoring().
			WithoutRecording().
			WithSchedulerType(sim.CalendarSchedulerType).
			WithMaxTime(100).
			Build()
		Expect(err).NotTo(HaveOccurred())
		Expect(s.ID()).NotTo(BeEmpty())
		Expect(s.GetRank()).To(BeNil())
		Expect(s.GetDataRecorder()).To(BeNil())
		Expect(s.GetMonitor()).To(BeNil())

		var times []sim.VTime
		engine := s.GetEngine()
		for _, t := range []sim.VTime{30, 10, 200, 100} {
			engine.Schedule(t, func() { times = append(times, engine.Now()) })
		}

		Expect(s.Run(context.Background())).To(Succeed())
		Expect(s.Terminate()).To(Succeed())

		Expect(times).To(Equal([]sim.VTime{10, 30, 100}))
	})

	It("should record the executed events", func() {
		path := filepath.Join(dir, "trace")

		s, err := MakeBuilder().
			WithoutMonitoring().
			WithOutputFileName(path).
			Build()
		Expect(err).NotTo(HaveOccurred())

		engine := s.GetEngine()
		engine.ScheduleWithContext(3, 5, func() {})
		engine.ScheduleWithContext(4, 7, func() {})

		Expect(s.Run(context.Background())).To(Succeed())
		Expect(s.Terminate()).To(Succeed())

		reader, err := datarecording.NewReader(path + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		reader.MapTable("event", datarecording.EventEntry{})
		rows, total, err := reader.Query(context.Background(), "event",
			datarecording.QueryParams{OrderBy: "Time"})
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(2))
		Expect(rows[0]).To(Equal(&datarecording.EventEntry{Time: 5, UID: 1, Context: 3}))
		Expect(rows[1]).To(Equal(&datarecording.EventEntry{Time: 7, UID: 2, Context: 4}))
	})

	It("should serve the engine on the monitor", func() {
		s, err := MakeBuilder().
			WithoutRecording().
			WithProgressUntil(50).
			Build()
		Expect(err).NotTo(HaveOccurred())
		defer func() { Expect(s.Terminate()).To(Succeed()) }()

		Expect(s.GetMonitor()).NotTo(BeNil())

		rsp, err := http.Get("http://" + s.MonitorAddr() + "/api/engines")
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should run the ranks of a distributed simulation", func() {
		const lookahead = sim.VTime(10)

		world := inproc.NewWorld(2)
		sims := make([]*Simulation, 2)
		registries := make([]*distributed.MapRegistry, 2)

		for i := range sims {
			registries[i] = distributed.NewMapRegistry()

			s, err := MakeBuilder().
				WithoutMonitoring().
				WithOutputFileName(filepath.Join(dir, fmt.Sprintf("rank%d", i))).
				WithCommunicator(world.Communicator(uint32(i))).
				WithRegistry(registries[i]).
				WithDefaultLookahead(lookahead).
				Build()
			Expect(err).NotTo(HaveOccurred())

			sims[i] = s
		}

		var receivedAt sim.VTime
		var payload []byte

		receiver := sims[1].GetEngine()
		node := distributed.NewBasicNode(1)
		node.AddDevice(0, distributed.DeviceFunc(func(p []byte) {
			receivedAt = receiver.Now()
			payload = p
		}))
		registries[1].Add(7, node)

		sender := sims[0]
		sender.GetEngine().Schedule(2, func() {
			err := sender.GetRank().Send(1, distributed.Record{
				Time:    2 + lookahead,
				Node:    7,
				Payload: []byte("ping"),
			})
			Expect(err).NotTo(HaveOccurred())
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		for _, s := range sims {
			g.Go(func() error { return s.Run(ctx) })
		}

		Expect(g.Wait()).To(Succeed())

		for _, s := range sims {
			Expect(s.GetRank().State()).To(Equal(distributed.RankFinalized))
			Expect(s.Terminate()).To(Succeed())
		}

		Expect(receivedAt).To(Equal(2 + lookahead))
		Expect(payload).To(Equal([]byte("ping")))
	})
})
