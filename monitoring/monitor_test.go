package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/netkernel/distributed"
	"github.com/sarchlab/netkernel/sim"
)

type fakeRank struct{}

func (fakeRank) ID() uint32                   { return 1 }
func (fakeRank) Size() uint32                 { return 2 }
func (fakeRank) State() distributed.RankState { return distributed.RankRunning }
func (fakeRank) GrantedTime() sim.VTime       { return 30 }
func (fakeRank) MinLookahead() sim.VTime      { return 10 }
func (fakeRank) Sent() uint64                 { return 4 }
func (fakeRank) Received() uint64             { return 3 }
func (fakeRank) Rounds() uint64               { return 7 }

var _ = Describe("Monitor", func() {
	var (
		monitor *Monitor
		engine  *sim.SerialEngine
		server  *httptest.Server
	)

	get := func(path string) (int, []byte) {
		rsp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())

		return rsp.StatusCode, body
	}

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		monitor = NewMonitor()
		monitor.profileTime = 10 * time.Millisecond
		monitor.RegisterEngine("rank0", engine)
		monitor.RegisterRank("rank0", fakeRank{})

		server = httptest.NewServer(monitor.Router())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should list engines in name order", func() {
		monitor.RegisterEngine("a", sim.NewSerialEngine())

		code, body := get("/api/engines")

		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`["a", "rank0"]`))
	})

	It("should report the time of each engine", func() {
		engine.Schedule(25, func() {})
		Expect(engine.Run()).To(Succeed())

		code, body := get("/api/now")

		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`{"rank0": 25}`))
	})

	It("should serialize the engine details", func() {
		code, body := get("/api/engine/rank0")

		Expect(code).To(Equal(http.StatusOK))
		Expect(body).NotTo(BeEmpty())
	})

	It("should report unknown engines", func() {
		code, _ := get("/api/engine/nope")

		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("should stop an engine", func() {
		rsp, err := http.Post(server.URL+"/api/stop/rank0", "", nil)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))

		fired := false
		engine.Schedule(5, func() { fired = true })
		Expect(engine.Run()).To(Succeed())

		Expect(fired).To(BeFalse())
	})

	It("should list and serialize ranks", func() {
		code, body := get("/api/ranks")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`["rank0"]`))

		code, _ = get("/api/rank/rank0")
		Expect(code).To(Equal(http.StatusOK))

		code, _ = get("/api/rank/rank9")
		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("should report resources", func() {
		code, body := get("/api/resource")

		Expect(code).To(Equal(http.StatusOK))

		rsp := resourceRsp{}
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		code, body := get("/api/profile")

		Expect(code).To(Equal(http.StatusOK))
		Expect(body).NotTo(BeEmpty())
	})

	Context("progress", func() {
		It("should list progress bars", func() {
			bar := monitor.CreateProgressBar("load", 10)
			bar.SetFinished(3)

			code, body := get("/api/progress")
			Expect(code).To(Equal(http.StatusOK))

			var bars []map[string]any
			Expect(json.Unmarshal(body, &bars)).To(Succeed())
			Expect(bars).To(HaveLen(1))
			Expect(bars[0]["name"]).To(Equal("load"))
			Expect(bars[0]["finished"]).To(BeNumerically("==", 3))
			Expect(bars[0]["total"]).To(BeNumerically("==", 10))

			bar.SetFinished(25)
			Expect(bar.snapshot().Finished).To(Equal(uint64(10)))

			monitor.CompleteProgressBar(bar)

			_, body = get("/api/progress")
			Expect(body).To(MatchJSON(`[]`))
		})

		It("should follow the virtual time of an engine", func() {
			hook := monitor.NewProgressHook("run", 100)
			engine.AcceptHook(hook)

			var seen []uint64
			for _, t := range []sim.VTime{20, 60, 150} {
				engine.Schedule(t, func() {})
			}
			engine.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				if ctx.Pos == sim.HookPosAfterEvent {
					seen = append(seen, hook.Bar().snapshot().Finished)
				}
			}))

			Expect(engine.Run()).To(Succeed())

			Expect(seen).To(Equal([]uint64{20, 60, 100}))
			Expect(monitor.progressBars).To(BeEmpty())
		})
	})

	It("should serve on a random port", func() {
		m := NewMonitor().WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))

		addr, err := m.StartServer()
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() error {
			rsp, err := http.Get(fmt.Sprintf("http://%s/api/engines", addr))
			if err != nil {
				return err
			}
			return rsp.Body.Close()
		}).Should(Succeed())

		Expect(m.StopServer(context.Background())).To(Succeed())
	})
})
