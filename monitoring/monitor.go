// Package monitoring serves the state of running engines over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/netkernel/distributed"
	"github.com/sarchlab/netkernel/sim"
)

// RankInspector exposes the progress of a distributed rank.
type RankInspector interface {
	ID() uint32
	Size() uint32
	State() distributed.RankState
	GrantedTime() sim.VTime
	MinLookahead() sim.VTime
	Sent() uint64
	Received() uint64
	Rounds() uint64
}

type stopper interface {
	Stop()
}

// Monitor turns a simulation into a server that reports the progress of its
// engines and ranks.
type Monitor struct {
	portNumber  int
	openBrowser bool
	profileTime time.Duration

	lock    sync.Mutex
	engines map[string]sim.Inspector
	ranks   map[string]RankInspector

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		engines:     make(map[string]sim.Inspector),
		ranks:       make(map[string]RankInspector),
		profileTime: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor. Port numbers below
// 1000 are replaced by a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		logrus.Warnf("port number %d is not allowed for the monitoring server, "+
			"using a random port instead", portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser opens the monitor in a browser once the server starts.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterEngine registers an engine under a name.
func (m *Monitor) RegisterEngine(name string, e sim.Inspector) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.engines[name] = e
}

// RegisterRank registers a distributed rank under a name.
func (m *Monitor) RegisterRank(name string, r RankInspector) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.ranks[name] = r
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the list.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the HTTP routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/engines", m.listEngines)
	r.HandleFunc("/api/engine/{name}", m.engineDetails)
	r.HandleFunc("/api/stop/{name}", m.stopEngine).Methods(http.MethodPost)
	r.HandleFunc("/api/ranks", m.listRanks)
	r.HandleFunc("/api/rank/{name}", m.rankDetails)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts serving in the background and returns the address the
// server listens on.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitoring: listening: %w", err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := fmt.Sprintf("localhost:%d", listener.Addr().(*net.TCPAddr).Port)
	url := "http://" + addr
	logrus.Infof("Monitoring simulation with %s", url)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("monitoring server stopped")
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			logrus.WithError(err).Warn("cannot open browser")
		}
	}

	return addr, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) engineNames() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (m *Monitor) findEngine(name string) (sim.Inspector, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	e, ok := m.engines[name]

	return e, ok
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := make(map[string]int64)
	for _, name := range m.engineNames() {
		e, _ := m.findEngine(name)
		now[name] = int64(e.Now())
	}

	writeJSON(w, now)
}

func (m *Monitor) listEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.engineNames())
}

// engineStatus is a snapshot of an engine.
type engineStatus struct {
	Name           string
	Now            int64
	Resolution     string
	CurrentUID     uint64
	CurrentContext uint32
	EventCount     uint64
	State          string
}

func (m *Monitor) engineDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	e, ok := m.findEngine(name)
	if !ok {
		notFound(w, "engine", name)
		return
	}

	status := &engineStatus{
		Name:           name,
		Now:            int64(e.Now()),
		Resolution:     sim.CurrentResolution().String(),
		CurrentUID:     e.CurrentUID(),
		CurrentContext: e.CurrentContext(),
		EventCount:     e.EventCount(),
		State:          e.State().String(),
	}

	serialize(w, status)
}

func (m *Monitor) stopEngine(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	e, ok := m.findEngine(name)
	if !ok {
		notFound(w, "engine", name)
		return
	}

	s, ok := e.(stopper)
	if !ok {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.Stop()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) listRanks(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	names := make([]string, 0, len(m.ranks))
	for name := range m.ranks {
		names = append(names, name)
	}
	m.lock.Unlock()

	sort.Strings(names)
	writeJSON(w, names)
}

type rankStatus struct {
	Name         string
	ID           uint32
	Size         uint32
	State        string
	GrantedTime  int64
	MinLookahead int64
	Sent         uint64
	Received     uint64
	Rounds       uint64
}

func (m *Monitor) rankDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	m.lock.Lock()
	rank, ok := m.ranks[name]
	m.lock.Unlock()

	if !ok {
		notFound(w, "rank", name)
		return
	}

	status := &rankStatus{
		Name:         name,
		ID:           rank.ID(),
		Size:         rank.Size(),
		State:        rank.State().String(),
		GrantedTime:  int64(rank.GrantedTime()),
		MinLookahead: int64(rank.MinLookahead()),
		Sent:         rank.Sent(),
		Received:     rank.Received(),
		Rounds:       rank.Rounds(),
	}

	serialize(w, status)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressStatus, len(m.progressBars))
	for i, b := range m.progressBars {
		bars[i] = b.snapshot()
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		internalError(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		internalError(w, err)
		return
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		internalError(w, err)
		return
	}

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		internalError(w, err)
		return
	}

	time.Sleep(m.profileTime)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		internalError(w, err)
		return
	}

	writeJSON(w, prof)
}

func serialize(w http.ResponseWriter, v any) {
	serializer := goseth.NewSerializer()
	serializer.SetRoot(v)
	serializer.SetMaxDepth(1)

	if err := serializer.Serialize(w); err != nil {
		logrus.WithError(err).Error("cannot serialize")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		internalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(data); err != nil {
		logrus.WithError(err).Debug("cannot write response")
	}
}

func notFound(w http.ResponseWriter, kind, name string) {
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "%s %s not found", kind, name)
}

func internalError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "Error: %s", err)
}
