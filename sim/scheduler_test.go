package sim

import (
	"fmt"
	"math/rand"
	"sort"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func randomEvents(n int, span int64) []*Event {
	events := make([]*Event, n)
	for i := range events {
		events[i] = NewEvent(VTime(rand.Int63n(span)), uint64(i+1), NoContext, func() {})
	}

	return events
}

func sortedKeys(events []*Event) []EventKey {
	keys := make([]EventKey, len(events))
	for i, e := range events {
		keys[i] = e.Key()
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	return keys
}

func drain(s Scheduler) []EventKey {
	var keys []EventKey
	for !s.IsEmpty() {
		keys = append(keys, s.RemoveMin().Key())
	}

	return keys
}

var _ = Describe("Scheduler", func() {
	for _, t := range SchedulerTypes {
		schedulerType := t

		Context(fmt.Sprintf("of type %s", schedulerType), func() {
			var s Scheduler

			BeforeEach(func() {
				var err error
				s, err = NewScheduler(schedulerType)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should be empty", func() {
				Expect(s.IsEmpty()).To(BeTrue())
				Expect(s.Len()).To(Equal(0))
				Expect(s.PeekMin()).To(BeNil())
				Expect(s.RemoveMin()).To(BeNil())
			})

			It("should pop in order", func() {
				events := randomEvents(1000, 100)
				for _, e := range events {
					s.Insert(e)
				}

				Expect(s.Len()).To(Equal(1000))
				Expect(drain(s)).To(Equal(sortedKeys(events)))
			})

			It("should break ties by uid", func() {
				for uid := uint64(10); uid > 0; uid-- {
					s.Insert(NewEvent(7, uid, NoContext, func() {}))
				}

				keys := drain(s)
				for i, k := range keys {
					Expect(k).To(Equal(EventKey{Time: 7, UID: uint64(i + 1)}))
				}
			})

			It("should peek without removing", func() {
				s.Insert(NewEvent(5, 1, NoContext, func() {}))
				s.Insert(NewEvent(3, 2, NoContext, func() {}))

				Expect(s.PeekMin().Time()).To(Equal(VTime(3)))
				Expect(s.PeekMin().Time()).To(Equal(VTime(3)))
				Expect(s.Len()).To(Equal(2))
			})

			It("should remove arbitrary events", func() {
				events := randomEvents(200, 1000)
				for _, e := range events {
					s.Insert(e)
				}

				var kept []*Event
				for i, e := range events {
					if i%3 == 0 {
						Expect(s.Remove(e)).To(BeTrue())
						continue
					}

					kept = append(kept, e)
				}

				Expect(s.Remove(events[0])).To(BeFalse())
				Expect(drain(s)).To(Equal(sortedKeys(kept)))
			})

			It("should interleave inserts and removals", func() {
				var all []*Event
				var popped []EventKey
				now := VTime(0)
				uid := uint64(0)

				for round := 0; round < 50; round++ {
					for i := 0; i < 20; i++ {
						uid++
						e := NewEvent(now+VTime(rand.Int63n(500)), uid, NoContext, func() {})
						all = append(all, e)
						s.Insert(e)
					}

					for i := 0; i < 15; i++ {
						e := s.RemoveMin()
						now = e.Time()
						popped = append(popped, e.Key())
					}
				}

				popped = append(popped, drain(s)...)
				Expect(popped).To(Equal(sortedKeys(all)))
			})
		})
	}

	It("should reject unknown types", func() {
		_, err := NewScheduler("splay")
		Expect(err).To(MatchError(ErrUnknownScheduler))

		_, err = ParseSchedulerType("splay")
		Expect(err).To(MatchError(ErrUnknownScheduler))
	})

	It("should parse known types", func() {
		t, err := ParseSchedulerType(" Calendar ")
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(CalendarSchedulerType))
	})

	It("should run engines identically on every scheduler", func() {
		seed := rand.Int63()

		var traces [][]EventInfo
		for _, t := range SchedulerTypes {
			e, err := MakeEngineBuilder().WithSchedulerType(t).Build()
			Expect(err).NotTo(HaveOccurred())

			var trace []EventInfo
			r := rand.New(rand.NewSource(seed))

			var spawn func()
			spawn = func() {
				trace = append(trace, EventInfo{
					Time:    e.Now(),
					UID:     e.CurrentUID(),
					Context: e.CurrentContext(),
				})

				if len(trace) < 2000 {
					e.ScheduleWithContext(uint32(r.Intn(8)), VTime(r.Int63n(20)), spawn)
				}

				if r.Intn(4) == 0 {
					id := e.Schedule(VTime(r.Int63n(20)), spawn)
					e.Cancel(id)
				}
			}

			for i := 0; i < 10; i++ {
				e.ScheduleWithContext(uint32(i), VTime(r.Int63n(20)), spawn)
			}

			Expect(e.Run()).To(Succeed())
			traces = append(traces, trace)
		}

		for _, trace := range traces[1:] {
			Expect(trace).To(Equal(traces[0]))
		}
	})
})

var _ = Describe("CalendarScheduler", func() {
	It("should resize with the number of events", func() {
		s := NewCalendarScheduler()

		for i := 0; i < 1000; i++ {
			s.Insert(NewEvent(VTime(i*10), uint64(i+1), NoContext, func() {}))
		}

		Expect(len(s.buckets)).To(BeNumerically(">=", 500))
		Expect(s.width).To(BeNumerically(">", 1))

		for i := 0; i < 990; i++ {
			Expect(s.RemoveMin().Time()).To(Equal(VTime(i * 10)))
		}

		Expect(len(s.buckets)).To(BeNumerically("<", 64))
	})

	It("should handle events far in the future", func() {
		s := NewCalendarScheduler()
		s.Insert(NewEvent(MaxTime, 1, NoContext, func() {}))
		s.Insert(NewEvent(-5, 2, NoContext, func() {}))
		s.Insert(NewEvent(3, 3, NoContext, func() {}))

		Expect(drain(s)).To(Equal([]EventKey{
			{Time: -5, UID: 2},
			{Time: 3, UID: 3},
			{Time: MaxTime, UID: 1},
		}))
	})
})
