package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var _ = Describe("EventLogger", func() {
	It("should log events and state changes", func() {
		logger, records := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)

		engine, err := MakeEngineBuilder().
			WithHook(NewEventLogger(logger)).
			Build()
		Expect(err).NotTo(HaveOccurred())

		engine.ScheduleWithContext(4, 2, func() {})
		Expect(engine.Run()).To(Succeed())

		var events []*logrus.Entry
		for _, entry := range records.AllEntries() {
			if entry.Message == "event" {
				events = append(events, entry)
			}
		}

		Expect(events).To(HaveLen(1))
		Expect(events[0].Data["time"]).To(Equal(int64(2)))
		Expect(events[0].Data["context"]).To(Equal(uint32(4)))
		Expect(records.LastEntry().Data["to"]).To(Equal(EngineTerminated))
	})
})
