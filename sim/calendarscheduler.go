package sim

import "sort"

const (
	calendarMinBuckets = 2
	calendarSampleSize = 25
)

// CalendarScheduler is a calendar queue. Events are hashed into buckets of a
// fixed width, like days of a year, and each bucket is kept sorted. With a
// width matching the event density, Insert and RemoveMin are O(1) on average.
// The number of buckets doubles or halves with the number of events and the
// width is re-estimated from the event spacing on every resize.
type CalendarScheduler struct {
	buckets [][]*Event
	width   VTime
	count   int

	lastBucket int
	bucketTop  VTime
	cacheValid bool
}

// NewCalendarScheduler creates an empty CalendarScheduler.
func NewCalendarScheduler() *CalendarScheduler {
	return &CalendarScheduler{
		buckets: make([][]*Event, calendarMinBuckets),
		width:   1,
	}
}

// Insert adds an event.
func (s *CalendarScheduler) Insert(evt *Event) {
	s.insertIntoBucket(evt)
	s.count++

	if s.cacheValid && evt.key.Time < s.bucketTop-s.width {
		s.cacheValid = false
	}

	if s.count > 2*len(s.buckets) {
		s.resize(2 * len(s.buckets))
	}
}

func (s *CalendarScheduler) insertIntoBucket(evt *Event) {
	b := s.bucketOf(evt.key.Time)
	bucket := s.buckets[b]

	i := sort.Search(len(bucket), func(i int) bool {
		return evt.key.Less(bucket[i].key)
	})

	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = evt
	s.buckets[b] = bucket
}

// PeekMin returns the earliest event without removing it.
func (s *CalendarScheduler) PeekMin() *Event {
	b, _ := s.findMin()
	if b < 0 {
		return nil
	}

	return s.buckets[b][0]
}

// RemoveMin removes and returns the earliest event.
func (s *CalendarScheduler) RemoveMin() *Event {
	b, top := s.findMin()
	if b < 0 {
		return nil
	}

	bucket := s.buckets[b]
	evt := bucket[0]
	bucket[0] = nil
	s.buckets[b] = bucket[1:]
	s.count--

	s.lastBucket = b
	s.bucketTop = top
	s.cacheValid = true

	s.maybeShrink()

	return evt
}

// Remove takes an arbitrary event out of the calendar.
func (s *CalendarScheduler) Remove(evt *Event) bool {
	b := s.bucketOf(evt.key.Time)
	bucket := s.buckets[b]

	i := sort.Search(len(bucket), func(i int) bool {
		return !bucket[i].key.Less(evt.key)
	})
	if i >= len(bucket) || bucket[i] != evt {
		return false
	}

	copy(bucket[i:], bucket[i+1:])
	bucket[len(bucket)-1] = nil
	s.buckets[b] = bucket[:len(bucket)-1]
	s.count--

	s.maybeShrink()

	return true
}

// IsEmpty returns true if there are no events.
func (s *CalendarScheduler) IsEmpty() bool {
	return s.count == 0
}

// Len returns the number of events.
func (s *CalendarScheduler) Len() int {
	return s.count
}

// findMin locates the bucket holding the earliest event and the upper bound
// of the window that bucket covers. It does not change the calendar.
func (s *CalendarScheduler) findMin() (int, VTime) {
	if s.count == 0 {
		return -1, 0
	}

	n := len(s.buckets)

	if s.cacheValid {
		b, top := s.lastBucket, s.bucketTop
		for range n {
			bucket := s.buckets[b]
			if len(bucket) > 0 && bucket[0].key.Time < top {
				return b, top
			}

			b = (b + 1) % n
			top = top.SaturatingAdd(s.width)
		}
	}

	best := -1
	for b, bucket := range s.buckets {
		if len(bucket) == 0 {
			continue
		}

		if best < 0 || bucket[0].key.Less(s.buckets[best][0].key) {
			best = b
		}
	}

	t := s.buckets[best][0].key.Time
	top := (floorDiv(t, s.width) + 1) * s.width
	if top < t {
		top = MaxTime
	}

	return best, top
}

func (s *CalendarScheduler) bucketOf(t VTime) int {
	n := VTime(len(s.buckets))
	b := floorDiv(t, s.width) % n
	if b < 0 {
		b += n
	}

	return int(b)
}

func floorDiv(a, b VTime) VTime {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}

	return q
}

func (s *CalendarScheduler) maybeShrink() {
	n := len(s.buckets)
	if n > calendarMinBuckets && s.count < n/2 {
		s.resize(n / 2)
	}
}

func (s *CalendarScheduler) resize(numBuckets int) {
	if numBuckets < calendarMinBuckets {
		numBuckets = calendarMinBuckets
	}

	events := make([]*Event, 0, s.count)
	for _, bucket := range s.buckets {
		events = append(events, bucket...)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].key.Less(events[j].key)
	})

	s.width = estimateBucketWidth(events)
	s.buckets = make([][]*Event, numBuckets)
	for _, evt := range events {
		b := s.bucketOf(evt.key.Time)
		s.buckets[b] = append(s.buckets[b], evt)
	}

	s.cacheValid = false
}

// estimateBucketWidth returns three times the average separation of the
// earliest events, ignoring separations larger than twice the first average.
func estimateBucketWidth(sorted []*Event) VTime {
	n := min(len(sorted), calendarSampleSize)
	if n < 2 {
		return 1
	}

	gaps := make([]VTime, 0, n-1)
	var total VTime
	for i := 1; i < n; i++ {
		gap := sorted[i].key.Time - sorted[i-1].key.Time
		if gap < 0 {
			gap = MaxTime
		}

		gaps = append(gaps, gap)
		total = total.SaturatingAdd(gap)
	}

	avg := total / VTime(len(gaps))

	var kept, count VTime
	for _, gap := range gaps {
		if gap-avg <= avg {
			kept = kept.SaturatingAdd(gap)
			count++
		}
	}

	if count > 0 {
		avg = kept / count
	}

	return max(avg.SaturatingAdd(avg).SaturatingAdd(avg), 1)
}
