package relay

// eventQueue holds events generated while no consumer could take them.
type eventQueue struct {
	items []Event
}

func (q *eventQueue) push(ev Event) {
	q.items = append(q.items, ev)
}

// pushData appends data to a trailing DataReady entry, or starts a new one.
func (q *eventQueue) pushData(data [][]byte) {
	if n := len(q.items); n > 0 && q.items[n-1].Kind == DataReady {
		q.items[n-1].Data = append(q.items[n-1].Data, data...)
		return
	}
	q.items = append(q.items, Event{Kind: DataReady, Data: append([][]byte(nil), data...)})
}

// take returns the queued events and empties the queue.
func (q *eventQueue) take() []Event {
	items := q.items
	q.items = nil
	return items
}

// keepErrors drops everything but ConnectError and IoError entries.
func (q *eventQueue) keepErrors() {
	q.items = errorsOnly(q.items)
}

func (q *eventQueue) len() int { return len(q.items) }

func errorsOnly(items []Event) []Event {
	var out []Event
	for _, ev := range items {
		if ev.isError() {
			out = append(out, ev)
		}
	}
	return out
}
