package relay

import "fmt"

// Kind identifies the variant of an Event.
type Kind int

const (
	Connected Kind = iota
	ConnectError
	DataReady
	IoError
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case ConnectError:
		return "connect-error"
	case DataReady:
		return "data-ready"
	case IoError:
		return "io-error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one inbound notification from a transport.
//
// Data is set for DataReady and holds the fragments in arrival order. Err is
// set for ConnectError and IoError. Once handed to the relay the event and its
// buffers belong to the relay; producers must not modify them afterwards.
type Event struct {
	Kind Kind
	Data [][]byte
	Err  error
}

// ConnectedEvent returns a Connected event.
func ConnectedEvent() Event { return Event{Kind: Connected} }

// ConnectErrorEvent returns a ConnectError event carrying err.
func ConnectErrorEvent(err error) Event { return Event{Kind: ConnectError, Err: err} }

// DataEvent returns a DataReady event for a single fragment.
func DataEvent(p []byte) Event { return Event{Kind: DataReady, Data: [][]byte{p}} }

// IoErrorEvent returns an IoError event carrying err.
func IoErrorEvent(err error) Event { return Event{Kind: IoError, Err: err} }

func (e Event) isError() bool {
	return e.Kind == ConnectError || e.Kind == IoError
}

// deliver invokes the callback of c matching the event kind.
func (e Event) deliver(c Consumer) {
	switch e.Kind {
	case Connected:
		c.OnConnected()
	case ConnectError:
		c.OnConnectError(e.Err)
	case DataReady:
		c.OnDataReady(e.Data)
	case IoError:
		c.OnIoError(e.Err)
	}
}

// nonEmpty returns data without zero-length fragments. It only copies when
// something has to be removed.
func nonEmpty(data [][]byte) [][]byte {
	for i, p := range data {
		if len(p) > 0 {
			continue
		}
		out := append([][]byte(nil), data[:i]...)
		for _, q := range data[i+1:] {
			if len(q) > 0 {
				out = append(out, q)
			}
		}
		return out
	}
	return data
}
