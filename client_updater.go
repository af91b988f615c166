package tcspc

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest server state on a ZMQ PUB socket.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/usnistgov/tcspc/tttr"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientMessageChan carries every message bound for the status port.
var clientMessageChan chan ClientUpdate

func init() {
	clientMessageChan = make(chan ClientUpdate, 100)
}

// Tags whose messages are too frequent to log or to replay on SENDALL.
var nologTags = map[string]bool{
	"HEARTBEAT": true,
	"MARKERS":   true,
}

// publisher is the part of a zmq4 socket the updater needs.
type publisher interface {
	SendMessage(parts ...interface{}) (int, error)
}

// clientUpdater remembers the latest message of each tag, so a client that
// connects late can ask for all of them with a SENDALL update.
type clientUpdater struct {
	pub          publisher
	lastMessages map[string][]byte
	lastLogged   map[string]time.Time
}

func newClientUpdater(pub publisher) *clientUpdater {
	return &clientUpdater{
		pub:          pub,
		lastMessages: make(map[string][]byte),
		lastLogged:   make(map[string]time.Time),
	}
}

func (cu *clientUpdater) publish(update ClientUpdate) {
	if update.tag == "SENDALL" {
		for tag, message := range cu.lastMessages {
			if _, err := cu.pub.SendMessage(tag, message); err != nil {
				ProblemLogger.Printf("client updater could not resend %s: %v", tag, err)
			}
		}
		return
	}
	message, err := json.Marshal(update.state)
	if err != nil {
		ProblemLogger.Printf("client updater could not marshal %s message: %v", update.tag, err)
		return
	}
	if _, err := cu.pub.SendMessage(update.tag, message); err != nil {
		ProblemLogger.Printf("client updater could not send %s: %v", update.tag, err)
	}
	if nologTags[update.tag] {
		return
	}
	cu.lastMessages[update.tag] = message
	// Log each tag at most once per second
	if time.Since(cu.lastLogged[update.tag]) > time.Second {
		UpdateLogger.Printf("SEND %v %v", update.tag, string(message))
		cu.lastLogged[update.tag] = time.Now()
	}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know.
func RunClientUpdater(statusport int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create client updater socket: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind client updater socket to %s: %v", hostname, err)
		return
	}

	cu := newClientUpdater(pubSocket)
	for {
		select {
		case <-abort:
			return
		case update := <-clientMessageChan:
			cu.publish(update)
		}
	}
}

// forwardHeartbeats publishes heartbeats until the channel is closed.
func forwardHeartbeats(heartbeats <-chan Heartbeat, updates chan<- ClientUpdate) {
	for hb := range heartbeats {
		updates <- ClientUpdate{"HEARTBEAT", hb}
	}
}

// MarkerMessage is the published form of one marker event.
type MarkerMessage struct {
	Time    uint64
	Markers uint32
}

// MarkerPublisher is a BatchObserver that publishes the markers of each
// batch as one MARKERS message. If the client updater falls behind, marker
// messages are dropped and counted rather than stalling the acquisition.
type MarkerPublisher struct {
	messages chan<- ClientUpdate
	Dropped  uint64
}

// NewMarkerPublisher returns a MarkerPublisher sending to the status port.
func NewMarkerPublisher() *MarkerPublisher {
	return &MarkerPublisher{messages: clientMessageChan}
}

func newMarkerPublisher(updates chan<- ClientUpdate) *MarkerPublisher {
	return &MarkerPublisher{messages: updates}
}

// ObserveBatch publishes the markers in b, if any.
func (mp *MarkerPublisher) ObserveBatch(b *Batch) error {
	var msgs []MarkerMessage
	for _, ev := range b.Events {
		if ev.Kind == tttr.Marker {
			msgs = append(msgs, MarkerMessage{Time: ev.Time, Markers: ev.Markers})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	select {
	case mp.messages <- ClientUpdate{"MARKERS", msgs}:
	default:
		mp.Dropped += uint64(len(msgs))
	}
	return nil
}
