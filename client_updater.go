package analyser

// Contains the ClientUpdater, which publishes JSON-encoded messages giving
// the latest driver state.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// maxQueuedUpdates bounds the queue between the driver and the status socket.
const maxQueuedUpdates = 1000

// UpdateQueue decouples producers of ClientUpdates from the status socket.
// Sends to In never block for longer than the queue's goroutine takes to
// accept them; when more than maxQueuedUpdates are waiting, the oldest are
// dropped.
type UpdateQueue struct {
	in      chan ClientUpdate
	out     chan ClientUpdate
	queue   []ClientUpdate
	dropped int
}

// NewUpdateQueue creates an UpdateQueue and starts its goroutine, which runs
// until In is closed and the queue has drained.
func NewUpdateQueue() *UpdateQueue {
	uq := &UpdateQueue{
		in:  make(chan ClientUpdate),
		out: make(chan ClientUpdate),
	}
	go uq.run()
	return uq
}

func (uq *UpdateQueue) push(u ClientUpdate) {
	uq.queue = append(uq.queue, u)
	if len(uq.queue) > maxQueuedUpdates {
		uq.queue = uq.queue[1:]
		uq.dropped++
		if uq.dropped == 1 || uq.dropped%100 == 0 {
			ProblemLogger.Printf("Status queue full: %d client updates dropped", uq.dropped)
		}
	}
}

func (uq *UpdateQueue) run() {
	for {
		if len(uq.queue) == 0 {
			u, ok := <-uq.in
			if !ok {
				close(uq.out)
				return
			}
			uq.push(u)
			continue
		}
		select {
		case uq.out <- uq.queue[0]:
			uq.queue = uq.queue[1:]
		case u, ok := <-uq.in:
			if !ok {
				for _, item := range uq.queue {
					uq.out <- item
				}
				close(uq.out)
				return
			}
			uq.push(u)
		}
	}
}

// In returns the channel that producers send updates on.
func (uq *UpdateQueue) In() chan<- ClientUpdate { return uq.in }

// Out returns the channel that the status publisher reads from.
func (uq *UpdateQueue) Out() <-chan ClientUpdate { return uq.out }

// statusPublisher keeps the last message for each tag so a client that
// connects late can ask for everything with a SENDALL update.
type statusPublisher struct {
	socket       *zmq.Socket
	lastMessages map[string][]byte
}

func (sp *statusPublisher) publish(update ClientUpdate) error {
	if update.tag == "SENDALL" {
		for tag, msg := range sp.lastMessages {
			if _, err := sp.socket.SendMessage(tag, msg); err != nil {
				return err
			}
		}
		return nil
	}
	msg, err := json.Marshal(update.state)
	if err != nil {
		return fmt.Errorf("encoding %s update: %w", update.tag, err)
	}
	sp.lastMessages[update.tag] = msg
	if update.tag != "PARAMS" {
		UpdateLogger.Printf("%s: %s", update.tag, msg)
	}
	_, err = sp.socket.SendMessage(update.tag, msg)
	return err
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know. It
// returns when messages is closed or abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status socket %s: %w", hostname, err)
	}

	sp := statusPublisher{socket: pubSocket, lastMessages: make(map[string][]byte)}
	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			if err := sp.publish(update); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.tag, err)
			}
		}
	}
}
