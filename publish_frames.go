package analyser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/sbinet/npyio"
)

// frameHeader is the JSON first part of a published frame message.
type frameHeader struct {
	UniqueID      int
	Timestamp     time.Time
	RunID         string
	Iteration     int
	RunMode       RunMode
	Channels      int
	Slices        int
	Iterations    int
	CurrentStep   int
	ElapsedTimeMs float64
	IntensityUnit string
	ChannelUnit   string
	SliceUnit     string
	ChannelScale  []float64
	SliceScale    []float64
	RawWidth      int `json:",omitempty"`
	RawHeight     int `json:",omitempty"`
	IOPorts       int `json:",omitempty"`
}

// encodeFrameMessage returns the parts of a frame message: the JSON header,
// then the spectrum and the image, each encoded as a .npy array.
func encodeFrameMessage(f *DataFrame) ([][]byte, error) {
	h := frameHeader{
		UniqueID:      f.UniqueID,
		Timestamp:     f.Timestamp,
		RunID:         f.RunID.String(),
		Iteration:     f.Iteration,
		RunMode:       f.RunMode,
		Channels:      f.Channels,
		Slices:        f.SliceCount,
		Iterations:    f.Iterations,
		CurrentStep:   f.CurrentStep,
		ElapsedTimeMs: f.ElapsedTimeMs,
		IntensityUnit: f.IntensityUnit,
		ChannelUnit:   f.ChannelUnit,
		SliceUnit:     f.SliceUnit,
		ChannelScale:  f.ChannelScale,
		SliceScale:    f.SliceScale,
		RawWidth:      f.RawWidth,
		RawHeight:     f.RawHeight,
	}
	if f.ExternalIO != nil {
		h.IOPorts = f.ExternalIO.Ports
	}
	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding frame header: %w", err)
	}
	var spectrum, image bytes.Buffer
	if err := npyio.Write(&spectrum, f.Spectrum); err != nil {
		return nil, fmt.Errorf("encoding spectrum: %w", err)
	}
	if err := npyio.Write(&image, f.Image); err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	return [][]byte{header, spectrum.Bytes(), image.Bytes()}, nil
}

// maxQueuedFrames is how many frames may wait for the ZMQ publisher before
// new ones are dropped.
const maxQueuedFrames = 16

// ZMQPublisher publishes frames on a ZMQ PUB socket from its own goroutine,
// so a slow network never holds up the polling goroutine.
type ZMQPublisher struct {
	frames  chan *DataFrame
	dropped int
}

// NewZMQPublisher returns a publisher; call Run to start sending.
func NewZMQPublisher() *ZMQPublisher {
	return &ZMQPublisher{frames: make(chan *DataFrame, maxQueuedFrames)}
}

// PublishFrame queues f for publication, dropping it if the queue is full.
func (zp *ZMQPublisher) PublishFrame(f *DataFrame) error {
	select {
	case zp.frames <- f:
		return nil
	default:
		zp.dropped++
		return fmt.Errorf("frame queue full, %d frames dropped", zp.dropped)
	}
}

// Run binds the PUB socket on portnum and publishes queued frames until
// abort is closed.
func (zp *ZMQPublisher) Run(portnum int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding frame socket %s: %w", hostname, err)
	}
	for {
		select {
		case <-abort:
			return nil
		case f := <-zp.frames:
			parts, err := encodeFrameMessage(f)
			if err != nil {
				ProblemLogger.Printf("Frame %d: %v", f.UniqueID, err)
				continue
			}
			if _, err := pubSocket.SendMessage(parts); err != nil {
				ProblemLogger.Printf("Sending frame %d: %v", f.UniqueID, err)
			}
		}
	}
}

// MultiPublisher hands every frame to each of its publishers in turn.
type MultiPublisher []FramePublisher

// PublishFrame publishes f everywhere and joins any errors.
func (mp MultiPublisher) PublishFrame(f *DataFrame) error {
	var errs []error
	for _, p := range mp {
		if err := p.PublishFrame(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
