package analyser

import (
	"fmt"
	"log"
	"math"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/dls-controls/analyser/ses"
)

// AnalyserControl is the sub-server that handles control of the analyser
// driver and of frame file writing.
type AnalyserControl struct {
	driver        *Driver
	writer        *FrameWriter
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the status that AnalyserControl reports to clients.
type ServerStatus struct {
	Status           string
	Message          string
	AcquireRequested bool
	RunID            string
	Iteration        int
	CurrentStep      int
	ElapsedTimeMs    float64
	Writing          bool
	FramesWritten    int
}

// NewAnalyserControl returns the RPC service for driver. writer may be nil.
func NewAnalyserControl(driver *Driver, writer *FrameWriter, messageChan chan<- ClientUpdate) *AnalyserControl {
	return &AnalyserControl{driver: driver, writer: writer, clientUpdates: messageChan}
}

func (s *AnalyserControl) computeStatus() ServerStatus {
	status, message := s.driver.Status()
	session := s.driver.Session()
	ss := ServerStatus{
		Status:           status.String(),
		Message:          message,
		AcquireRequested: s.driver.AcquireRequested(),
		Iteration:        session.Iteration,
		CurrentStep:      session.CurrentStep,
		ElapsedTimeMs:    session.ElapsedTimeMs,
	}
	if !session.Started.IsZero() {
		ss.RunID = session.RunID.String()
	}
	if s.writer != nil {
		ws := s.writer.State()
		ss.Writing = ws.Active
		ss.FramesWritten = ws.FramesWritten
	}
	return ss
}

func (s *AnalyserControl) broadcast(tag string, state any) {
	if s.clientUpdates != nil {
		s.clientUpdates <- ClientUpdate{tag, state}
	}
}

func (s *AnalyserControl) broadcastUpdate() {
	s.broadcast("STATUS", s.computeStatus())
}

func (s *AnalyserControl) broadcastWritingState() {
	if s.writer != nil {
		s.broadcast("WRITING", s.writer.State())
	}
}

// Acquire requests an acquisition with the current settings.
func (s *AnalyserControl) Acquire(dummy *string, reply *bool) error {
	err := s.driver.Acquire()
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Stop ends the current acquisition, if any.
func (s *AnalyserControl) Stop(dummy *string, reply *bool) error {
	s.driver.Stop()
	*reply = true
	s.broadcastUpdate()
	return nil
}

// ParamWrite is the argument to WriteParam. Numbers arrive as JSON numbers;
// integer parameters require an integral value.
type ParamWrite struct {
	Name  string
	Value any
}

// WriteParam writes one parameter through the driver's write handlers.
func (s *AnalyserControl) WriteParam(args *ParamWrite, reply *bool) error {
	p, err := s.driver.ReadParam(args.Name)
	if err != nil {
		return err
	}
	switch p.Type {
	case ParamInt:
		f, ok := args.Value.(float64)
		if !ok || f != math.Trunc(f) {
			return ses.Invalidf("parameter %s needs an integer, got %v", args.Name, args.Value)
		}
		err = s.driver.WriteInt(args.Name, int(f))
	case ParamFloat:
		f, ok := args.Value.(float64)
		if !ok {
			return ses.Invalidf("parameter %s needs a number, got %v", args.Name, args.Value)
		}
		err = s.driver.WriteFloat(args.Name, f)
	case ParamString:
		str, ok := args.Value.(string)
		if !ok {
			return ses.Invalidf("parameter %s needs a string, got %v", args.Name, args.Value)
		}
		err = s.driver.WriteString(args.Name, str)
	default:
		return ses.Invalidf("parameter %s is read-only", args.Name)
	}
	*reply = (err == nil)
	return err
}

// ReadParam returns one parameter.
func (s *AnalyserControl) ReadParam(name *string, reply *Param) error {
	p, err := s.driver.ReadParam(*name)
	if err != nil {
		return err
	}
	*reply = p
	return nil
}

// SetDetectorRegion replaces the detector region.
func (s *AnalyserControl) SetDetectorRegion(args *ses.DetectorRegion, reply *bool) error {
	log.Printf("SetDetectorRegion: %+v\n", *args)
	err := s.driver.SetDetectorRegion(*args)
	*reply = (err == nil)
	return err
}

// SetAnalyzerRegion replaces the analyser region.
func (s *AnalyserControl) SetAnalyzerRegion(args *ses.AnalyzerRegion, reply *bool) error {
	log.Printf("SetAnalyzerRegion: %+v\n", *args)
	err := s.driver.SetAnalyzerRegion(*args)
	*reply = (err == nil)
	return err
}

// AcquisitionConfig is the argument to ConfigureAcquisition.
type AcquisitionConfig struct {
	ImageMode ImageMode
	NumImages int
	Period    float64 // seconds between the starts of successive frames
	RunMode   RunMode
}

// ConfigureAcquisition sets the image mode, frame count, period and run mode
// in one call. It stops at the first setting the driver rejects.
func (s *AnalyserControl) ConfigureAcquisition(args *AcquisitionConfig, reply *bool) error {
	log.Printf("ConfigureAcquisition: %+v\n", *args)
	*reply = false
	if err := s.driver.WriteInt(ParamImageMode, int(args.ImageMode)); err != nil {
		return err
	}
	if err := s.driver.WriteInt(ParamNumImages, args.NumImages); err != nil {
		return err
	}
	if err := s.driver.WriteFloat(ParamAcquirePeriod, args.Period); err != nil {
		return err
	}
	if err := s.driver.WriteInt(ParamRunMode, int(args.RunMode)); err != nil {
		return err
	}
	*reply = true
	return nil
}

// GetStatus returns the server status.
func (s *AnalyserControl) GetStatus(dummy *string, reply *ServerStatus) error {
	*reply = s.computeStatus()
	return nil
}

// GetDetectorInfo returns the detector capabilities.
func (s *AnalyserControl) GetDetectorInfo(dummy *string, reply *ses.DetectorInfo) error {
	*reply = s.driver.DetectorInfo()
	return nil
}

// ResetInstrument resets the analyser hardware.
func (s *AnalyserControl) ResetInstrument(dummy *string, reply *bool) error {
	err := s.driver.ResetInstrument()
	*reply = (err == nil)
	return err
}

// ZeroSupplies sets the analyser supplies to zero.
func (s *AnalyserControl) ZeroSupplies(dummy *string, reply *bool) error {
	err := s.driver.ZeroSupplies()
	*reply = (err == nil)
	return err
}

// TestCommunication checks the analyser hardware answers.
func (s *AnalyserControl) TestCommunication(dummy *string, reply *bool) error {
	err := s.driver.TestCommunication()
	*reply = (err == nil)
	return err
}

// RefreshInstrumentStatus reads the instrument status and returns its name.
func (s *AnalyserControl) RefreshInstrumentStatus(dummy *string, reply *string) error {
	st, err := s.driver.RefreshInstrumentStatus()
	if err != nil {
		return err
	}
	*reply = st.String()
	return nil
}

// WriteControl starts, stops, pauses or unpauses frame file writing.
func (s *AnalyserControl) WriteControl(config *WriteControlConfig, reply *bool) error {
	if s.writer == nil {
		return fmt.Errorf("frame writing is not configured")
	}
	err := s.writer.WriteControl(config)
	*reply = (err == nil)
	s.broadcastWritingState()
	return err
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *AnalyserControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.broadcastWritingState()
	s.broadcast("SENDALL", 0)
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for control. If
// block, it serves on the calling goroutine and never returns unless the
// listener fails; otherwise it serves in the background.
func RunRPCServer(control *AnalyserControl, portrpc int, block bool) error {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			control.broadcastUpdate()
		}
	}()

	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	serve := func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return fmt.Errorf("accept error: %w", err)
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		return serve()
	}
	go func() {
		if err := serve(); err != nil {
			ProblemLogger.Print(err)
		}
	}()
	return nil
}
