package analyser

import (
	"fmt"
	"io"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"testing"
	"time"

	"github.com/dls-controls/analyser/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rpcWriterPath string

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func dialServer(t *testing.T) *rpc.Client {
	t.Helper()
	client, err := simpleClient()
	require.NoError(t, err, "Could not connect simpleClient() to RPC server")
	t.Cleanup(func() { client.Close() })
	return client
}

// waitServerIdle polls the server until no acquisition is requested.
func waitServerIdle(t *testing.T, client *rpc.Client) ServerStatus {
	t.Helper()
	var status ServerStatus
	require.Eventually(t, func() bool {
		if err := client.Call("AnalyserControl.GetStatus", "", &status); err != nil {
			return false
		}
		return !status.AcquireRequested && (status.Status == "Idle" || status.Status == "Error")
	}, waitFor, 5*time.Millisecond)
	return status
}

func TestServerAcquire(t *testing.T) {
	client := dialServer(t)
	var okay bool
	config := AcquisitionConfig{ImageMode: ImageMultiple, NumImages: 2}
	require.NoError(t, client.Call("AnalyserControl.ConfigureAcquisition", &config, &okay))
	assert.True(t, okay)
	require.NoError(t, client.Call("AnalyserControl.Acquire", "", &okay))
	assert.True(t, okay)

	status := waitServerIdle(t, client)
	assert.Equal(t, "Idle", status.Status)
	assert.Equal(t, "Acquisition completed.", status.Message)
	assert.Equal(t, 2, status.Iteration)
	assert.NotEmpty(t, status.RunID)

	require.NoError(t, client.Call("AnalyserControl.Stop", "", &okay), "stop while idle")
	assert.True(t, okay)

	config = AcquisitionConfig{ImageMode: ImageSingle, NumImages: 0}
	err := client.Call("AnalyserControl.ConfigureAcquisition", &config, &okay)
	assert.Error(t, err)
	assert.False(t, okay)
}

func TestServerParams(t *testing.T) {
	client := dialServer(t)
	var okay bool
	var p Param

	require.NoError(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{ParamSlices, 4}, &okay))
	assert.True(t, okay)
	name := ParamSlices
	require.NoError(t, client.Call("AnalyserControl.ReadParam", &name, &p))
	assert.Equal(t, 4, p.Int)
	assert.Equal(t, ParamInt, p.Type)

	require.NoError(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{ParamLowEnergy, 81.5}, &okay))
	require.NoError(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{ParamRegionName, "survey"}, &okay))
	name = ParamRegionName
	require.NoError(t, client.Call("AnalyserControl.ReadParam", &name, &p))
	assert.Equal(t, "survey", p.String)

	assert.Error(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{ParamSlices, 2.5}, &okay))
	assert.Error(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{ParamLowEnergy, "high"}, &okay))
	assert.Error(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{ParamAcqSpectrum, 1}, &okay))
	assert.Error(t, client.Call("AnalyserControl.WriteParam", &ParamWrite{"NO_SUCH_PARAM", 1}, &okay))
	name = "NO_SUCH_PARAM"
	assert.Error(t, client.Call("AnalyserControl.ReadParam", &name, &p))
}

func TestServerRegions(t *testing.T) {
	client := dialServer(t)
	var info ses.DetectorInfo
	require.NoError(t, client.Call("AnalyserControl.GetDetectorInfo", "", &info))
	assert.Equal(t, 128, info.XChannels)
	assert.Equal(t, 100, info.YChannels)

	var okay bool
	good := ses.DetectorRegion{FirstXChannel: 0, LastXChannel: 99, FirstYChannel: 0, LastYChannel: 50, Slices: 2}
	require.NoError(t, client.Call("AnalyserControl.SetDetectorRegion", &good, &okay))
	assert.True(t, okay)
	bad := good
	bad.LastXChannel = 500
	assert.Error(t, client.Call("AnalyserControl.SetDetectorRegion", &bad, &okay))

	region := DefaultAnalyzerRegion()
	require.NoError(t, client.Call("AnalyserControl.SetAnalyzerRegion", &region, &okay))
	region.DwellTime = 0
	assert.Error(t, client.Call("AnalyserControl.SetAnalyzerRegion", &region, &okay))
}

func TestServerInstrumentCommands(t *testing.T) {
	client := dialServer(t)
	var okay bool
	for _, method := range []string{"ResetInstrument", "ZeroSupplies", "TestCommunication", "SendAllStatus"} {
		require.NoError(t, client.Call("AnalyserControl."+method, "", &okay), method)
		assert.True(t, okay, method)
	}
	var status string
	require.NoError(t, client.Call("AnalyserControl.RefreshInstrumentStatus", "", &status))
	assert.Equal(t, "Normal", status)
}

func TestServerWriteControl(t *testing.T) {
	client := dialServer(t)
	var okay bool
	start := WriteControlConfig{Request: "START", Path: rpcWriterPath}
	require.NoError(t, client.Call("AnalyserControl.WriteControl", &start, &okay))
	require.NoError(t, client.Call("AnalyserControl.Acquire", "", &okay))
	status := waitServerIdle(t, client)
	assert.True(t, status.Writing)
	assert.Positive(t, status.FramesWritten)

	stop := WriteControlConfig{Request: "STOP"}
	require.NoError(t, client.Call("AnalyserControl.WriteControl", &stop, &okay))
	bad := WriteControlConfig{Request: "REWIND"}
	assert.Error(t, client.Call("AnalyserControl.WriteControl", &bad, &okay))
	require.NoError(t, client.Call("AnalyserControl.GetStatus", "", &status))
	assert.False(t, status.Writing)
}

func TestMain(m *testing.M) {
	setPortnumbers(33000)
	log.SetOutput(io.Discard)
	UpdateLogger = log.New(io.Discard, "", 0)

	var err error
	rpcWriterPath, err = os.MkdirTemp("", "analysertest")
	if err != nil {
		panic(err)
	}

	updates := NewUpdateQueue()
	abort := make(chan struct{})
	go RunClientUpdater(updates.Out(), Ports.Status, abort)

	driver := NewDriver(ses.NewNoHardware(smallDetector()), DefaultDriverConfig(), updates.In())
	writer := NewFrameWriter(rpcWriterPath, FormatNPY)
	driver.SetPublisher(writer)
	if err := driver.Start(); err != nil {
		panic(err)
	}
	control := NewAnalyserControl(driver, writer, updates.In())
	if err := RunRPCServer(control, Ports.RPC, false); err != nil {
		panic(err)
	}

	code := m.Run()
	driver.Close()
	close(abort)
	os.RemoveAll(rpcWriterPath)
	os.Exit(code)
}
