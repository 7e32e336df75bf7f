package analyser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamTable(t *testing.T) {
	updates := make(chan ClientUpdate, 4)
	pt := NewParamTable(updates)
	require.NoError(t, pt.Create("A", ParamInt))
	require.NoError(t, pt.Create("B", ParamFloatArray))
	assert.Error(t, pt.Create("A", ParamString), "names are created once")

	typ, err := pt.Type("B")
	require.NoError(t, err)
	assert.Equal(t, ParamFloatArray, typ)
	_, err = pt.Type("C")
	assert.Error(t, err)

	pt.CallParamCallbacks()
	first := <-updates
	assert.Equal(t, "PARAMS", first.tag)

	pt.SetInt("A", 3)
	pt.SetFloats("B", []float64{1, 2, 3, 4})
	pt.CallParamCallbacks()
	u := <-updates
	values := u.state.(map[string]any)
	assert.Equal(t, 3, values["A"])
	assert.Equal(t, 4, values["B"], "arrays are published by length")

	pt.CallParamCallbacks()
	select {
	case u := <-updates:
		t.Errorf("unchanged table sent update %v", u)
	default:
	}

	p, err := pt.Get("B")
	require.NoError(t, err)
	p.Floats[0] = 99
	assert.Equal(t, 1.0, pt.GetFloats("B")[0], "Get returns a copy")

	assert.Panics(t, func() { pt.GetFloat("A") }, "mistyped access is a programming error")
	assert.Panics(t, func() { pt.SetInt("missing", 1) })
}

func TestCreateParams(t *testing.T) {
	pt := NewParamTable(nil)
	pt.createParams()
	for name, want := range map[string]ParamType{
		ParamAcquire:        ParamInt,
		ParamStatusMessage:  ParamString,
		ParamAcquireTime:    ParamFloat,
		ParamAcqSpectrum:    ParamFloatArray,
		ParamAcqRawImage:    ParamIntArray,
		ParamHighEnergy:     ParamFloat,
		ParamAcqSliceIndex:  ParamInt,
		ParamLibWorkingDir:  ParamString,
		ParamAcqIOPortIndex: ParamInt,
	} {
		typ, err := pt.Type(name)
		if err != nil {
			t.Errorf("parameter %s not created", name)
			continue
		}
		if typ != want {
			t.Errorf("parameter %s has type %v, want %v", name, typ, want)
		}
	}
	// Without an updates channel, callbacks are a no-op.
	pt.CallParamCallbacks()
}
