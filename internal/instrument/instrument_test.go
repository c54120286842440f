package instrument

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeper/internal/serialmux"
	"github.com/banshee-data/sweeper/internal/sweep"
)

func ptr(v float64) *float64 { return &v }

func TestVirtual_SetGet(t *testing.T) {
	ctx := context.Background()
	v := NewVirtual("gate", "V", 0.5)

	got, err := v.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got)

	require.NoError(t, v.Set(ctx, -1.25))
	got, _ = v.Get(ctx)
	assert.Equal(t, -1.25, got)

	v.SetBounds(-2, 2)
	assert.Error(t, v.Set(ctx, 3))
	lo, hi, ok := v.Bounds()
	assert.True(t, ok)
	assert.Equal(t, -2.0, lo)
	assert.Equal(t, 2.0, hi)

	assert.Error(t, v.Set(ctx, math.NaN()))

	sets, gets := v.Counts()
	assert.Equal(t, 1, sets)
	assert.Equal(t, 2, gets)
}

func TestVirtual_Allowed(t *testing.T) {
	ctx := context.Background()
	v := NewVirtual("range", "", 1)
	assert.Nil(t, v.Allowed())
	v.SetAllowed([]float64{1, 10, 100})
	assert.Equal(t, []float64{1, 10, 100}, v.Allowed())
	assert.NoError(t, v.Set(ctx, 10))
	assert.Error(t, v.Set(ctx, 5))
}

func TestVirtual_InjectedFailures(t *testing.T) {
	ctx := context.Background()
	v := NewVirtual("bias", "V", 0)
	v.FailNext(2, 1)

	assert.ErrorIs(t, v.Set(ctx, 1), ErrInjected)
	assert.ErrorIs(t, v.Set(ctx, 1), ErrInjected)
	assert.NoError(t, v.Set(ctx, 1))

	_, err := v.Get(ctx)
	assert.ErrorIs(t, err, ErrInjected)
	got, err := v.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	v.FailNext(-1, 0)
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, v.Set(ctx, 2), ErrInjected)
	}
}

func TestVirtual_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewVirtual("gate", "V", 0)
	assert.ErrorIs(t, v.Set(ctx, 1), context.Canceled)
	_, err := v.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResponse_Shapes(t *testing.T) {
	ctx := context.Background()
	gate := NewVirtual("gate", "V", 0)

	tests := []struct {
		name string
		cfg  ResponseConfig
		x    float64
		want float64
	}{
		{"linear", ResponseConfig{Kind: ResponseLinear, Input: "gate", Gain: 2, Offset: 1}, 3, 7},
		{"pinch-off centre", ResponseConfig{Kind: ResponsePinchOff, Input: "gate", Amplitude: 4, Center: -0.5, Width: 0.1}, -0.5, 2},
		{"pinch-off open", ResponseConfig{Kind: ResponsePinchOff, Input: "gate", Amplitude: 4, Center: -0.5, Width: 0.01}, 1, 4},
		{"sine quarter period", ResponseConfig{Kind: ResponseSine, Input: "gate", Amplitude: 3, Period: 4}, 1, 3},
		{"gaussian peak", ResponseConfig{Kind: ResponseGaussian, Input: "gate", Amplitude: 5, Center: 0.2, Width: 0.1}, 0.2, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := tt.cfg.Build(gate)
			require.NoError(t, err)
			require.NoError(t, gate.Set(ctx, tt.x))
			got, err := fn(ctx)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestResponse_Noise(t *testing.T) {
	ctx := context.Background()
	gate := NewVirtual("gate", "V", 0)
	fn, err := ResponseConfig{Kind: ResponseLinear, Input: "gate", Offset: 10, Noise: 0.01}.Build(gate)
	require.NoError(t, err)

	var sum float64
	distinct := map[float64]bool{}
	for i := 0; i < 200; i++ {
		y, err := fn(ctx)
		require.NoError(t, err)
		sum += y
		distinct[y] = true
	}
	assert.InDelta(t, 10, sum/200, 0.01)
	assert.Greater(t, len(distinct), 1)
}

func TestResponse_Validate(t *testing.T) {
	bad := []ResponseConfig{
		{Kind: ResponseLinear},
		{Kind: "cubic", Input: "x"},
		{Kind: ResponsePinchOff, Input: "x"},
		{Kind: ResponseSine, Input: "x"},
		{Kind: ResponseLinear, Input: "x", Noise: -1},
	}
	for _, c := range bad {
		assert.Error(t, c.Validate(), "%+v", c)
	}
}

func TestVirtual_ResponseIsReadOnly(t *testing.T) {
	ctx := context.Background()
	gate := NewVirtual("gate", "V", 1)
	cur := NewVirtual("current", "A", 0)
	fn, err := ResponseConfig{Kind: ResponseLinear, Input: "gate", Gain: 1e-6}.Build(gate)
	require.NoError(t, err)
	cur.SetResponse(fn)

	assert.Error(t, cur.Set(ctx, 1))
	got, err := cur.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1e-6, got, 1e-15)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	gate := NewVirtual("gate", "V", 0)
	gate.SetBounds(-1, 1)
	broken := NewVirtual("broken", "", 0)
	broken.FailNext(0, -1)

	require.NoError(t, reg.Add(gate, broken))
	assert.Error(t, reg.Add(NewVirtual("gate", "V", 0)))
	assert.Error(t, reg.Add(NewVirtual("", "", 0)))

	p, ok := reg.Lookup("gate")
	require.True(t, ok)
	assert.Equal(t, sweep.Parameter(gate), p)
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"broken", "gate"}, reg.Names())

	infos := reg.Read(ctx)
	require.Len(t, infos, 2)
	assert.Equal(t, "broken", infos[0].Name)
	assert.Nil(t, infos[0].Value)
	assert.Contains(t, infos[0].Error, "injected")
	require.NotNil(t, infos[1].Value)
	assert.Equal(t, 0.0, *infos[1].Value)
	require.NotNil(t, infos[1].Min)
	assert.Equal(t, -1.0, *infos[1].Min)

	assert.NoError(t, reg.Close())
}

func TestBuild_VirtualAndLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgs := []Config{
		{
			Name: "sim",
			Kind: KindVirtual,
			Params: []ParamConfig{
				{Name: "gate", Unit: "V", Min: ptr(-2), Max: ptr(2)},
				{Name: "current", Unit: "A", Response: &ResponseConfig{Kind: ResponsePinchOff, Input: "gate", Amplitude: 1e-9, Center: -0.5, Width: 0.05}},
			},
		},
		{
			Name:         "smu",
			Kind:         KindLoopback,
			QueryTimeout: "500ms",
			Init:         []string{"*RST", "MEAS:TEMP 4.2"},
			Params: []ParamConfig{
				{Name: "bias", Unit: "V", SetCommand: "SOUR:VOLT", Query: "SOUR:VOLT?", Initial: 0.1},
				{Name: "temperature", Unit: "K", Query: "MEAS:TEMP?"},
			},
		},
	}
	reg, err := Build(ctx, cfgs, nil)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"bias", "current", "gate", "temperature"}, reg.Names())

	bias, _ := reg.Lookup("bias")
	got, err := bias.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, got, 1e-12)

	require.NoError(t, bias.Set(ctx, -0.25))
	got, err = bias.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, -0.25, got)

	temp, _ := reg.Lookup("temperature")
	got, err = temp.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.2, got)
	assert.Error(t, temp.Set(ctx, 1), "query-only serial parameters are read-only")

	gate, _ := reg.Lookup("gate")
	cur, _ := reg.Lookup("current")
	require.NoError(t, gate.Set(ctx, 1))
	open, err := cur.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, gate.Set(ctx, -1))
	closed, err := cur.Get(ctx)
	require.NoError(t, err)
	assert.Greater(t, open, 100*closed)

	httpMux := http.NewServeMux()
	assert.NotPanics(t, func() { reg.AttachAdminRoutes(httpMux) })
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfgs []Config
		want string
	}{
		{"unknown kind", []Config{{Name: "x", Kind: "gpib", Params: []ParamConfig{{Name: "a"}}}}, "unknown kind"},
		{"serial without port", []Config{{Name: "x", Kind: KindSerial, Params: []ParamConfig{{Name: "a", Query: "A?"}}}}, "port"},
		{"no params", []Config{{Name: "x", Kind: KindVirtual}}, "no parameters"},
		{"half bounds", []Config{{Name: "x", Kind: KindVirtual, Params: []ParamConfig{{Name: "a", Min: ptr(0)}}}}, "min and max"},
		{"missing query", []Config{{Name: "x", Kind: KindLoopback, Params: []ParamConfig{{Name: "a", SetCommand: "A"}}}}, "query"},
		{"unknown input", []Config{{Name: "x", Kind: KindVirtual, Params: []ParamConfig{{Name: "a", Response: &ResponseConfig{Kind: ResponseLinear, Input: "nope"}}}}}, "unknown response input"},
		{"duplicate", []Config{
			{Name: "x", Kind: KindVirtual, Params: []ParamConfig{{Name: "a"}}},
			{Name: "y", Kind: KindVirtual, Params: []ParamConfig{{Name: "a"}}},
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(ctx, tt.cfgs, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Build(ctx, []Config{{Name: "x", Kind: KindSerial, Port: "/dev/null", Params: []ParamConfig{{Name: "a", Query: "A?"}}}},
		func(Config) (serialmux.SerialMuxInterface, error) { return nil, errors.New("no such device") })
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no such device"))
}

func TestSerialParam_Bounds(t *testing.T) {
	ctx := context.Background()
	dev := serialmux.NewLoopback("dev")
	mux := serialmux.NewSerialMux("dev", dev)
	defer mux.Close()

	s := NewSerial("bias", "V", mux, "SOUR:VOLT", "SOUR:VOLT?")
	s.SetBounds(-1, 1)
	assert.Error(t, s.Set(ctx, 5))
	assert.Empty(t, dev.Written(), "an out-of-range value must not reach the instrument")
	require.NoError(t, s.Set(ctx, 0.5))
	assert.Equal(t, []string{"SOUR:VOLT " + serialmux.FormatValue(0.5)}, dev.Written())
}
