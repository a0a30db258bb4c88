package battery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	regs map[byte]byte
	fail byte
}

func (f fakeBus) Tx(w, r []byte) error {
	if w[0] == f.fail {
		return errors.New("nack")
	}
	r[0] = f.regs[w[0]]
	return nil
}

func TestReadPiSugar(t *testing.T) {
	bus := fakeBus{regs: map[byte]byte{
		regVoltageHi: 0x0F,
		regVoltageLo: 0xA0,
		regPercent:   140,
		regPower:     0x80,
	}}

	st, err := readPiSugar(bus)
	require.NoError(t, err)
	assert.Equal(t, 4000, st.VoltageMv)
	assert.Equal(t, 100, st.Percent, "percent is clamped")
	assert.True(t, st.Charging)
}

func TestReadPiSugar_BusError(t *testing.T) {
	_, err := readPiSugar(fakeBus{regs: map[byte]byte{}, fail: regPercent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x2A")
}

func TestFixed(t *testing.T) {
	st, err := Fixed{Percent: 55}.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 55, st.Percent)
}
