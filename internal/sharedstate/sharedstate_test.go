package sharedstate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxweetlollipop2912/nfqueue-lb/internal/maglev"
)

func TestNewActivatesDefaultBackends(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sh, err := New(10, 1, 997, 10, rng)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.EqualValues(t, 1, sh.Magd.Active[i])
	}
	for i := 4; i < 10; i++ {
		assert.EqualValues(t, 0, sh.Magd.Active[i])
	}
	assert.EqualValues(t, 4, sh.Modulo.NActive)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	sh, err := New(5, 1, 997, 10, rng)
	require.NoError(t, err)

	encoded, err := Encode(sh)
	require.NoError(t, err)
	assert.Len(t, encoded, Size())

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, sh, decoded)
}

func TestOverlayObservesLiveWrites(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	sh, err := New(0, 1, 997, 10, rng)
	require.NoError(t, err)

	region := make([]byte, Size())
	require.NoError(t, WriteInto(region, sh))

	overlay, err := Overlay(region)
	require.NoError(t, err)
	assert.EqualValues(t, 0, overlay.Magd.Active[4])

	// A separate decode-modify-encode-write cycle, exactly what
	// control.mutate does against a real mapped region, must be visible
	// through the overlay without re-opening or re-overlaying it.
	writer, err := Decode(region)
	require.NoError(t, err)
	Activate(writer, 1+4)
	require.NoError(t, WriteInto(region, writer))

	assert.EqualValues(t, 1, overlay.Magd.Active[4])
	assert.EqualValues(t, 5, overlay.Modulo.NActive)
}

func TestOverlayRegionTooSmall(t *testing.T) {
	_, err := Overlay(make([]byte, Size()-1))
	assert.Error(t, err)
}

func TestActivateDeactivateAdjustsForFwOffset(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	sh, err := New(0, 100, 997, 10, rng)
	require.NoError(t, err)

	// Backend 5 in mark space is 100+5=105.
	Activate(sh, 105)
	assert.EqualValues(t, 1, sh.Magd.Active[5])

	Deactivate(sh, 105)
	assert.EqualValues(t, 0, sh.Magd.Active[5])
}

func TestActivateOutOfRangeIgnored(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	sh, err := New(0, 1, 997, 10, rng)
	require.NoError(t, err)

	Activate(sh, -50, 99999)
	assert.EqualValues(t, 4, sh.Modulo.NActive) // unchanged from default
}

func TestMarkFuncMaglev(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	sh, err := New(0, 1, 997, 10, rng)
	require.NoError(t, err)

	mark := MarkFunc(sh, ModeMaglev)
	for hash := uint32(0); hash < uint32(sh.Magd.M); hash++ {
		m := mark(hash)
		assert.Greater(t, m, int32(0))
	}
}

func TestMarkFuncModuloScenario(t *testing.T) {
	// N=5, active = [1,0,1,1,0] -> modulo.lookup = [0,2,3], nActive=3.
	sh := &SharedData{FwOffset: 1}
	sh.Magd.N = 5
	sh.Magd.Active[0] = 1
	sh.Magd.Active[2] = 1
	sh.Magd.Active[3] = 1
	maglev.UpdateModulo(&sh.Modulo, &sh.Magd)

	mark := MarkFunc(sh, ModeModulo)
	// hash=7 -> lookup[7 mod 3] = lookup[1] = 2; mark = 2+1 = 3.
	assert.EqualValues(t, 3, mark(7))
}

func TestMarkFuncModuloVacant(t *testing.T) {
	sh := &SharedData{FwOffset: 1}
	sh.Magd.N = 4
	maglev.UpdateModulo(&sh.Modulo, &sh.Magd)

	mark := MarkFunc(sh, ModeModulo)
	assert.EqualValues(t, 0, mark(42))
}
