package weights

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/types"
)

type fakeSeries struct {
	records []types.TelemetryRecord
	err     error
}

func (f fakeSeries) All() ([]types.TelemetryRecord, error) { return f.records, f.err }
func (f fakeSeries) DeleteOlderThan(cutoff time.Time) error { return nil }

func TestSetWeightsDefersWhenIntervalNotElapsed(t *testing.T) {
	chain := chainiface.NewStub(hotkeyAt(0x30))
	chain.SinceUpdate = 5
	chain.MinBlocks = 100

	engine, err := NewEngine(DefaultEngineConfig)
	require.NoError(t, err)

	var slept time.Duration
	s := NewSetter(chain, engine, fakeSeries{}, 42)
	s.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, s.SetWeights(context.Background(), 1, 0, nil))
	require.Equal(t, time.Duration(95)*12*time.Second, slept)
}

func TestSetWeightsSubmitsWhenIntervalElapsed(t *testing.T) {
	chain := chainiface.NewStub(hotkeyAt(0x31))
	chain.SinceUpdate = 200
	chain.MinBlocks = 100

	engine, err := NewEngine(DefaultEngineConfig)
	require.NoError(t, err)
	s := NewSetter(chain, engine, fakeSeries{}, 42)
	s.sleep = func(time.Duration) {}

	require.NoError(t, s.SetWeights(context.Background(), 1, 0, nil))
}

type failingChain struct {
	*chainiface.Stub
	calls int
}

func (f *failingChain) SetNodeWeights(ctx context.Context, uids []types.UID, weights []float64, netuid int, validatorNodeID int, versionKey uint64) error {
	f.calls++
	return errors.New("rpc down")
}

func TestSetWeightsRetriesThenGivesUpWithoutError(t *testing.T) {
	stub := chainiface.NewStub(hotkeyAt(0x32))
	stub.SinceUpdate = 200
	stub.MinBlocks = 100
	chain := &failingChain{Stub: stub}

	engine, err := NewEngine(DefaultEngineConfig)
	require.NoError(t, err)
	s := NewSetter(chain, engine, fakeSeries{}, 42)
	s.sleep = func(time.Duration) {}

	require.NoError(t, s.SetWeights(context.Background(), 1, 0, nil))
	require.Equal(t, SubmitAttempts, chain.calls)
}
