package ipc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedRegionWriteReadRoundTrip(t *testing.T) {
	name := fmt.Sprintf("watertreat-test-%d", time.Now().UnixNano())
	sr, err := CreateSharedRegion(name)
	require.NoError(t, err)
	defer sr.Close()
	defer func() { _ = RemoveSharedRegion(name) }()

	r := NewRegion()
	r.LastUpdateMs = 42
	raw, err := r.Marshal()
	require.NoError(t, err)

	sr.Lock()
	require.NoError(t, sr.Write(raw))
	sr.Unlock()

	sr.Lock()
	got := sr.Read()
	sr.Unlock()

	back, err := Unmarshal(got[:len(raw)])
	require.NoError(t, err)
	require.Equal(t, int64(42), back.LastUpdateMs)
}
