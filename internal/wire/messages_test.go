package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequestRoundTrip(t *testing.T) {
	epoch := int64(42)
	want := &ClientRequest{
		Method:        MethodUpdateWeights,
		RequestUUID:   "abc-123",
		ClientName:    "client-a",
		TargetEpochID: &epoch,
		Weights:       []byte{1, 2, 3, 4},
	}
	got, err := UnmarshalClientRequest(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.Method, got.Method)
	assert.Equal(t, want.RequestUUID, got.RequestUUID)
	assert.Equal(t, want.ClientName, got.ClientName)
	require.NotNil(t, got.TargetEpochID)
	assert.Equal(t, *want.TargetEpochID, *got.TargetEpochID)
	assert.Equal(t, want.Weights, got.Weights)
}

func TestClientRequestWithRegisterInfo(t *testing.T) {
	want := &ClientRequest{
		Method:      MethodClientRegister,
		RequestUUID: "reg-1",
		ClientName:  "client-a",
		RegisterInfo: &RegisterInfo{
			Host:     "127.0.0.1",
			Port:     4001,
			PasvHost: "127.0.0.1",
			PasvPort: 4002,
		},
	}
	got, err := UnmarshalClientRequest(want.Marshal())
	require.NoError(t, err)
	require.NotNil(t, got.RegisterInfo)
	assert.Equal(t, *want.RegisterInfo, *got.RegisterInfo)
}

func TestObsidoRequestRoundTrip(t *testing.T) {
	want := &ObsidoRequest{
		Method:      MethodFetchWLast,
		RequestUUID: "fetch-1",
		ClientName:  "client-b",
	}
	got, err := UnmarshalObsidoRequest(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.Method, got.Method)
	assert.Equal(t, want.RequestUUID, got.RequestUUID)
	assert.Equal(t, want.ClientName, got.ClientName)
}

func TestResponseRoundTrip(t *testing.T) {
	epoch := int64(7)
	want := &Response{
		RequestUUID:  "req-1",
		ResponseUUID: "resp-1",
		Stat:         StatusNotMeetQuorumWait,
		RLastEpochID: &epoch,
	}
	got, err := UnmarshalResponse(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.RequestUUID, got.RequestUUID)
	assert.Equal(t, want.ResponseUUID, got.ResponseUUID)
	assert.Equal(t, want.Stat, got.Stat)
	require.NotNil(t, got.RLastEpochID)
	assert.Equal(t, *want.RLastEpochID, *got.RLastEpochID)
}

func TestWeightsResponseRoundTrip(t *testing.T) {
	want := &WeightsResponse{
		ResponseUUID: "push-1",
		RLastEpochID: 10,
		WLast: map[string][]byte{
			"client-a": {1, 2, 3},
			"client-b": {},
			"client-c": {9, 9, 9, 9},
		},
	}
	got, err := UnmarshalWeightsResponse(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.ResponseUUID, got.ResponseUUID)
	assert.Equal(t, want.RLastEpochID, got.RLastEpochID)
	assert.Len(t, got.WLast, len(want.WLast))
	for k, v := range want.WLast {
		assert.Equal(t, v, got.WLast[k])
	}
}

func TestWeightsResponseEmptyBundle(t *testing.T) {
	want := &WeightsResponse{ResponseUUID: "bootstrap", RLastEpochID: 0, WLast: map[string][]byte{}}
	got, err := UnmarshalWeightsResponse(want.Marshal())
	require.NoError(t, err)
	assert.Empty(t, got.WLast)
}
