package delivery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_JSON(t *testing.T) {
	t.Parallel()

	for _, st := range []State{StateIdle, StateDelivering} {
		data, err := json.Marshal(struct {
			State State `json:"state"`
		}{st})
		require.NoError(t, err)

		var got struct {
			State State `json:"state"`
		}
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, st, got.State)
	}

	var st State
	require.Error(t, st.UnmarshalText([]byte("sleeping")))
}
