package record

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	r, stamped, err := Decode(strings.NewReader(`{"id":5,"name":"x","value":1.0,"timestamp":0}`))
	require.NoError(t, err)
	assert.True(t, stamped)
	assert.Equal(t, Record{ID: 5, Name: "x", Value: 1}, r)

	r, stamped, err = Decode(strings.NewReader(`{"id":6,"name":"y","value":2}`))
	require.NoError(t, err)
	assert.False(t, stamped)
	assert.Equal(t, 6, r.ID)

	r, _, err = Decode(strings.NewReader("{\"id\":-2147483648,\"name\":\"z\",\"value\":0}\n"))
	require.NoError(t, err)
	assert.Equal(t, -2147483648, r.ID)

	for _, bad := range []string{
		``,
		`not json`,
		`{"name":"x","value":1}`,
		`{"id":1,"value":1}`,
		`{"id":1,"name":"x"}`,
		`{"id":1,"name":"x","value":1,"colour":"red"}`,
		`{"id":1.5,"name":"x","value":1}`,
		`{"id":99999999999,"name":"x","value":1}`,
		`{"id":5,"name":"x","value":1,"timestamp":0}}}garbage`,
		`{"id":5,"name":"x","value":1}{"id":6,"name":"y","value":2}`,
		`{"id":5,"name":"x","value":1} trailing`,
	} {
		_, _, err := Decode(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}
