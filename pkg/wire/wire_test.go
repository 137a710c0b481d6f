package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	body, err := EncodeRequest("add", Args{"a": 2.0, "b": 3.0})
	require.NoError(t, err)

	req, err := DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "add", req.Op)
	assert.Equal(t, Args{"a": 2.0, "b": 3.0}, req.Args)
}

func TestEncodeRequestNilArgs(t *testing.T) {
	body, err := EncodeRequest("ping", nil)
	require.NoError(t, err)

	req, err := DecodeRequest(body)
	require.NoError(t, err)
	assert.NotNil(t, req.Args)
	assert.Empty(t, req.Args)
}

func TestDecodeRequestMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"wrong op type", `{"op": 5, "args": {}}`},
		{"missing op", `{"args": {"a": 1}}`},
		{"array body", `[1, 2, 3]`},
		{"wrong args type", `{"op": "add", "args": [1, 2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeReplyNullResult(t *testing.T) {
	// A null result and an absent result field are both "no result".
	for _, body := range []string{`{"result": null, "error": null}`, `{"error": null}`, `{}`} {
		rep, err := DecodeReply([]byte(body))
		require.NoError(t, err, body)
		assert.Nil(t, rep.Result, body)
		assert.Nil(t, rep.Error, body)
	}
}

func TestReplyKeepsNullResultExplicit(t *testing.T) {
	body, err := EncodeReply(Reply{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": null, "error": null}`, string(body))
}

func TestReplyErrorRoundTrip(t *testing.T) {
	body, err := EncodeReply(Reply{Error: &ErrorPayload{
		ExcType:   "courier.errors.NotFound",
		Value:     "no such row",
		Traceback: "trace",
	}})
	require.NoError(t, err)

	rep, err := DecodeReply(body)
	require.NoError(t, err)
	require.NotNil(t, rep.Error)
	assert.Equal(t, "courier.errors.NotFound", rep.Error.ExcType)
	assert.Equal(t, "no such row", rep.Error.Value)
}

func TestArgsGetters(t *testing.T) {
	args := Args{"s": "hello", "f": 2.5, "n": 3.0, "b": true}

	s, err := args.String("s")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	f, err := args.Float("f")
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	n, err := args.Int("n")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	b, err := args.Bool("b")
	require.NoError(t, err)
	assert.True(t, b)
}

func TestArgsGetterMismatches(t *testing.T) {
	args := Args{"s": "hello", "f": 2.5}

	_, err := args.String("missing")
	assert.True(t, errors.Is(err, ErrArgument))

	_, err = args.Float("s")
	assert.True(t, errors.Is(err, ErrArgument))

	_, err = args.Int("f")
	assert.True(t, errors.Is(err, ErrArgument))

	_, err = args.Bool("s")
	assert.True(t, errors.Is(err, ErrArgument))
}
