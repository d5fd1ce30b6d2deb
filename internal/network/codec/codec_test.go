package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

func TestDocumentFrame(t *testing.T) {
	c := New(Options{})

	data, err := c.Marshal(envelope.NewDocument("echo", envelope.Document{"msg": "hi"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"echo","encoding":"document","document":{"msg":"hi"}}`, string(data))

	env, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "echo", env.TypeName())
	doc, ok := env.Document()
	require.True(t, ok)
	assert.Equal(t, envelope.Document{"msg": "hi"}, doc)
}

func TestBinaryFrame(t *testing.T) {
	c := New(Options{})
	src, err := envelope.NewMessage("select_character", wrapperspb.Int64(3))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, src))
	assert.Contains(t, buf.String(), `"ext":"google.protobuf.Int64Value"`)

	env, err := c.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, envelope.EncodingBinary, env.Encoding())

	var v wrapperspb.Int64Value
	require.NoError(t, env.Resolve(&v))
	assert.EqualValues(t, 3, v.GetValue())
}

func TestMissingDocumentIsEmpty(t *testing.T) {
	env, err := New(Options{}).Unmarshal([]byte(`{"type":"ping","encoding":"document"}`))
	require.NoError(t, err)
	doc, ok := env.Document()
	assert.True(t, ok)
	assert.Empty(t, doc)
}

func TestInvalidFrames(t *testing.T) {
	c := New(Options{})

	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `{"type":`, merr.ErrMalformedPayload},
		{"missing type", `{"encoding":"document"}`, merr.ErrParameterMissing},
		{"unknown encoding", `{"type":"x","encoding":"xml"}`, merr.ErrParameterInvalid},
		{"document with bytes", `{"type":"x","encoding":"document","bytes":"AQI="}`, merr.ErrMalformedPayload},
		{"binary with document", `{"type":"x","encoding":"binary","document":{}}`, merr.ErrMalformedPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Unmarshal([]byte(tc.frame))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := c.Marshal(envelope.NewDocument("", nil))
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
	_, err = c.Marshal(envelope.Envelope{})
	assert.Error(t, err)
}

func TestFrameTooLarge(t *testing.T) {
	c := New(Options{MaxFrameSize: 32})

	_, err := c.Marshal(envelope.NewDocument("echo", envelope.Document{"msg": strings.Repeat("x", 64)}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = c.Decode(strings.NewReader(strings.Repeat(" ", 64)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
