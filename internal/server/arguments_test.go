package server

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArguments(t *testing.T) {
	values := map[string]any{"region": "cn", "port": 9000, "ratio": 1.5, "count": "12", "big": int64(7), "whole": 3.0}
	args := NewArguments(values, map[string]bool{"debug": true})
	values["region"] = "us"

	s, ok := args.String("region")
	assert.True(t, ok)
	assert.Equal(t, "cn", s)

	s, ok = args.String("port")
	assert.True(t, ok)
	assert.Equal(t, "9000", s)

	n, ok := args.Int("port")
	assert.True(t, ok)
	assert.EqualValues(t, 9000, n)

	n, ok = args.Int("count")
	assert.True(t, ok)
	assert.EqualValues(t, 12, n)

	n, ok = args.Int("whole")
	assert.True(t, ok)
	assert.EqualValues(t, 3, n)

	_, ok = args.Int("ratio")
	assert.False(t, ok)
	_, ok = args.Int("region")
	assert.False(t, ok)
	_, ok = args.String("missing")
	assert.False(t, ok)

	assert.Equal(t, "x", args.StringOr("missing", "x"))
	assert.EqualValues(t, 7, args.IntOr("big", 0))
	assert.EqualValues(t, 5, args.IntOr("missing", 5))

	assert.True(t, args.Flag("debug"))
	assert.False(t, args.Flag("verbose"))
	assert.Equal(t, []string{"big", "count", "port", "ratio", "region", "whole"}, args.Names())
}

func TestArgumentsIntRange(t *testing.T) {
	args := NewArguments(map[string]any{
		"huge":    1e20,
		"tiny":    -1e20,
		"max":     float64(1 << 63),
		"min":     -float64(1 << 63),
		"inf":     math.Inf(1),
		"nan":     math.NaN(),
		"largest": float64(1<<62) * 1.5,
	}, nil)

	for _, name := range []string{"huge", "tiny", "max", "inf", "nan"} {
		_, ok := args.Int(name)
		assert.False(t, ok, name)
	}

	n, ok := args.Int("min")
	assert.True(t, ok)
	assert.Equal(t, int64(math.MinInt64), n)

	n, ok = args.Int("largest")
	assert.True(t, ok)
	assert.EqualValues(t, int64(3)<<61, n)
}
