package util

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	require.True(t, ok)
	assert.Equal(t, s, got.UTC().Format(time.RFC3339))
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	require.True(t, ok)
	assert.Equal(t, ts, got.Unix())
}

func TestParseTimeRejects(t *testing.T) {
	for _, s := range []string{"", "yesterday", "-5", "0"} {
		_, ok := ParseTime(s)
		assert.False(t, ok, s)
	}
}

func TestUnixAuto(t *testing.T) {
	want := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

	assert.True(t, UnixAuto(want.Unix()).Equal(want))
	assert.True(t, UnixAuto(want.UnixMilli()).Equal(want))
	assert.True(t, UnixAuto(want.UnixNano()).Equal(want))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"SPY", "QQQ", "IWM"}, SplitList(" SPY, QQQ,,IWM ,"))
	assert.Empty(t, SplitList(" , "))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("ZDTE_PORT", "9090")
	t.Setenv("ZDTE_BAD_PORT", "90x")
	assert.Equal(t, 9090, EnvInt("ZDTE_PORT", 8080))
	assert.Equal(t, 8080, EnvInt("ZDTE_BAD_PORT", 8080))
	assert.Equal(t, 8080, EnvInt("ZDTE_UNSET_PORT", 8080))

	v := "keep"
	EnvString("ZDTE_UNSET", &v)
	assert.Equal(t, "keep", v)
	t.Setenv("ZDTE_SET", "new")
	EnvString("ZDTE_SET", &v)
	assert.Equal(t, "new", v)
}
