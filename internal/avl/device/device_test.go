package device

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/avlgate/internal/avl/codec8"
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestRegisterDefaults(t *testing.T) {
	s := NewStore()
	st := s.Register("1234", t0)
	assert.Equal(t, Connecting, st.Phase)
	assert.False(t, st.HasFix)
	assert.Nil(t, st.LastFix)
	assert.Nil(t, st.LastFixTimestamp)
	assert.True(t, st.Online)
	assert.Equal(t, t0, st.LastSeenAt)
	assert.Equal(t, 1, s.Len())
}

func TestApplyFix(t *testing.T) {
	s := NewStore()
	s.Register("1234", t0)
	st, ok := s.ApplyFrame("1234", []codec8.Record{
		{Timestamp: 1, Latitude: 1, Longitude: 1, Satellites: 4},
		{Timestamp: 2, Latitude: 12.345678, Longitude: -70, Satellites: 6},
		{Timestamp: 3, Satellites: 0},
	})
	require.True(t, ok)
	assert.Equal(t, Connected, st.Phase)
	assert.True(t, st.HasFix)
	assert.Equal(t, uint8(6), st.Satellites)
	require.NotNil(t, st.LastFix)
	assert.Equal(t, 12.345678, st.LastFix.Latitude)
	assert.Equal(t, -70.0, st.LastFix.Longitude)
	assert.Equal(t, int64(2), *st.LastFixTimestamp)
	assert.True(t, st.Online)
}

func TestApplyNoFixKeepsLastFix(t *testing.T) {
	s := NewStore()
	s.Register("1234", t0)
	s.ApplyFrame("1234", []codec8.Record{{Timestamp: 10, Latitude: 5, Longitude: 6, Satellites: 7}})

	st, ok := s.ApplyFrame("1234", []codec8.Record{{Timestamp: 11, Satellites: 0}})
	require.True(t, ok)
	assert.Equal(t, Connecting, st.Phase)
	assert.False(t, st.HasFix)
	assert.Equal(t, uint8(0), st.Satellites)
	require.NotNil(t, st.LastFix)
	assert.Equal(t, 5.0, st.LastFix.Latitude)
	assert.Equal(t, int64(10), *st.LastFixTimestamp)
}

func TestApplyEmptyFrame(t *testing.T) {
	s := NewStore()
	s.Register("1234", t0)
	s.ApplyFrame("1234", []codec8.Record{{Latitude: 5, Longitude: 6, Satellites: 7}})
	st, _ := s.ApplyFrame("1234", nil)
	assert.Equal(t, uint8(0), st.Satellites)
	assert.False(t, st.HasFix)
	assert.NotNil(t, st.LastFix)
}

func TestApplyUnknown(t *testing.T) {
	s := NewStore()
	_, ok := s.ApplyFrame("nope", nil)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestOfflineAndReconnect(t *testing.T) {
	s := NewStore()
	s.Register("1234", t0)
	s.ApplyFrame("1234", []codec8.Record{{Timestamp: 10, Latitude: 5, Longitude: 6, Satellites: 7}})
	s.MarkOffline("1234")

	all := s.All()
	require.Len(t, all, 1)
	assert.Equal(t, "1234", all[0].IMEI)
	assert.False(t, all[0].Online)
	assert.Equal(t, Connected, all[0].Phase)
	assert.True(t, all[0].HasFix)
	assert.Equal(t, 0, s.Online())

	t1 := t0.Add(time.Minute)
	st := s.Register("1234", t1)
	assert.True(t, st.Online)
	assert.Equal(t, Connecting, st.Phase)
	assert.False(t, st.HasFix)
	assert.Equal(t, uint8(0), st.Satellites)
	assert.Nil(t, st.LastFix)
	assert.Nil(t, st.LastFixTimestamp)
	assert.Equal(t, t1, st.LastSeenAt)
	got, _ := s.Get("1234")
	assert.Nil(t, got.LastFix)
	assert.Equal(t, 1, s.Len())
}

func TestTouch(t *testing.T) {
	s := NewStore()
	s.Touch("ghost", t0)
	_, ok := s.Get("ghost")
	assert.False(t, ok)

	s.Register("1234", t0)
	s.MarkOffline("1234")
	t1 := t0.Add(time.Second)
	s.Touch("1234", t1)
	st, ok := s.Get("1234")
	require.True(t, ok)
	assert.True(t, st.Online)
	assert.Equal(t, t1, st.LastSeenAt)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Register("1234", t0)
	s.ApplyFrame("1234", []codec8.Record{{Timestamp: 10, Latitude: 5, Longitude: 6, Satellites: 7}})
	st, _ := s.Get("1234")
	st.LastFix.Latitude = 99
	again, _ := s.Get("1234")
	assert.Equal(t, 5.0, again.LastFix.Latitude)
}

func TestEntryJSON(t *testing.T) {
	s := NewStore()
	s.Register("1234", t0)
	b, err := json.Marshal(s.All())
	require.NoError(t, err)

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "1234", out[0]["imei"])
	assert.Equal(t, "connecting", out[0]["phase"])
	assert.Equal(t, true, out[0]["online"])
	assert.Nil(t, out[0]["last"])
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			imei := strconv.Itoa(i)
			s.Register(imei, t0)
			for j := 0; j < 200; j++ {
				s.Touch(imei, t0)
				s.ApplyFrame(imei, []codec8.Record{{Timestamp: int64(j), Latitude: 1, Longitude: 1, Satellites: 3}})
				_ = s.All()
			}
			s.MarkOffline(imei)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, s.Len())
	assert.Equal(t, 0, s.Online())
	for _, e := range s.All() {
		assert.Equal(t, int64(199), *e.LastFixTimestamp)
	}
}
