package pagination

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	cur, err := Decode(Encode(ts, "txn_abc"))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, ts, cur.CreatedAt)
	assert.Equal(t, "txn_abc", cur.ID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl"} {
		_, err := Decode(s)
		assert.Error(t, err, s)
	}
	cur, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cur)
}

func TestCursorAfter(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	cur := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, cur.After(ts.Add(-time.Second), "z"))
	assert.False(t, cur.After(ts.Add(time.Second), "a"))
	assert.True(t, cur.After(ts, "a"))
	assert.False(t, cur.After(ts, "m"))

	var none *Cursor
	assert.True(t, none.After(ts, "anything"))
}

func TestComputePage(t *testing.T) {
	ts := time.Now()
	key := func(s string) (time.Time, string) { return ts, s }

	page, next := ComputePage([]string{"a", "b"}, 5, key)
	assert.Len(t, page, 2)
	assert.Empty(t, next)

	page, next = ComputePage([]string{"a", "b", "c"}, 2, key)
	assert.Equal(t, []string{"a", "b"}, page)
	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cur.ID)
}

func TestFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query string
		want  int
	}{
		{"", DefaultLimit},
		{"?limit=10", 10},
		{"?limit=5000", MaxLimit},
		{"?limit=-1", DefaultLimit},
		{"?limit=abc", DefaultLimit},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/x"+tc.query, nil)
		p, err := FromQuery(c)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.Limit, tc.query)
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/x?cursor=not-base64!!!", nil)
	_, err := FromQuery(c)
	assert.Error(t, err)
}
