package format

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	sse := NewSSEWriter(rec)
	assert.False(t, sse.Started())

	require.NoError(t, sse.WriteEvent("ping", map[string]string{"type": "ping"}))
	require.NoError(t, sse.WriteData(map[string]int{"n": 1}))
	require.NoError(t, sse.WriteComment("keep-alive"))
	require.NoError(t, sse.WriteRaw("[DONE]"))

	assert.True(t, sse.Started())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		"event: ping\ndata: {\"type\":\"ping\"}\n\n"+
			"data: {\"n\":1}\n\n"+
			": keep-alive\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
}

type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (b brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestSSEWriterBecomesInertAfterFailure(t *testing.T) {
	sse := NewSSEWriter(brokenWriter{httptest.NewRecorder()})

	err := sse.WriteRaw("x")
	assert.ErrorIs(t, err, ErrClientGone)

	err = sse.WriteRaw("y")
	assert.ErrorIs(t, err, ErrClientGone)
}
