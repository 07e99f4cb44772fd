package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_Trim(t *testing.T) {
	h := NewHistory()

	for i := 0; i < MAX_HISTORY; i++ {
		_, err := h.Append(Message{UserID: "u", Message: fmt.Sprint(i), Timestamp: int64(i + 1)})
		require.NoError(t, err)
	}
	assert.Equal(t, MAX_HISTORY, h.Len())

	_, err := h.Append(Message{UserID: "u", Message: "overflow", Timestamp: 5000})
	require.NoError(t, err)
	assert.Equal(t, TRIM_TO, h.Len())

	recent := h.Recent(TRIM_TO)
	assert.Equal(t, "501", recent[0].Message)
	assert.Equal(t, "overflow", recent[len(recent)-1].Message)
}

func TestHistory_Recent(t *testing.T) {
	h := NewHistory()
	assert.Empty(t, h.Recent(BACKLOG_SIZE))

	for i := 0; i < 30; i++ {
		h.Append(Message{Message: fmt.Sprint(i)})
	}

	recent := h.Recent(BACKLOG_SIZE)
	require.Len(t, recent, BACKLOG_SIZE)
	assert.Equal(t, "10", recent[0].Message)
	assert.Equal(t, "29", recent[BACKLOG_SIZE-1].Message)
	assert.NotZero(t, recent[0].Timestamp, "missing timestamps are filled in")
}

func TestHistory_RejectsEmpty(t *testing.T) {
	h := NewHistory()
	_, err := h.Append(Message{UserID: "u", Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, h.Len())
}
