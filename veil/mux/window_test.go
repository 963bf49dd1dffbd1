package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlowStartWindow(t *testing.T) {
	w := NewSlowStart()
	assert.Equal(t, InitialWindow, w.Window())
	w.OnAck(InitialWindow)
	assert.Equal(t, 2*InitialWindow, w.Window())

	// loss alone does not shrink it
	w.OnLoss()
	assert.Equal(t, 2*InitialWindow, w.Window())

	w.OnTimeout()
	assert.Equal(t, InitialWindow, w.Window())
	// past the threshold a full window of acks adds one segment
	w.OnAck(InitialWindow - 1)
	assert.Equal(t, InitialWindow, w.Window())
	w.OnAck(1)
	assert.Equal(t, InitialWindow+1, w.Window())

	for range 20 {
		w.OnTimeout()
	}
	assert.Equal(t, minWindow, w.Window())
	for range 1000 {
		w.OnAck(MaxWindow)
	}
	assert.Equal(t, MaxWindow, w.Window())
}

func TestRenoWindow(t *testing.T) {
	w := NewReno()
	w.OnAck(10)
	assert.Equal(t, InitialWindow+10, w.Window())
	w.OnLoss()
	assert.Equal(t, (InitialWindow+10)/2, w.Window())
	w.OnTimeout()
	assert.Equal(t, (InitialWindow+10)/4, w.Window())

	var _ CongestionWindow = w
	var _ CongestionWindow = NewSlowStart()
}
