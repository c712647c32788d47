package firmware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	assert.True(t, StatusUnsupported.IsError())
	assert.False(t, StatusSuccess.IsError())
	assert.Nil(t, StatusSuccess.Err())
	assert.Equal(t, "unsupported", StatusUnsupported.Error())
	assert.Equal(t, StatusOutOfResources, StatusOf(StatusOutOfResources))
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusDeviceError, StatusOf(errors.New("boom")))
}

func TestInterruptControllerQueuesWhileMasked(t *testing.T) {
	ic := NewInterruptController()
	var fired []int
	ic.Queue(func() { fired = append(fired, 1) })
	assert.Equal(t, []int{1}, fired)

	assert.True(t, ic.Disable())
	assert.False(t, ic.Disable())
	ic.Queue(func() { fired = append(fired, 2) })
	assert.Equal(t, 1, ic.Pending())
	assert.Equal(t, []int{1}, fired)

	ic.Enable()
	assert.Equal(t, []int{1, 2}, fired)
	assert.Zero(t, ic.Pending())
}

func TestSoftBootServicesEvents(t *testing.T) {
	ic := NewInterruptController()
	bs := NewSoftBootServices(EntryPoints{CreateEvent: 0x100}, ic)
	var got [][2]uint64
	notify := func(event, context uint64) { got = append(got, [2]uint64{event, context}) }

	_, err := bs.CreateEvent(EVT_NOTIFY_SIGNAL, TPL_CALLBACK, nil, 0)
	assert.ErrorIs(t, err, StatusInvalidParameter)

	a, err := bs.CreateEventEx(EVT_NOTIFY_SIGNAL, TPL_CALLBACK, notify, 0xa, 0x77)
	require.NoError(t, err)
	b, err := bs.CreateEventEx(EVT_NOTIFY_SIGNAL, TPL_CALLBACK, notify, 0xb, 0x77)
	require.NoError(t, err)
	assert.Equal(t, 2, bs.EventCount())

	ic.Disable()
	require.NoError(t, bs.SignalEvent(a))
	assert.Empty(t, got)
	ic.Enable()
	assert.ElementsMatch(t, [][2]uint64{{a, 0xa}, {b, 0xb}}, got)

	require.NoError(t, bs.CloseEvent(a))
	assert.ErrorIs(t, bs.CloseEvent(a), StatusInvalidParameter)
	assert.Equal(t, StatusAborted, bs.Exit(1, StatusAborted, 0, 0))
	assert.Equal(t, []ExitCall{{Handle: 1, Status: StatusAborted}}, bs.Exits())
}

func TestPortSpace(t *testing.T) {
	ps := NewPortSpace()
	require.NoError(t, ps.IoWrite(2, 0x70, 0x12345))
	v, err := ps.IoRead(4, 0x70)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2345), v)
	_, err = ps.IoRead(3, 0x70)
	assert.ErrorIs(t, err, ErrPortWidth)
}

func TestSoftExceptions(t *testing.T) {
	se := NewSoftExceptions()
	var hit int
	require.NoError(t, se.RegisterInterruptHandler(3, func(vector int, ctx any) { hit = vector }))
	assert.ErrorIs(t, se.RegisterInterruptHandler(3, func(int, any) {}), ErrHandlerRegistered)
	assert.True(t, se.Raise(3, nil))
	assert.Equal(t, 3, hit)
	require.NoError(t, se.RegisterInterruptHandler(3, nil))
	assert.False(t, se.Raise(3, nil))
}
