package osclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ptpd/ptpd-sub004/servo"
)

func TestApplyStepCallsDeviceStep(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	dev.EXPECT().Step(5 * time.Second).Return(nil)

	err := Apply(dev, servo.Result{State: servo.StateJump, StepOffset: 5 * time.Second})
	require.NoError(t, err)
}

func TestApplyLockedCallsDeviceAdjFreqPPB(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	dev.EXPECT().AdjFreqPPB(42.0).Return(nil)

	err := Apply(dev, servo.Result{State: servo.StateLocked, AdjustmentPPB: 42.0})
	require.NoError(t, err)
}

func TestApplyDiscardedCallsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	// no EXPECT() calls set up: gomock fails the test if any method is called.

	err := Apply(dev, servo.Result{State: servo.StateDiscarded})
	assert.NoError(t, err)
}

func TestSystemBindsToClockRealtime(t *testing.T) {
	c := System()
	assert.Equal(t, "CLOCK_REALTIME", c.name)
}
