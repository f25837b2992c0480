package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

func TestParseDistanceResponse(t *testing.T) {
	t.Run("合法距离响应", func(t *testing.T) {
		value, err := ParseDistanceResponse("DIST:15.7")
		require.NoError(t, err)
		assert.InDelta(t, 15.7, value, 0.001)
	})

	t.Run("容忍首尾空白与回车", func(t *testing.T) {
		value, err := ParseDistanceResponse("  DIST:8.25\r\n")
		require.NoError(t, err)
		assert.InDelta(t, 8.25, value, 0.001)
	})

	t.Run("标签不匹配返回协议错误", func(t *testing.T) {
		_, err := ParseDistanceResponse("PWR:1:2:3")
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrBridgeResponseInvalid))
	})

	t.Run("数值非法返回协议错误", func(t *testing.T) {
		_, err := ParseDistanceResponse("DIST:abc")
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrBridgeResponseInvalid))
	})

	t.Run("空行返回协议错误", func(t *testing.T) {
		_, err := ParseDistanceResponse("")
		assert.Error(t, err)
	})
}

func TestParsePowerResponse(t *testing.T) {
	t.Run("合法功率响应", func(t *testing.T) {
		voltage, current, power, err := ParsePowerResponse("PWR:12.5:2.1:26.25")
		require.NoError(t, err)
		assert.InDelta(t, 12.5, voltage, 0.001)
		assert.InDelta(t, 2.1, current, 0.001)
		assert.InDelta(t, 26.25, power, 0.001)
	})

	t.Run("字段不足返回协议错误", func(t *testing.T) {
		_, _, _, err := ParsePowerResponse("PWR:12.5:2.1")
		require.Error(t, err)
		assert.True(t, errors.IsErrCode(err, errors.ErrBridgeResponseInvalid))
	})

	t.Run("字段数值非法返回协议错误", func(t *testing.T) {
		for _, line := range []string{"PWR:x:2.1:26", "PWR:12.5:x:26", "PWR:12.5:2.1:x"} {
			_, _, _, err := ParsePowerResponse(line)
			assert.Error(t, err, line)
		}
	})

	t.Run("标签不匹配返回协议错误", func(t *testing.T) {
		_, _, _, err := ParsePowerResponse("DIST:15.7")
		assert.Error(t, err)
	})
}

func TestFormatActuatorCommand(t *testing.T) {
	assert.Equal(t, "SET:L298:255:ON", FormatActuatorCommand(ActuatorCommand{Status: StatusOn, PWMLevel: 255}))
	assert.Equal(t, "SET:L298:0:OFF", FormatActuatorCommand(ActuatorCommand{Status: StatusOff, PWMLevel: 0}))
	assert.Equal(t, "SET:L298:128:ON", FormatActuatorCommand(ActuatorCommand{Status: StatusOn, PWMLevel: 128}))
}
