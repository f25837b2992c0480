package hardware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

// 串口线协议命令与响应标签
// 请求: GET:DIST / GET:PWR / SET:L298:<pwm>:<ON|OFF>
// 响应: DIST:<float> / PWR:<v>:<i>:<p>
const (
	cmdGetDistance = "GET:DIST"
	cmdGetPower    = "GET:PWR"

	tagDistance = "DIST:"
	tagPower    = "PWR:"
)

// ParseDistanceResponse 解析距离响应行 "DIST:<float>"
func ParseDistanceResponse(line string) (float64, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, tagDistance) {
		return 0, errors.Newf(errors.ErrBridgeResponseInvalid, "unexpected distance response: %q", line)
	}
	value, err := strconv.ParseFloat(strings.TrimPrefix(line, tagDistance), 64)
	if err != nil {
		return 0, errors.Wrap(errors.ErrBridgeResponseInvalid, fmt.Sprintf("parse distance from %q", line), err)
	}
	return value, nil
}

// ParsePowerResponse 解析功率响应行 "PWR:<v>:<i>:<p>"
func ParsePowerResponse(line string) (voltage, current, power float64, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, tagPower) {
		return 0, 0, 0, errors.Newf(errors.ErrBridgeResponseInvalid, "unexpected power response: %q", line)
	}
	parts := strings.Split(strings.TrimPrefix(line, tagPower), ":")
	if len(parts) < 3 {
		return 0, 0, 0, errors.Newf(errors.ErrBridgeResponseInvalid, "incomplete power response: %q", line)
	}
	if voltage, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return 0, 0, 0, errors.Wrap(errors.ErrBridgeResponseInvalid, "parse voltage", err)
	}
	if current, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return 0, 0, 0, errors.Wrap(errors.ErrBridgeResponseInvalid, "parse current", err)
	}
	if power, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return 0, 0, 0, errors.Wrap(errors.ErrBridgeResponseInvalid, "parse power", err)
	}
	return voltage, current, power, nil
}

// FormatActuatorCommand 格式化执行器命令行 "SET:L298:<pwm>:<ON|OFF>"
func FormatActuatorCommand(cmd ActuatorCommand) string {
	return fmt.Sprintf("SET:L298:%d:%s", cmd.PWMLevel, cmd.Status)
}
