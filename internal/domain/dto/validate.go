package dto

import "fmt"

// newRangeError 构造数值越界错误
func newRangeError(field string, value, min, max float64) error {
	return fmt.Errorf("%s out of range [%g, %g]: %g", field, min, max, value)
}

// checkMaxLen 校验字符串长度上限
func checkMaxLen(field, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%s exceeds %d characters", field, max)
	}
	return nil
}

// checkRequired 校验必填字符串
func checkRequired(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
