// Package normalizer 把两种连接方言的原始业务消息归一化为 event.LiveEvent。
// 未识别的帧返回 ErrUnrecognizedFrame，由调用方记录并丢弃，不中断会话。
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnrecognizedFrame 帧类型未知或缺少必要字段，丢弃即可
var ErrUnrecognizedFrame = errors.New("unrecognized frame")

// numberToString 兼容上游对数值字段 string/number 两种表示
func numberToString(num interface{}) string {
	switch v := num.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func unrecognized(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnrecognizedFrame, fmt.Sprintf(format, args...))
}
