package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime 解析形如 "30s" / "5m" / "2h" / "1d" 的时间字符串
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(timeString)
	for _, tu := range timeUnits {
		cutString, _, found := strings.Cut(timeString, tu.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * tu.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
