package util

import (
	"net"
	"strconv"
	"time"
)

func FormatPort(port int) string {
	return strconv.Itoa(port)
}

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NextAligned returns the first multiple of interval (since the Unix epoch)
// strictly after now.
func NextAligned(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	step := int64(interval)
	return time.Unix(0, (now.UnixNano()/step)*step+step)
}
