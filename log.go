package nip47

import (
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger("NIP47", nil))
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info. This
// should be used in preference to SetLogWriter if the caller is also using
// btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// ConnLog logs with the connection label as prefix.
type ConnLog struct {
	// Logger is the underlying based logger.
	Logger btclog.Logger

	// Label identifies the target connection.
	Label string
}

// Infof formats message according to format specifier and writes to
// log with LevelInfo.
func (c *ConnLog) Infof(format string, params ...interface{}) {
	c.Logger.Infof(
		fmt.Sprintf("%s %s", c.Label, format), params...,
	)
}

// Debugf formats message according to format specifier and writes to
// log with LevelDebug.
func (c *ConnLog) Debugf(format string, params ...interface{}) {
	c.Logger.Debugf(
		fmt.Sprintf("%s %s", c.Label, format), params...,
	)
}

// Warnf formats message according to format specifier and writes to
// log with LevelWarn.
func (c *ConnLog) Warnf(format string, params ...interface{}) {
	c.Logger.Warnf(
		fmt.Sprintf("%s %s", c.Label, format), params...,
	)
}

// Errorf formats message according to format specifier and writes to
// log with LevelError.
func (c *ConnLog) Errorf(format string, params ...interface{}) {
	c.Logger.Errorf(
		fmt.Sprintf("%s %s", c.Label, format), params...,
	)
}
