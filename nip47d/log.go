package nip47d

import (
	"io"

	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/nip47"
	"github.com/lightninglabs/nip47/cln"
	"github.com/lightninglabs/nip47/nip47db"
	"github.com/lightninglabs/nip47/relaypool"
)

// log is the daemon's own logger, replaced by SetupLoggers.
var log btclog.Logger = btclog.Disabled

// SetupLoggers routes all package loggers into the given writer, which in
// production is the plugin log notification stream, and applies the
// configured level.
func SetupLoggers(w io.Writer, debugLevel string) error {
	backend := btclog.NewBackend(w)

	level, ok := btclog.LevelFromString(debugLevel)
	if !ok {
		level = btclog.LevelInfo
	}

	newLogger := func(tag string) btclog.Logger {
		logger := backend.Logger(tag)
		logger.SetLevel(level)

		return logger
	}

	log = newLogger("NIP47D")
	nip47.UseLogger(newLogger("NIP47"))
	nip47db.UseLogger(newLogger("NWCDB"))
	relaypool.UseLogger(newLogger("RELAY"))
	cln.UseLogger(newLogger("CLN"))

	return nil
}
