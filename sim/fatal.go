package sim

import "github.com/sirupsen/logrus"

// fatalf logs a contract violation at panic level and panics.
func fatalf(format string, args ...any) {
	logrus.WithField("pkg", "sim").Panicf(format, args...)
}
