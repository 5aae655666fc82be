package ice

import "github.com/pion/logging"

// loggerFactory is embedded or passed by value into every component
// constructor, following the teacher's convention of threading a
// logging.LoggerFactory through NewXXX calls and scoping a logger per
// component with loggerFactory.NewLogger("ice-<component>").
func newComponentLogger(factory logging.LoggerFactory, scope string) logging.LeveledLogger {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return factory.NewLogger(scope)
}
