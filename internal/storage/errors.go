package storage

import (
	"fmt"

	"github.com/juju/errors"
)

// failure marks an error returned by the datastore itself. Its message
// names the operation only; the datastore's own text stays in cause.
type failure struct {
	errors.Err
	cause error
}

func failuref(cause error, format string, args ...interface{}) error {
	f := &failure{
		Err:   errors.NewErr("backing store: "+format, args...),
		cause: cause,
	}
	f.SetLocation(1)
	return f
}

// IsFailure reports whether err, or the error it annotates, came from the
// datastore.
func IsFailure(err error) bool {
	_, ok := errors.Cause(err).(*failure)
	return ok
}

// FailureDetail returns the datastore's own error text for a failure, or
// "" for any other error. Only for logs and development responses.
func FailureDetail(err error) string {
	f, ok := errors.Cause(err).(*failure)
	if !ok || f.cause == nil {
		return ""
	}
	return fmt.Sprint(f.cause)
}

func alreadyExists(table, field string) error {
	return errors.AlreadyExistsf("%s.%s value", table, field)
}
