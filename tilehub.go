package tilehub

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStack attaches a stack trace to err unless it already carries one.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		for _, f := range tracer.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

// NextUniqueID returns an opaque identifier for connections and sessions.
func NextUniqueID() string {
	return uuid.NewString()
}

type Errs []error

func (e Errs) Error() string {
	return fmt.Sprintf("%+v", []error(e))
}
