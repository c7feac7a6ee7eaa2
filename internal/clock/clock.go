package clock

import (
	"context"
	"time"
)

type Clock interface {
	Now(ctx context.Context) time.Time
}

// Fixed is a Clock frozen at T. Used by tests and by one-shot commands that
// evaluate against an explicit instant.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now(context.Context) time.Time {
	return f.T.UTC()
}
