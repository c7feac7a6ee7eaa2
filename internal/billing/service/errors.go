package service

import "errors"

var errConcurrentRollover = errors.New("billing_period_changed_during_rollover")
