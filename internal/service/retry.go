package service

import (
	"errors"
	"fmt"

	"storefront-bot/internal/database"
)

const casAttempts = 8

var errUnchanged = errors.New("no change")

// retryOnConflict reruns fn while the store reports a lost compare-and-swap.
func retryOnConflict(what string, fn func() error) error {
	var err error
	for i := 0; i < casAttempts; i++ {
		err = fn()
		if !errors.Is(err, database.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%s: gave up after %d conflicting writes: %w", what, casAttempts, err)
}
