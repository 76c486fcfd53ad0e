package internal

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes the closer and logs the message on failure.
// Used for deferred row/statement closes where the error cannot change the
// outcome but should not vanish.
func CloseAndLogIfError(ctx context.Context, closer io.Closer, message string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		log.WithContext(ctx).WithError(err).Error(message)
	}
}
