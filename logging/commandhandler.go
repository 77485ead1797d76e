package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	cqrs "github.com/terraskye/cqrs"
)

// WithCommandLogging wraps a command handler with logging functionality.
// It logs the command type and aggregate ID before execution, and logs
// errors if the command fails.
func WithCommandLogging(logger *logrus.Entry, next cqrs.CommandHandlerFunc) cqrs.CommandHandlerFunc {
	return func(ctx context.Context, cmd cqrs.Command) error {
		l := logger.WithFields(logrus.Fields{
			"commandType": cmd.Type,
			"aggregateId": cmd.AggregateID,
		})
		if cmd.SagaID != "" {
			l = l.WithField("sagaId", cmd.SagaID)
		}
		l.Infof("Dispatch: %s (aggregateID: %s)", cmd.Type, cmd.AggregateID)

		err := next(ctx, cmd)
		if err != nil {
			l.WithError(err).Errorf("Dispatch failed: %s (aggregateID: %s)", cmd.Type, cmd.AggregateID)
		}

		return err
	}
}
