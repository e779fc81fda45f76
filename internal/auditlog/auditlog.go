// Package auditlog validates and stores audit log entries sent by remote agents.
package auditlog

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/models"
)

// Store persists entries
type Store interface {
	InsertLog(ctx context.Context, entry models.AuditLogEntry) error
}

type Service struct {
	store    Store
	validate *validator.Validate
	logger   *logrus.Logger
}

func NewService(store Store, logger *logrus.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateTimestamp, models.AuditLogEntry{})
	return &Service{store: store, validate: v, logger: logger}
}

func validateTimestamp(sl validator.StructLevel) {
	entry := sl.Current().Interface().(models.AuditLogEntry)
	if entry.Timestamp.IsZero() {
		sl.ReportError(entry.Timestamp, "Timestamp", "Timestamp", "required", "")
	}
}

// Validate checks entry and returns a VALIDATION_FAILED AppError listing
// every offending field
func (s *Service) Validate(entry models.AuditLogEntry) error {
	err := s.validate.Struct(entry)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid log entry")
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return errors.NewValidationError(strings.ToLower(verrs[0].Field()), "invalid fields: "+strings.Join(fields, ", ")).
		WithContext("fields", fields)
}

// Record validates and stores entry
func (s *Service) Record(ctx context.Context, entry models.AuditLogEntry) error {
	if err := s.Validate(entry); err != nil {
		metrics.RecordAuditEntry("invalid")
		return err
	}

	if err := s.store.InsertLog(ctx, entry); err != nil {
		metrics.RecordAuditEntry("error")
		s.logger.WithError(err).WithField("action", entry.Action).Error("Failed to store audit log entry")
		return errors.NewDatabaseError("insert log", err)
	}

	metrics.RecordAuditEntry("stored")
	s.logger.WithFields(logrus.Fields{
		"action":  entry.Action,
		"country": entry.Country,
	}).Debug("Audit log entry stored")
	return nil
}
