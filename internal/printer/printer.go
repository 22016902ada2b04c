package printer

import "github.com/slok/credforge/internal/model"

// Printer knows how to print run information in different formats.
type Printer interface {
	PrintRunReport(report model.RunReport) error
	PrintRunList(reports []model.RunReport) error
	PrintVerificationList(records []model.VerificationRecord) error
	PrintMessage(msg string) error
}
