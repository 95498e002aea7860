package db

import (
	"flowmint/internal/models"
)

// activeReservationIndex keeps at most one active reservation per invoice.
const activeReservationIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_invoice_reservations_active
	ON invoice_reservations (invoice_id) WHERE status = 'active'`

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Invoice{},
		&models.InvoiceReservation{},
		&models.PaymentLeg{},
		&models.Attestation{},
		&models.MerchantPolicy{},
		&models.SystemSetting{},
	); err != nil {
		return err
	}
	return db.Gorm.Exec(activeReservationIndex).Error
}
