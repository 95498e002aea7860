package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"flowmint/internal/models"
	"flowmint/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- invoices ----------------------------------------------------------------

func (s *Store) CreateInvoiceIfAbsent(ctx context.Context, item *models.Invoice) (*models.Invoice, bool, error) {
	if s == nil || s.db == nil || item == nil {
		return nil, false, nil
	}
	if item.IdempotencyKey == nil || strings.TrimSpace(*item.IdempotencyKey) == "" {
		item.IdempotencyKey = nil
		if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
			return nil, false, translate(err)
		}
		return item, true, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return nil, false, translate(res.Error)
	}
	if res.RowsAffected == 1 {
		return item, true, nil
	}
	var existing models.Invoice
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", *item.IdempotencyKey).First(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Invoice
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListInvoices(ctx context.Context, params repository.ListInvoicesParams) ([]models.Invoice, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyInvoiceFilters(s.db.WithContext(ctx).Model(&models.Invoice{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Invoice
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountInvoices(ctx context.Context, params repository.ListInvoicesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := applyInvoiceFilters(s.db.WithContext(ctx).Model(&models.Invoice{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func applyInvoiceFilters(query *gorm.DB, params repository.ListInvoicesParams) *gorm.DB {
	if params.MerchantID != nil && strings.TrimSpace(*params.MerchantID) != "" {
		query = query.Where("merchant_id = ?", strings.TrimSpace(*params.MerchantID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	return query
}

func (s *Store) ReserveIfAvailable(ctx context.Context, invoiceID, payer string, now, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ?", invoiceID).
		Where("status IN ?", invoiceStatuses(repository.PayableInvoiceStatuses)).
		Where("expires_at >= ?", now).
		Where("(payer_public_key IS NULL OR reserved_until IS NULL OR reserved_until < ? OR payer_public_key = ?)", now, payer).
		Where(noUnresolvedSettlement, models.ReservationActive, models.ReservationPartialFailure).
		Updates(map[string]any{
			"payer_public_key": payer,
			"reserved_until":   until,
			"status":           models.InvoiceReserved,
			"updated_at":       now,
		})
	return res.RowsAffected == 1, res.Error
}

// noUnresolvedSettlement mirrors repository.SettlementUnresolved for an
// UPDATE on invoices.
const noUnresolvedSettlement = "NOT EXISTS (SELECT 1 FROM invoice_reservations r WHERE r.invoice_id = invoices.id " +
	"AND r.status <> ? AND (r.status = ? OR r.completed_legs > 0))"

func (s *Store) ExtendHold(ctx context.Context, invoiceID, payer string, now, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ?", invoiceID).
		Where("status = ?", models.InvoiceReserved).
		Where("payer_public_key = ?", payer).
		Where("expires_at >= ?", now).
		Updates(map[string]any{
			"reserved_until": until,
			"updated_at":     now,
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invoiceID, txRef string, paidAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ?", invoiceID).
		Where("status IN ?", invoiceStatuses(repository.PayableInvoiceStatuses)).
		Updates(map[string]any{
			"status":            models.InvoicePaid,
			"paid_at":           paidAt,
			"settlement_tx_ref": txRef,
			"updated_at":        paidAt,
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) TransitionInvoice(ctx context.Context, invoiceID string, from []models.InvoiceStatus, to models.InvoiceStatus, reason *string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if reason != nil {
		updates["failure_reason"] = *reason
	}
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ?", invoiceID).
		Where("status IN ?", invoiceStatuses(from)).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) ExpireInvoices(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Invoice
	res := s.db.WithContext(ctx).Model(&items).
		Clauses(clause.Returning{}).
		Where("status IN ?", invoiceStatuses(repository.PayableInvoiceStatuses)).
		Where("expires_at < ?", now).
		Where("NOT EXISTS (SELECT 1 FROM invoice_reservations r WHERE r.invoice_id = invoices.id AND r.status IN ?)",
			reservationStatuses(repository.InFlightReservationStatuses)).
		Updates(map[string]any{
			"status":     models.InvoiceExpired,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return items, nil
}

type assetTotalRow struct {
	SettleAsset  string
	PaidInvoices int64
	Volume       string
}

func (s *Store) SettlementTotals(ctx context.Context) ([]repository.AssetTotal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []assetTotalRow
	err := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Select("settle_asset, COUNT(*) AS paid_invoices, COALESCE(SUM(amount), 0)::text AS volume").
		Where("status = ?", models.InvoicePaid).
		Group("settle_asset").
		Order("settle_asset asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]repository.AssetTotal, 0, len(rows))
	for _, row := range rows {
		var volume models.Amount
		if err := volume.Scan(row.Volume); err != nil {
			return nil, err
		}
		out = append(out, repository.AssetTotal{
			SettleAsset:  row.SettleAsset,
			PaidInvoices: row.PaidInvoices,
			Volume:       volume,
		})
	}
	return out, nil
}

// --- reservations ------------------------------------------------------------

func (s *Store) CreateReservationWithLegs(ctx context.Context, item *models.InvoiceReservation, legs []models.PaymentLeg) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		// Serializes reservation creation per invoice.
		var inv models.Invoice
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", item.InvoiceID).First(&inv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		var unresolved int64
		err := tx.Model(&models.InvoiceReservation{}).
			Where("invoice_id = ?", item.InvoiceID).
			Where("status <> ? AND (status = ? OR completed_legs > 0)", models.ReservationActive, models.ReservationPartialFailure).
			Count(&unresolved).Error
		if err != nil {
			return err
		}
		if unresolved > 0 {
			return repository.ErrSettlementUnresolved
		}
		if err := tx.Create(item).Error; err != nil {
			return translate(err)
		}
		if len(legs) == 0 {
			return nil
		}
		if err := tx.Create(&legs).Error; err != nil {
			return translate(err)
		}
		return nil
	})
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.InvoiceReservation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.InvoiceReservation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetActiveReservationByInvoice(ctx context.Context, invoiceID string) (*models.InvoiceReservation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.InvoiceReservation
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Where("status = ?", models.ReservationActive).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListReservationsByInvoice(ctx context.Context, invoiceID string) ([]models.InvoiceReservation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.InvoiceReservation
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SettleLeg(ctx context.Context, leg *models.PaymentLeg, amount models.Amount, halt bool) (*repository.Settlement, error) {
	if s == nil || s.db == nil || leg == nil {
		return nil, repository.ErrNotFound
	}
	var out *repository.Settlement
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		var r models.InvoiceReservation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", leg.ReservationID).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		leg.UpdatedAt = now
		res := tx.Model(&models.PaymentLeg{}).
			Where("id = ?", leg.ID).
			Where("status = ?", models.LegExecuting).
			Select("*").Omit("id", "created_at").
			Updates(leg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrLegNotExecuting
		}

		settled := &repository.Settlement{WasActive: r.Status == models.ReservationActive}
		r.CompletedLegs++
		r.SettlementCollected = r.SettlementCollected.Add(amount)
		if settled.WasActive {
			switch {
			case halt:
				r.Status = models.ReservationPartialFailure
			case r.CompletedLegs >= r.TotalLegs:
				r.Status = models.ReservationCompleted
			}
		}
		r.UpdatedAt = now
		err = tx.Model(&models.InvoiceReservation{}).
			Where("id = ?", r.ID).
			Updates(map[string]any{
				"completed_legs":       r.CompletedLegs,
				"settlement_collected": r.SettlementCollected,
				"status":               r.Status,
				"updated_at":           now,
			}).Error
		if err != nil {
			return err
		}
		settled.Reservation = r
		out = settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TransitionReservation(ctx context.Context, id string, from []models.ReservationStatus, to models.ReservationStatus) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.InvoiceReservation{}).
		Where("id = ?", id).
		Where("status IN ?", reservationStatuses(from)).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) ExtendReservationExpiry(ctx context.Context, id string, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.InvoiceReservation{}).
		Where("id = ?", id).
		Where("status = ?", models.ReservationActive).
		Where("expires_at < ?", until).
		Updates(map[string]any{
			"expires_at": until,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) ExpireReservations(ctx context.Context, now time.Time) ([]models.InvoiceReservation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.InvoiceReservation
	res := s.db.WithContext(ctx).Model(&items).
		Clauses(clause.Returning{}).
		Where("status = ?", models.ReservationActive).
		Where("expires_at < ?", now).
		Where("NOT EXISTS (SELECT 1 FROM payment_legs l WHERE l.reservation_id = invoice_reservations.id AND l.status = ?)", models.LegExecuting).
		Updates(map[string]any{
			"status":     models.ReservationExpired,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return items, nil
}

// --- legs --------------------------------------------------------------------

func (s *Store) SaveLeg(ctx context.Context, item *models.PaymentLeg) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return translate(s.db.WithContext(ctx).Create(item).Error)
}

func (s *Store) GetLeg(ctx context.Context, reservationID string, legIndex int) (*models.PaymentLeg, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.PaymentLeg
	err := s.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Where("leg_index = ?", legIndex).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListLegs(ctx context.Context, reservationID string) ([]models.PaymentLeg, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.PaymentLeg
	err := s.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("leg_index asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) StartLeg(ctx context.Context, legID string, startedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.PaymentLeg{}).
		Where("id = ?", legID).
		Where("(status = ? OR (status = ? AND retry_count < max_retries))", models.LegPending, models.LegFailed).
		Updates(map[string]any{
			"retry_count": gorm.Expr("CASE WHEN status = ? THEN retry_count + 1 ELSE retry_count END", string(models.LegFailed)),
			"status":      models.LegExecuting,
			"started_at":  startedAt,
			"updated_at":  startedAt,
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) UpdateLeg(ctx context.Context, item *models.PaymentLeg) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

// --- attestations ------------------------------------------------------------

func (s *Store) CreateAttestation(ctx context.Context, item *models.Attestation) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return translate(s.db.WithContext(ctx).Create(item).Error)
}

func (s *Store) GetAttestation(ctx context.Context, id string) (*models.Attestation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Attestation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetAttestationByInvoice(ctx context.Context, invoiceID string) (*models.Attestation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Attestation
	err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- merchant policies -------------------------------------------------------

func (s *Store) UpsertMerchantPolicy(ctx context.Context, item *models.MerchantPolicy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "merchant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_slippage_bps",
			"protected_mode",
			"protected_slippage_bps",
			"max_price_impact_bps",
			"max_hops",
			"allowed_assets",
			"denied_assets",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetMerchantPolicy(ctx context.Context, merchantID string) (*models.MerchantPolicy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.MerchantPolicy
	err := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetMerchantPolicyByID(ctx context.Context, id string) (*models.MerchantPolicy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.MerchantPolicy
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- system settings ---------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "key")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.SystemSetting
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers -----------------------------------------------------------------

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(repository.ErrDuplicate, err)
	}
	return err
}

func invoiceStatuses(items []models.InvoiceStatus) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, string(it))
	}
	return out
}

func reservationStatuses(items []models.ReservationStatus) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, string(it))
	}
	return out
}

var orderableColumns = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
	"expires_at": {},
	"amount":     {},
	"status":     {},
	"key":        {},
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if _, ok := orderableColumns[column]; !ok {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
