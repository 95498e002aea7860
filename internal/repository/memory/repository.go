// Package memory is an in-process Repository with the same conditional-write
// semantics as the gorm store. It backs tests and storage.driver=memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"flowmint/internal/models"
	"flowmint/internal/repository"
)

type Store struct {
	mu sync.Mutex

	invoices     map[string]models.Invoice
	idempotency  map[string]string
	reservations map[string]models.InvoiceReservation
	legs         map[string]models.PaymentLeg
	attestations map[string]models.Attestation
	policies     map[string]models.MerchantPolicy
	settings     map[string]models.SystemSetting
	nextSetting  uint64
}

func New() *Store {
	return &Store{
		invoices:     map[string]models.Invoice{},
		idempotency:  map[string]string{},
		reservations: map[string]models.InvoiceReservation{},
		legs:         map[string]models.PaymentLeg{},
		attestations: map[string]models.Attestation{},
		policies:     map[string]models.MerchantPolicy{},
		settings:     map[string]models.SystemSetting{},
	}
}

var _ repository.Repository = (*Store)(nil)

// Reset drops all rows.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = map[string]models.Invoice{}
	s.idempotency = map[string]string{}
	s.reservations = map[string]models.InvoiceReservation{}
	s.legs = map[string]models.PaymentLeg{}
	s.attestations = map[string]models.Attestation{}
	s.policies = map[string]models.MerchantPolicy{}
	s.settings = map[string]models.SystemSetting{}
	s.nextSetting = 0
}

func stamp(created *time.Time, updated *time.Time) {
	now := time.Now().UTC()
	if created != nil && created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
}

// --- invoices ----------------------------------------------------------------

func (s *Store) CreateInvoiceIfAbsent(_ context.Context, item *models.Invoice) (*models.Invoice, bool, error) {
	if item == nil {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.IdempotencyKey != nil && strings.TrimSpace(*item.IdempotencyKey) == "" {
		item.IdempotencyKey = nil
	}
	if item.IdempotencyKey != nil {
		if id, ok := s.idempotency[*item.IdempotencyKey]; ok {
			existing := s.invoices[id]
			return &existing, false, nil
		}
	}
	if _, ok := s.invoices[item.ID]; ok {
		return nil, false, repository.ErrDuplicate
	}
	stamp(&item.CreatedAt, &item.UpdatedAt)
	if item.Status == "" {
		item.Status = models.InvoicePending
	}
	s.invoices[item.ID] = *item
	if item.IdempotencyKey != nil {
		s.idempotency[*item.IdempotencyKey] = item.ID
	}
	out := *item
	return &out, true, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.invoices[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) filterInvoices(params repository.ListInvoicesParams) []models.Invoice {
	out := make([]models.Invoice, 0, len(s.invoices))
	for _, it := range s.invoices {
		if params.MerchantID != nil && strings.TrimSpace(*params.MerchantID) != "" && it.MerchantID != strings.TrimSpace(*params.MerchantID) {
			continue
		}
		if params.Status != nil && strings.TrimSpace(*params.Status) != "" && string(it.Status) != strings.TrimSpace(*params.Status) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (s *Store) ListInvoices(_ context.Context, params repository.ListInvoicesParams) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.filterInvoices(params)
	asc := params.Asc != nil && *params.Asc
	sort.Slice(items, func(i, j int) bool {
		less := invoiceLess(items[i], items[j], params.OrderBy)
		if asc {
			return less
		}
		return invoiceLess(items[j], items[i], params.OrderBy)
	})
	return page(items, params.Limit, params.Offset, 100), nil
}

func invoiceLess(a, b models.Invoice, orderBy string) bool {
	switch strings.TrimSpace(orderBy) {
	case "updated_at":
		return a.UpdatedAt.Before(b.UpdatedAt)
	case "expires_at":
		return a.ExpiresAt.Before(b.ExpiresAt)
	case "amount":
		return a.Amount.Cmp(b.Amount) < 0
	case "status":
		return a.Status < b.Status
	}
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) CountInvoices(_ context.Context, params repository.ListInvoicesParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.filterInvoices(params))), nil
}

func (s *Store) ReserveIfAvailable(_ context.Context, invoiceID, payer string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.invoices[invoiceID]
	if !ok || !payable(it.Status) || it.ExpiresAt.Before(now) {
		return false, nil
	}
	if it.PayerPublicKey != nil && it.ReservedUntil != nil && !it.ReservedUntil.Before(now) && *it.PayerPublicKey != payer {
		return false, nil
	}
	if s.hasUnresolvedSettlement(invoiceID) {
		return false, nil
	}
	p := payer
	u := until
	it.PayerPublicKey = &p
	it.ReservedUntil = &u
	it.Status = models.InvoiceReserved
	it.UpdatedAt = now
	s.invoices[invoiceID] = it
	return true, nil
}

func (s *Store) ExtendHold(_ context.Context, invoiceID, payer string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.invoices[invoiceID]
	if !ok || it.Status != models.InvoiceReserved || it.ExpiresAt.Before(now) {
		return false, nil
	}
	if it.PayerPublicKey == nil || *it.PayerPublicKey != payer {
		return false, nil
	}
	u := until
	it.ReservedUntil = &u
	it.UpdatedAt = now
	s.invoices[invoiceID] = it
	return true, nil
}

func (s *Store) MarkInvoicePaid(_ context.Context, invoiceID, txRef string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.invoices[invoiceID]
	if !ok || !payable(it.Status) {
		return false, nil
	}
	ref := txRef
	at := paidAt
	it.Status = models.InvoicePaid
	it.SettlementTxRef = &ref
	it.PaidAt = &at
	it.UpdatedAt = paidAt
	s.invoices[invoiceID] = it
	return true, nil
}

func (s *Store) TransitionInvoice(_ context.Context, invoiceID string, from []models.InvoiceStatus, to models.InvoiceStatus, reason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.invoices[invoiceID]
	if !ok || !containsInvoiceStatus(from, it.Status) {
		return false, nil
	}
	it.Status = to
	if reason != nil {
		r := *reason
		it.FailureReason = &r
	}
	it.UpdatedAt = time.Now().UTC()
	s.invoices[invoiceID] = it
	return true, nil
}

func (s *Store) ExpireInvoices(_ context.Context, now time.Time) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Invoice
	for id, it := range s.invoices {
		if !payable(it.Status) || !it.ExpiresAt.Before(now) {
			continue
		}
		if s.hasInFlightReservation(id) {
			continue
		}
		it.Status = models.InvoiceExpired
		it.UpdatedAt = now
		s.invoices[id] = it
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) hasInFlightReservation(invoiceID string) bool {
	for _, r := range s.reservations {
		if r.InvoiceID != invoiceID {
			continue
		}
		for _, st := range repository.InFlightReservationStatuses {
			if r.Status == st {
				return true
			}
		}
	}
	return false
}

func (s *Store) hasUnresolvedSettlement(invoiceID string) bool {
	for _, r := range s.reservations {
		if r.InvoiceID == invoiceID && repository.SettlementUnresolved(r) {
			return true
		}
	}
	return false
}

func (s *Store) SettlementTotals(_ context.Context) ([]repository.AssetTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := map[string]*repository.AssetTotal{}
	for _, it := range s.invoices {
		if it.Status != models.InvoicePaid {
			continue
		}
		t, ok := totals[it.SettleAsset]
		if !ok {
			t = &repository.AssetTotal{SettleAsset: it.SettleAsset, Volume: models.NewAmount(0)}
			totals[it.SettleAsset] = t
		}
		t.PaidInvoices++
		t.Volume = t.Volume.Add(it.Amount)
	}
	out := make([]repository.AssetTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettleAsset < out[j].SettleAsset })
	return out, nil
}

// --- reservations ------------------------------------------------------------

func (s *Store) CreateReservationWithLegs(_ context.Context, item *models.InvoiceReservation, legs []models.PaymentLeg) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[item.ID]; ok {
		return repository.ErrDuplicate
	}
	if item.Status == models.ReservationActive {
		for _, r := range s.reservations {
			if r.InvoiceID == item.InvoiceID && r.Status == models.ReservationActive {
				return repository.ErrDuplicate
			}
		}
	}
	if s.hasUnresolvedSettlement(item.InvoiceID) {
		return repository.ErrSettlementUnresolved
	}
	seen := map[int]struct{}{}
	for _, leg := range legs {
		if _, ok := s.legs[leg.ID]; ok {
			return repository.ErrDuplicate
		}
		if _, ok := seen[leg.LegIndex]; ok {
			return repository.ErrDuplicate
		}
		if s.findLeg(leg.ReservationID, leg.LegIndex) != nil {
			return repository.ErrDuplicate
		}
		seen[leg.LegIndex] = struct{}{}
	}
	stamp(&item.CreatedAt, &item.UpdatedAt)
	if item.SettlementCollected.Big() == nil {
		item.SettlementCollected = models.NewAmount(0)
	}
	s.reservations[item.ID] = *item
	for i := range legs {
		stamp(&legs[i].CreatedAt, &legs[i].UpdatedAt)
		s.legs[legs[i].ID] = legs[i]
	}
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*models.InvoiceReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reservations[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) GetActiveReservationByInvoice(_ context.Context, invoiceID string) (*models.InvoiceReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.InvoiceID == invoiceID && r.Status == models.ReservationActive {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListReservationsByInvoice(_ context.Context, invoiceID string) ([]models.InvoiceReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InvoiceReservation
	for _, r := range s.reservations {
		if r.InvoiceID == invoiceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SettleLeg(_ context.Context, leg *models.PaymentLeg, amount models.Amount, halt bool) (*repository.Settlement, error) {
	if leg == nil {
		return nil, repository.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.legs[leg.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if stored.Status != models.LegExecuting {
		return nil, repository.ErrLegNotExecuting
	}
	r, ok := s.reservations[leg.ReservationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	now := time.Now().UTC()
	out := &repository.Settlement{WasActive: r.Status == models.ReservationActive}
	r.CompletedLegs++
	r.SettlementCollected = r.SettlementCollected.Add(amount)
	if out.WasActive {
		switch {
		case halt:
			r.Status = models.ReservationPartialFailure
		case r.CompletedLegs >= r.TotalLegs:
			r.Status = models.ReservationCompleted
		}
	}
	r.UpdatedAt = now
	leg.UpdatedAt = now
	s.legs[leg.ID] = *leg
	s.reservations[r.ID] = r
	out.Reservation = r
	return out, nil
}

func (s *Store) TransitionReservation(_ context.Context, id string, from []models.ReservationStatus, to models.ReservationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if r.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	s.reservations[id] = r
	return true, nil
}

func (s *Store) ExtendReservationExpiry(_ context.Context, id string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.Status != models.ReservationActive || !r.ExpiresAt.Before(until) {
		return false, nil
	}
	r.ExpiresAt = until
	r.UpdatedAt = time.Now().UTC()
	s.reservations[id] = r
	return true, nil
}

func (s *Store) ExpireReservations(_ context.Context, now time.Time) ([]models.InvoiceReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InvoiceReservation
	for id, r := range s.reservations {
		if r.Status != models.ReservationActive || !r.ExpiresAt.Before(now) {
			continue
		}
		if s.hasExecutingLeg(id) {
			continue
		}
		r.Status = models.ReservationExpired
		r.UpdatedAt = now
		s.reservations[id] = r
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) hasExecutingLeg(reservationID string) bool {
	for _, l := range s.legs {
		if l.ReservationID == reservationID && l.Status == models.LegExecuting {
			return true
		}
	}
	return false
}

// --- legs --------------------------------------------------------------------

func (s *Store) findLeg(reservationID string, legIndex int) *models.PaymentLeg {
	for _, l := range s.legs {
		if l.ReservationID == reservationID && l.LegIndex == legIndex {
			out := l
			return &out
		}
	}
	return nil
}

func (s *Store) SaveLeg(_ context.Context, item *models.PaymentLeg) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.legs[item.ID]; ok {
		return repository.ErrDuplicate
	}
	if s.findLeg(item.ReservationID, item.LegIndex) != nil {
		return repository.ErrDuplicate
	}
	stamp(&item.CreatedAt, &item.UpdatedAt)
	s.legs[item.ID] = *item
	return nil
}

func (s *Store) GetLeg(_ context.Context, reservationID string, legIndex int) (*models.PaymentLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLeg(reservationID, legIndex), nil
}

func (s *Store) ListLegs(_ context.Context, reservationID string) ([]models.PaymentLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentLeg
	for _, l := range s.legs {
		if l.ReservationID == reservationID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegIndex < out[j].LegIndex })
	return out, nil
}

func (s *Store) StartLeg(_ context.Context, legID string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.legs[legID]
	if !ok || !l.Executable() {
		return false, nil
	}
	at := startedAt
	if l.Status == models.LegFailed {
		l.RetryCount++
	}
	l.Status = models.LegExecuting
	l.StartedAt = &at
	l.UpdatedAt = startedAt
	s.legs[legID] = l
	return true, nil
}

func (s *Store) UpdateLeg(_ context.Context, item *models.PaymentLeg) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.legs[item.ID]; !ok {
		return repository.ErrNotFound
	}
	stamp(nil, &item.UpdatedAt)
	s.legs[item.ID] = *item
	return nil
}

// --- attestations ------------------------------------------------------------

func (s *Store) CreateAttestation(_ context.Context, item *models.Attestation) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attestations[item.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, a := range s.attestations {
		if a.InvoiceID == item.InvoiceID {
			return repository.ErrDuplicate
		}
	}
	stamp(&item.CreatedAt, nil)
	s.attestations[item.ID] = *item
	return nil
}

func (s *Store) GetAttestation(_ context.Context, id string) (*models.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.attestations[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) GetAttestationByInvoice(_ context.Context, invoiceID string) (*models.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attestations {
		if a.InvoiceID == invoiceID {
			out := a
			return &out, nil
		}
	}
	return nil, nil
}

// --- merchant policies -------------------------------------------------------

func (s *Store) UpsertMerchantPolicy(_ context.Context, item *models.MerchantPolicy) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.policies[item.MerchantID]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	}
	stamp(&item.CreatedAt, &item.UpdatedAt)
	s.policies[item.MerchantID] = *item
	return nil
}

func (s *Store) GetMerchantPolicy(_ context.Context, merchantID string) (*models.MerchantPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.policies[merchantID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) GetMerchantPolicyByID(_ context.Context, id string) (*models.MerchantPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.ID == id {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

// --- system settings ---------------------------------------------------------

func (s *Store) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.settings[item.Key]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		s.nextSetting++
		item.ID = s.nextSetting
	}
	stamp(&item.CreatedAt, &item.UpdatedAt)
	s.settings[item.Key] = *item
	return nil
}

func (s *Store) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(_ context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SystemSetting
	for key, it := range s.settings {
		if params.Prefix != nil && !strings.HasPrefix(key, strings.TrimSpace(*params.Prefix)) {
			continue
		}
		out = append(out, it)
	}
	desc := params.Asc != nil && !*params.Asc
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Key > out[j].Key
		}
		return out[i].Key < out[j].Key
	})
	return page(out, params.Limit, params.Offset, 200), nil
}

// --- helpers -----------------------------------------------------------------

func payable(status models.InvoiceStatus) bool {
	return containsInvoiceStatus(repository.PayableInvoiceStatuses, status)
}

func containsInvoiceStatus(items []models.InvoiceStatus, status models.InvoiceStatus) bool {
	for _, it := range items {
		if it == status {
			return true
		}
	}
	return false
}

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
