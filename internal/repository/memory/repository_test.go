package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flowmint/internal/models"
	"flowmint/internal/repository"
)

func seedInvoice(t *testing.T, s *Store, id string, expiresAt time.Time) {
	t.Helper()
	_, created, err := s.CreateInvoiceIfAbsent(context.Background(), &models.Invoice{
		ID:          id,
		MerchantID:  "m1",
		SettleAsset: models.USDCMainnetMint,
		Amount:      models.NewAmount(2_000_000),
		Status:      models.InvoicePending,
		ExpiresAt:   expiresAt,
	})
	if err != nil || !created {
		t.Fatalf("seed invoice err=%v created=%v", err, created)
	}
}

func TestCreateInvoiceIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := "order-1"
	first, created, err := s.CreateInvoiceIfAbsent(ctx, &models.Invoice{ID: "inv-1", IdempotencyKey: &key, Amount: models.NewAmount(10)})
	if err != nil || !created {
		t.Fatalf("first create err=%v created=%v", err, created)
	}
	second, created, err := s.CreateInvoiceIfAbsent(ctx, &models.Invoice{ID: "inv-2", IdempotencyKey: &key, Amount: models.NewAmount(99)})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("second create should reuse existing invoice")
	}
	if second.ID != first.ID {
		t.Fatalf("id=%s want=%s", second.ID, first.ID)
	}
	if second.Amount.String() != "10" {
		t.Fatalf("amount=%s want=10", second.Amount.String())
	}
}

func TestReserveIfAvailableExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	seedInvoice(t, s, "inv-1", now.Add(time.Hour))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for _, payer := range []string{"payer-a", "payer-b", "payer-c", "payer-d"} {
		wg.Add(1)
		go func(payer string) {
			defer wg.Done()
			ok, err := s.ReserveIfAvailable(ctx, "inv-1", payer, now, now.Add(5*time.Minute))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				won = append(won, payer)
				mu.Unlock()
			}
		}(payer)
	}
	wg.Wait()
	if len(won) != 1 {
		t.Fatalf("winners=%v want exactly one", won)
	}

	ok, err := s.ReserveIfAvailable(ctx, "inv-1", won[0], now, now.Add(10*time.Minute))
	if err != nil || !ok {
		t.Fatalf("holder re-reserve ok=%v err=%v", ok, err)
	}

	later := now.Add(11 * time.Minute)
	ok, err = s.ReserveIfAvailable(ctx, "inv-1", "payer-z", later, later.Add(5*time.Minute))
	if err != nil || !ok {
		t.Fatalf("reserve after lapse ok=%v err=%v", ok, err)
	}
}

func TestMarkInvoicePaidOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	seedInvoice(t, s, "inv-1", now.Add(time.Hour))

	ok, err := s.MarkInvoicePaid(ctx, "inv-1", "sig-1", now)
	if err != nil || !ok {
		t.Fatalf("first mark ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkInvoicePaid(ctx, "inv-1", "sig-2", now)
	if err != nil || ok {
		t.Fatalf("second mark ok=%v err=%v", ok, err)
	}
	inv, _ := s.GetInvoice(ctx, "inv-1")
	if inv.SettlementTxRef == nil || *inv.SettlementTxRef != "sig-1" {
		t.Fatalf("tx ref=%v want=sig-1", inv.SettlementTxRef)
	}
}

func TestLegIndexUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	legs := []models.PaymentLeg{
		{ID: "leg-0", ReservationID: "res-1", LegIndex: 0, Status: models.LegPending},
		{ID: "leg-1", ReservationID: "res-1", LegIndex: 0, Status: models.LegPending},
	}
	err := s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-1", InvoiceID: "inv-1", Status: models.ReservationActive, TotalLegs: 2}, legs)
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("err=%v want=ErrDuplicate", err)
	}

	err = s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-1", InvoiceID: "inv-1", Status: models.ReservationActive, TotalLegs: 1}, legs[:1])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = s.SaveLeg(ctx, &models.PaymentLeg{ID: "leg-9", ReservationID: "res-1", LegIndex: 0})
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("save dup err=%v want=ErrDuplicate", err)
	}
}

func TestSingleActiveReservationPerInvoice(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-1", InvoiceID: "inv-1", Status: models.ReservationActive}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-2", InvoiceID: "inv-1", Status: models.ReservationActive}, nil)
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("err=%v want=ErrDuplicate", err)
	}
}

// seedExecuting stores an active reservation of total legs whose first leg
// is executing.
func seedExecuting(t *testing.T, s *Store, resID string, total int) *models.PaymentLeg {
	t.Helper()
	ctx := context.Background()
	legs := make([]models.PaymentLeg, 0, total)
	for i := 0; i < total; i++ {
		legs = append(legs, models.PaymentLeg{
			ID:            fmt.Sprintf("%s-leg-%d", resID, i),
			ReservationID: resID,
			InvoiceID:     "inv-1",
			LegIndex:      i,
			Status:        models.LegPending,
			MaxRetries:    2,
		})
	}
	err := s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{
		ID:        resID,
		InvoiceID: "inv-1",
		Status:    models.ReservationActive,
		TotalLegs: total,
		ExpiresAt: time.Now().Add(time.Hour),
	}, legs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := s.StartLeg(ctx, legs[0].ID, time.Now()); !ok || err != nil {
		t.Fatalf("start ok=%v err=%v", ok, err)
	}
	leg, _ := s.GetLeg(ctx, resID, 0)
	return leg
}

func TestSettleLeg(t *testing.T) {
	s := New()
	ctx := context.Background()
	leg := seedExecuting(t, s, "res-1", 2)

	leg.Status = models.LegCompleted
	got, err := s.SettleLeg(ctx, leg, models.NewAmount(1_000_000), false)
	if err != nil {
		t.Fatalf("settle 0: %v", err)
	}
	if !got.WasActive || got.Reservation.Status != models.ReservationActive || got.Reservation.CompletedLegs != 1 {
		t.Fatalf("settlement=%+v", got)
	}
	if stored, _ := s.GetLeg(ctx, "res-1", 0); stored.Status != models.LegCompleted {
		t.Fatalf("leg status=%s want=completed", stored.Status)
	}
	if _, err := s.SettleLeg(ctx, leg, models.NewAmount(1), false); !errors.Is(err, repository.ErrLegNotExecuting) {
		t.Fatalf("second settle err=%v want=ErrLegNotExecuting", err)
	}

	next, _ := s.GetLeg(ctx, "res-1", 1)
	if ok, _ := s.StartLeg(ctx, next.ID, time.Now()); !ok {
		t.Fatalf("start leg 1 refused")
	}
	next.Status = models.LegCompleted
	got, err = s.SettleLeg(ctx, next, models.NewAmount(1_000_000), false)
	if err != nil {
		t.Fatalf("settle 1: %v", err)
	}
	if got.Reservation.Status != models.ReservationCompleted || got.Reservation.SettlementCollected.String() != "2000000" {
		t.Fatalf("status=%s collected=%s", got.Reservation.Status, got.Reservation.SettlementCollected)
	}
}

func TestSettleLegCountsInactiveReservation(t *testing.T) {
	s := New()
	ctx := context.Background()
	leg := seedExecuting(t, s, "res-1", 2)
	if ok, _ := s.TransitionReservation(ctx, "res-1", []models.ReservationStatus{models.ReservationActive}, models.ReservationCancelled); !ok {
		t.Fatalf("cancel refused")
	}

	leg.Status = models.LegCompleted
	got, err := s.SettleLeg(ctx, leg, models.NewAmount(700), false)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got.WasActive {
		t.Fatalf("WasActive=true for a cancelled reservation")
	}
	if got.Reservation.Status != models.ReservationCancelled || got.Reservation.CompletedLegs != 1 || got.Reservation.SettlementCollected.String() != "700" {
		t.Fatalf("reservation=%+v", got.Reservation)
	}
}

func TestSettleLegHaltMovesToPartialFailure(t *testing.T) {
	s := New()
	leg := seedExecuting(t, s, "res-1", 1)

	leg.Status = models.LegCompleted
	got, err := s.SettleLeg(context.Background(), leg, models.NewAmount(900), true)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got.Reservation.Status != models.ReservationPartialFailure || got.Reservation.CompletedLegs != 1 {
		t.Fatalf("status=%s completed=%d", got.Reservation.Status, got.Reservation.CompletedLegs)
	}
}

func TestUnresolvedSettlementBlocksNewReservation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	seedInvoice(t, s, "inv-1", now.Add(time.Hour))
	leg := seedExecuting(t, s, "res-1", 2)
	leg.Status = models.LegCompleted
	if _, err := s.SettleLeg(ctx, leg, models.NewAmount(1_000_000), false); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if ok, _ := s.TransitionReservation(ctx, "res-1", []models.ReservationStatus{models.ReservationActive}, models.ReservationExpired); !ok {
		t.Fatalf("expire refused")
	}

	ok, err := s.ReserveIfAvailable(ctx, "inv-1", "payer-a", now, now.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("reserve ok=%v err=%v want refused", ok, err)
	}
	err = s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-2", InvoiceID: "inv-1", Status: models.ReservationActive}, nil)
	if !errors.Is(err, repository.ErrSettlementUnresolved) {
		t.Fatalf("err=%v want=ErrSettlementUnresolved", err)
	}

	// An expired reservation that moved nothing does not block.
	seedInvoice(t, s, "inv-2", now.Add(time.Hour))
	_ = s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-3", InvoiceID: "inv-2", Status: models.ReservationExpired}, nil)
	if ok, _ := s.ReserveIfAvailable(ctx, "inv-2", "payer-a", now, now.Add(time.Minute)); !ok {
		t.Fatalf("reserve inv-2 refused")
	}
}

func TestStartLegConsumesRetryOnRestart(t *testing.T) {
	s := New()
	ctx := context.Background()
	leg := seedExecuting(t, s, "res-1", 1)
	if leg.RetryCount != 0 {
		t.Fatalf("first start retry_count=%d want=0", leg.RetryCount)
	}
	for want := 1; want <= 2; want++ {
		leg.Status = models.LegFailed
		if err := s.UpdateLeg(ctx, leg); err != nil {
			t.Fatalf("update: %v", err)
		}
		if ok, _ := s.StartLeg(ctx, leg.ID, time.Now()); !ok {
			t.Fatalf("restart %d refused", want)
		}
		leg, _ = s.GetLeg(ctx, "res-1", 0)
		if leg.RetryCount != want {
			t.Fatalf("retry_count=%d want=%d", leg.RetryCount, want)
		}
	}
	leg.Status = models.LegFailed
	_ = s.UpdateLeg(ctx, leg)
	if ok, _ := s.StartLeg(ctx, leg.ID, time.Now()); ok {
		t.Fatalf("restart allowed with no retries left")
	}
}

func TestExpireSkipsInFlightAndCompleted(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	seedInvoice(t, s, "inv-stale", now.Add(-time.Minute))
	seedInvoice(t, s, "inv-busy", now.Add(-time.Minute))
	seedInvoice(t, s, "inv-paid", now.Add(-time.Minute))
	if _, err := s.MarkInvoicePaid(ctx, "inv-paid", "sig", now); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	_ = s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-busy", InvoiceID: "inv-busy", Status: models.ReservationActive, ExpiresAt: now.Add(time.Hour)}, nil)

	expired, err := s.ExpireInvoices(ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "inv-stale" {
		t.Fatalf("expired=%v want [inv-stale]", expired)
	}
	paid, _ := s.GetInvoice(ctx, "inv-paid")
	if paid.Status != models.InvoicePaid {
		t.Fatalf("paid invoice status=%s", paid.Status)
	}
}

func TestExpireReservationsSkipsExecutingLeg(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.CreateReservationWithLegs(ctx, &models.InvoiceReservation{ID: "res-1", InvoiceID: "inv-1", Status: models.ReservationActive, ExpiresAt: now.Add(-time.Second)},
		[]models.PaymentLeg{{ID: "leg-0", ReservationID: "res-1", LegIndex: 0, Status: models.LegPending, MaxRetries: 3}})
	if ok, _ := s.StartLeg(ctx, "leg-0", now); !ok {
		t.Fatalf("start leg failed")
	}
	expired, _ := s.ExpireReservations(ctx, now)
	if len(expired) != 0 {
		t.Fatalf("expired=%d want=0 while a leg executes", len(expired))
	}
}
