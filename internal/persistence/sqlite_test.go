package persistence

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lottery/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "data", "lottery.db"), 18)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPurchase(hash, buyer string, count uint64, at time.Time) models.Purchase {
	value, _ := new(big.Int).SetString("30000000000000000", 10)
	return models.Purchase{
		TxHash:    hash,
		Buyer:     buyer,
		Count:     count,
		Value:     value,
		GasLimit:  120000,
		Status:    models.PurchaseSubmitted,
		CreatedAt: at,
	}
}

func TestPurchaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := testPurchase("0xaa", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", 3, at)
	require.NoError(t, s.RecordPurchase(ctx, p))

	got, err := s.GetPurchase(ctx, "0xaa")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, p.Buyer, got.Buyer)
	require.Equal(t, uint64(3), got.Count)
	require.Equal(t, uint64(120000), got.GasLimit)
	require.Zero(t, p.Value.Cmp(got.Value))
	require.Equal(t, models.PurchaseSubmitted, got.Status)
	require.True(t, at.Equal(got.CreatedAt))

	require.NoError(t, s.UpdatePurchaseStatus(ctx, "0xaa", models.PurchaseMined))
	got, err = s.GetPurchase(ctx, "0xaa")
	require.NoError(t, err)
	require.Equal(t, models.PurchaseMined, got.Status)
}

func TestRecordPurchaseTwiceUpdatesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPurchase("0xaa", "0xabc", 1, time.Now().UTC())
	require.NoError(t, s.RecordPurchase(ctx, p))
	p.Status = models.PurchaseFailed
	require.NoError(t, s.RecordPurchase(ctx, p))

	all, err := s.GetPurchases(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, models.PurchaseFailed, all[0].Status)
}

func TestGetPurchaseUnknown(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetPurchase(context.Background(), "0xnope")
	require.NoError(t, err)
	require.Nil(t, got)

	require.Error(t, s.UpdatePurchaseStatus(context.Background(), "0xnope", models.PurchaseMined))
}

func TestGetPurchasesFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	alice := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	bob := "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	require.NoError(t, s.RecordPurchase(ctx, testPurchase("0x01", alice, 1, base)))
	require.NoError(t, s.RecordPurchase(ctx, testPurchase("0x02", bob, 2, base.Add(time.Minute))))
	require.NoError(t, s.RecordPurchase(ctx, testPurchase("0x03", alice, 3, base.Add(2*time.Minute))))

	got, err := s.GetPurchases(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "0x03", got[0].TxHash)
	require.Equal(t, "0x01", got[1].TxHash)

	// Buyer matching ignores checksum case.
	got, err = s.GetPurchases(ctx, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.GetPurchases(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "0x03", got[0].TxHash)
	require.Equal(t, "0x02", got[1].TxHash)
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, latest)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		pool := new(big.Int).Mul(big.NewInt(int64(i+1)), big.NewInt(1e16))
		require.NoError(t, s.RecordSnapshot(ctx, models.StatusSnapshot{
			Status: models.LotteryStatus{
				IsActive:     i < 2,
				TotalTickets: uint64(i + 1),
				PoolWei:      pool,
			},
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err = s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.False(t, latest.Status.IsActive)
	require.Equal(t, uint64(3), latest.Status.TotalTickets)
	require.Equal(t, "0.03", latest.Status.TotalPoolAmount)
	require.True(t, base.Add(2*time.Minute).Equal(latest.ObservedAt))

	since, err := s.GetSnapshots(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.Equal(t, uint64(2), since[1].Status.TotalTickets)
	require.True(t, since[1].Status.IsActive)
}

func TestBindContract(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.BindContract(ctx, "0x26c05Bd0aD5eE25bf1480F2aD7Ed9a3eA2a7961d")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.BindContract(ctx, "0x26c05bd0ad5ee25bf1480f2ad7ed9a3ea2a7961d")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.BindContract(ctx, "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lottery.db")
	ctx := context.Background()

	s, err := NewStore(path, 18)
	require.NoError(t, err)
	require.NoError(t, s.RecordPurchase(ctx, testPurchase("0xaa", "0xabc", 1, time.Now().UTC())))
	require.NoError(t, s.Close())

	s, err = NewStore(path, 18)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetPurchase(ctx, "0xaa")
	require.NoError(t, err)
	require.NotNil(t, got)
}
