//go:build integration

package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/tradedesk/offers-api/internal/domain"
	pconfig "github.com/tradedesk/offers-api/internal/platform/config"
	pfirestore "github.com/tradedesk/offers-api/internal/platform/firestore"
	"github.com/tradedesk/offers-api/internal/repositories"
)

func newEmulatorProvider(t *testing.T) *pfirestore.Provider {
	t.Helper()
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "offers-test", EmulatorHost: host})
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func TestOfferRepositoryLifecycle(t *testing.T) {
	provider := newEmulatorProvider(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	repo, err := NewOfferRepository(provider, time.Hour, func() time.Time { return now })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	buyer := "buyer-" + ulid.Make().String()
	expires := now.Add(48 * time.Hour)
	created, err := repo.CreateOffer(ctx, domain.Offer{
		ID:              ulid.Make().String(),
		BuyerID:         buyer,
		SupplierID:      "supplier-1",
		ProductID:       "product-1",
		OfferedPrice:    1200,
		OfferedQuantity: 10,
		Status:          domain.OfferStatusPending,
		ExpiresAt:       &expires,
		CreatedAt:       now,
	})
	require.NoError(t, err)

	usage, err := repo.OfferLimits(ctx, buyer, "product-1", "supplier-1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.ProductCount)
	assert.Equal(t, 1, usage.SupplierCount)

	accepted, err := repo.AcceptOffer(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, accepted.PurchaseDeadline)
	assert.True(t, accepted.PurchaseDeadline.Equal(now.Add(time.Hour)))

	_, err = repo.AcceptOffer(ctx, created.ID)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	result, err := repo.MarkPurchased(ctx, created.ID, "order-1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	again, err := repo.MarkPurchased(ctx, created.ID, "order-1")
	require.NoError(t, err)
	assert.True(t, again.Success)

	other, err := repo.MarkPurchased(ctx, created.ID, "order-2")
	require.NoError(t, err)
	assert.False(t, other.Success)

	offers, err := repo.ListBuyerOffers(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "reserved", offers[0].RawStatus)
	assert.Equal(t, "order-1", offers[0].OrderID)

	err = repo.DeleteOffer(ctx, created.ID)
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	pending, err := repo.CreateOffer(ctx, domain.Offer{
		ID:              ulid.Make().String(),
		BuyerID:         buyer,
		SupplierID:      "supplier-1",
		ProductID:       "product-2",
		OfferedPrice:    900,
		OfferedQuantity: 5,
		Status:          domain.OfferStatusPending,
		ExpiresAt:       &expires,
		CreatedAt:       now,
	})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteOffer(ctx, pending.ID))
	require.NoError(t, repo.DeleteOffer(ctx, pending.ID))

	offers, err = repo.ListBuyerOffers(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, created.ID, offers[0].ID)

	stored, err := repo.base.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.Data.DeletedAt)

	_, err = repo.AcceptOffer(ctx, pending.ID)
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestCartAndTierRepositories(t *testing.T) {
	provider := newEmulatorProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	carts, err := NewCartRepository(provider, nil)
	require.NoError(t, err)
	cart := carts.ForUser("cart-" + ulid.Make().String())

	items, err := cart.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	price := int64(900)
	require.NoError(t, cart.SetItems(ctx, []domain.CartItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1, OfferID: "o1", OfferedPrice: &price},
	}))
	items, err = cart.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.NotEmpty(t, items[0].ID)
	require.NotNil(t, items[1].OfferedPrice)
	assert.Equal(t, price, *items[1].OfferedPrice)

	tiers, err := NewPriceTierRepository(provider, nil)
	require.NoError(t, err)
	productID := "product-" + ulid.Make().String()
	nine := 9
	require.NoError(t, tiers.ReplaceTiers(ctx, productID, []domain.PriceTier{
		{MinQuantity: 1, MaxQuantity: &nine, Price: 100},
		{MinQuantity: 10, Price: 80},
	}))
	require.NoError(t, tiers.ReplaceTiers(ctx, productID, []domain.PriceTier{{MinQuantity: 5, Price: 70}}))

	listed, err := tiers.ListTiers(ctx, productID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 5, listed[0].MinQuantity)
	assert.Nil(t, listed[0].MaxQuantity)

	_, err = tiers.BasePrice(ctx, productID)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}
