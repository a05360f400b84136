package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/tradedesk/offers-api/internal/domain"
	pfirestore "github.com/tradedesk/offers-api/internal/platform/firestore"
	"github.com/tradedesk/offers-api/internal/services"
)

const (
	quantityRangesCollection = "product_quantity_ranges"
	productsCollection       = "products"
)

type quantityRangeDocument struct {
	ProductID   string    `firestore:"productId"`
	MinQuantity int       `firestore:"minQuantity"`
	MaxQuantity *int      `firestore:"maxQuantity"`
	Price       int64     `firestore:"price"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

type productPriceDocument struct {
	Price int64 `firestore:"price"`
}

// PriceTierRepository reads quantity ranges and product base prices for the tier resolver.
type PriceTierRepository struct {
	provider *pfirestore.Provider
	ranges   *pfirestore.BaseRepository[quantityRangeDocument]
	products *pfirestore.BaseRepository[productPriceDocument]
	now      func() time.Time
}

var _ services.TierSource = (*PriceTierRepository)(nil)

// NewPriceTierRepository constructs the tier source.
func NewPriceTierRepository(provider *pfirestore.Provider, clock func() time.Time) (*PriceTierRepository, error) {
	if provider == nil {
		return nil, errors.New("price tier repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PriceTierRepository{
		provider: provider,
		ranges:   pfirestore.NewBaseRepository[quantityRangeDocument](provider, quantityRangesCollection),
		products: pfirestore.NewBaseRepository[productPriceDocument](provider, productsCollection),
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

// ListTiers returns the product's ranges in ascending min quantity.
func (r *PriceTierRepository) ListTiers(ctx context.Context, productID string) ([]domain.PriceTier, error) {
	docs, err := r.ranges.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("productId", "==", strings.TrimSpace(productID)).OrderBy("minQuantity", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	tiers := make([]domain.PriceTier, 0, len(docs))
	for _, doc := range docs {
		tiers = append(tiers, domain.PriceTier{
			MinQuantity: doc.Data.MinQuantity,
			MaxQuantity: doc.Data.MaxQuantity,
			Price:       doc.Data.Price,
		})
	}
	return tiers, nil
}

// BasePrice reads the per-unit list price stored on the product document.
func (r *PriceTierRepository) BasePrice(ctx context.Context, productID string) (int64, error) {
	doc, err := r.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return 0, err
	}
	return doc.Data.Price, nil
}

// ReplaceTiers swaps every range of the product in one transaction.
func (r *PriceTierRepository) ReplaceTiers(ctx context.Context, productID string, tiers []domain.PriceTier) error {
	productID = strings.TrimSpace(productID)
	coll, err := r.ranges.Collection(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(coll.Where("productId", "==", productID)).GetAll()
		if err != nil {
			return pfirestore.WrapError("product_quantity_ranges.list", err)
		}
		for _, snap := range existing {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		for _, tier := range tiers {
			doc := quantityRangeDocument{
				ProductID:   productID,
				MinQuantity: tier.MinQuantity,
				MaxQuantity: tier.MaxQuantity,
				Price:       tier.Price,
				UpdatedAt:   now,
			}
			if err := tx.Create(coll.Doc(ulid.Make().String()), doc); err != nil {
				return err
			}
		}
		return nil
	})
}
