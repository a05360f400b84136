package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tradedesk/offers-api/internal/domain"
	pfirestore "github.com/tradedesk/offers-api/internal/platform/firestore"
	"github.com/tradedesk/offers-api/internal/services"
)

const cartCollection = "carts"

// cartDocument stores every line of a buyer cart in one document keyed by user id, so a bulk
// replace is a single write.
type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID           string    `firestore:"id"`
	ProductID    string    `firestore:"productId"`
	Quantity     int       `firestore:"quantity"`
	OfferID      string    `firestore:"offerId,omitempty"`
	OfferedPrice *int64    `firestore:"offeredPrice"`
	AddedAt      time.Time `firestore:"addedAt"`
}

// CartRepository hands out per-user cart stores backed by Firestore.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
	now  func() time.Time
}

var _ services.CartProvider = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider, clock func() time.Time) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &CartRepository{
		base: pfirestore.NewBaseRepository[cartDocument](provider, cartCollection),
		now:  func() time.Time { return clock().UTC() },
	}, nil
}

// ForUser binds a CartStore to one buyer.
func (r *CartRepository) ForUser(userID string) services.CartStore {
	return &userCart{repo: r, userID: strings.TrimSpace(userID)}
}

type userCart struct {
	repo   *CartRepository
	userID string
}

// Items returns the stored lines. A cart that was never written is empty.
func (c *userCart) Items(ctx context.Context) ([]domain.CartItem, error) {
	doc, err := c.repo.base.Get(ctx, c.userID)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return []domain.CartItem{}, nil
		}
		return nil, err
	}
	items := make([]domain.CartItem, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		items = append(items, domain.CartItem{
			ID:           item.ID,
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			OfferID:      item.OfferID,
			OfferedPrice: item.OfferedPrice,
			AddedAt:      item.AddedAt.UTC(),
		})
	}
	return items, nil
}

// SetItems replaces the cart contents. Lines without an id receive one.
func (c *userCart) SetItems(ctx context.Context, items []domain.CartItem) error {
	now := c.repo.now()
	doc := cartDocument{Items: make([]cartItemDocument, 0, len(items)), UpdatedAt: now}
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = ulid.Make().String()
		}
		addedAt := item.AddedAt
		if addedAt.IsZero() {
			addedAt = now
		}
		doc.Items = append(doc.Items, cartItemDocument{
			ID:           id,
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			OfferID:      strings.TrimSpace(item.OfferID),
			OfferedPrice: item.OfferedPrice,
			AddedAt:      addedAt.UTC(),
		})
	}
	_, err := c.repo.base.Set(ctx, c.userID, doc)
	return err
}
