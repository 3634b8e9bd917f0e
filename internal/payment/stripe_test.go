package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
)

func TestCreateCheckoutSessionInlinePrice(t *testing.T) {
	var got *stripe.CheckoutSessionParams
	s := &Stripe{
		currency: "usd",
		createCheckoutSession: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			got = params
			return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
		},
	}

	sess, err := s.CreateCheckoutSession(context.Background(), CheckoutRequest{
		Mode:          ModePayment,
		LineItems:     []LineItem{{Name: "Go Basics", UnitAmount: 4900}},
		SuccessURL:    "https://app.test/ok",
		CancelURL:     "https://app.test/cancel",
		Metadata:      map[string]string{MetaCourseID: "c1", MetaUserID: "user_1"},
		CustomerEmail: "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_1", sess.URL)

	require.Len(t, got.LineItems, 1)
	li := got.LineItems[0]
	assert.Nil(t, li.Price)
	assert.Equal(t, int64(4900), *li.PriceData.UnitAmount)
	assert.Equal(t, "usd", *li.PriceData.Currency)
	assert.Equal(t, int64(1), *li.Quantity)
	assert.Equal(t, "payment", *got.Mode)
	assert.Equal(t, "ada@example.com", *got.CustomerEmail)
	assert.Equal(t, "c1", got.Metadata[MetaCourseID])
	assert.Nil(t, got.SubscriptionData)
}

func TestCreateCheckoutSessionSubscriptionCopiesMetadata(t *testing.T) {
	var got *stripe.CheckoutSessionParams
	s := &Stripe{
		createCheckoutSession: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			got = params
			return &stripe.CheckoutSession{ID: "cs_2"}, nil
		},
	}
	md := map[string]string{MetaOrganizationID: "o-1", MetaPurchaseType: PurchaseSubscription}

	_, err := s.CreateCheckoutSession(context.Background(), CheckoutRequest{
		Mode:       ModeSubscription,
		LineItems:  []LineItem{{PriceID: "price_1"}},
		CustomerID: "cus_1",
		Metadata:   md,
	})
	require.NoError(t, err)
	assert.Equal(t, "price_1", *got.LineItems[0].Price)
	assert.Equal(t, "cus_1", *got.Customer)
	assert.Nil(t, got.CustomerEmail)
	require.NotNil(t, got.SubscriptionData)
	assert.Equal(t, md, got.SubscriptionData.Metadata)
}

func TestCreateCheckoutSessionRequiresItems(t *testing.T) {
	_, err := (&Stripe{}).CreateCheckoutSession(context.Background(), CheckoutRequest{Mode: ModePayment})
	assert.Error(t, err)
}

func TestCancelSubscription(t *testing.T) {
	var updated, cancelled bool
	s := &Stripe{
		updateSubscription: func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			updated = true
			assert.True(t, *params.CancelAtPeriodEnd)
			return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive, CancelAtPeriodEnd: true}, nil
		},
		cancelSubscription: func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
			cancelled = true
			return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
		},
	}

	sub, err := s.CancelSubscription(context.Background(), "sub_1", true)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.False(t, cancelled)
	assert.True(t, sub.CancelAtPeriodEnd)

	sub, err = s.CancelSubscription(context.Background(), "sub_1", false)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, "canceled", sub.Status)
}

func TestUpdateSubscriptionTargetsExistingItem(t *testing.T) {
	s := &Stripe{
		getSubscription: func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID:       id,
				Customer: &stripe.Customer{ID: "cus_1"},
				Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
					{ID: "si_1", Price: &stripe.Price{ID: "price_old"}},
				}},
			}, nil
		},
		updateSubscription: func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			require.Len(t, params.Items, 1)
			assert.Equal(t, "si_1", *params.Items[0].ID)
			assert.Equal(t, "price_new", *params.Items[0].Price)
			return &stripe.Subscription{
				ID: id,
				Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
					{ID: "si_1", Price: &stripe.Price{ID: "price_new"}},
				}},
			}, nil
		},
	}

	sub, err := s.UpdateSubscription(context.Background(), "sub_1", "price_new")
	require.NoError(t, err)
	assert.Equal(t, "price_new", sub.PriceID)
}

func TestProviderErrorsAreWrapped(t *testing.T) {
	boom := errors.New("card network down")
	s := &Stripe{
		createCustomer: func(params *stripe.CustomerParams) (*stripe.Customer, error) { return nil, boom },
		createPrice:    func(params *stripe.PriceParams) (*stripe.Price, error) { return nil, boom },
		createPortalSession: func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
			return nil, boom
		},
	}

	_, err := s.CreateCustomer(context.Background(), CustomerRequest{Email: "a@b.com"})
	assert.ErrorIs(t, err, boom)
	_, err = s.CreatePrice(context.Background(), PriceRequest{ProductName: "Starter", UnitAmount: 100})
	assert.ErrorIs(t, err, boom)
	_, err = s.CreateBillingPortalSession(context.Background(), "cus_1", "https://app.test")
	assert.ErrorIs(t, err, boom)
}
