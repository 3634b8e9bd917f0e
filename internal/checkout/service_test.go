package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/cohort/internal/course"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/user"
)

// --- fakes ---

type fakeAccess map[string]bool

func (f fakeAccess) HasAccess(ctx context.Context, userID, courseID string) bool {
	return f[userID+"/"+courseID]
}

type fakeCourses map[string]*course.Course

func (f fakeCourses) Get(ctx context.Context, id string) (*course.Course, error) { return f[id], nil }

type fakeProfiles map[string]*identity.User

func (f fakeProfiles) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	u, ok := f[userID]
	if !ok {
		return nil, errors.New("not found")
	}
	return u, nil
}

type fakeUsers struct {
	byExternal map[string]*user.User
	members    int
}

func (f *fakeUsers) GetByExternalID(ctx context.Context, externalID string) (*user.User, error) {
	return f.byExternal[externalID], nil
}

func (f *fakeUsers) Upsert(ctx context.Context, p user.Profile) (*user.User, error) {
	u := &user.User{ID: "new-" + p.ExternalID, ExternalID: p.ExternalID, Email: p.Email}
	f.byExternal[p.ExternalID] = u
	return u, nil
}

func (f *fakeUsers) CountByOrganization(ctx context.Context, organizationID string) (int, error) {
	return f.members, nil
}

type fakeEnrollments struct {
	created []course.CreateEnrollmentInput
}

func (f *fakeEnrollments) Create(ctx context.Context, in course.CreateEnrollmentInput) (*course.Enrollment, error) {
	f.created = append(f.created, in)
	return &course.Enrollment{ID: "e1", StudentID: in.StudentID, CourseID: in.CourseID, PaymentID: in.PaymentID}, nil
}

type fakeOrgs struct {
	orgs map[string]*organization.Organization
}

func (f *fakeOrgs) GetByID(ctx context.Context, id string) (*organization.Organization, error) {
	return f.orgs[id], nil
}

func (f *fakeOrgs) SetBillingCustomer(ctx context.Context, id, customerID string) error {
	f.orgs[id].StripeCustomerID = customerID
	return nil
}

func (f *fakeOrgs) SetEmployeeLimit(ctx context.Context, id string, limit int) error {
	f.orgs[id].EmployeeLimit = limit
	return nil
}

func (f *fakeOrgs) SetSubscriptionStatus(ctx context.Context, id string, status organization.Status) error {
	f.orgs[id].SubscriptionStatus = status
	return nil
}

type fakeSubs struct{ subs []*organization.Subscription }

func (f *fakeSubs) ListByOrganization(ctx context.Context, organizationID string) ([]*organization.Subscription, error) {
	var out []*organization.Subscription
	for _, s := range f.subs {
		if s.OrganizationID == organizationID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubs) UpdatePlan(ctx context.Context, id string, plan organization.Plan, limit int, price int64) error {
	for _, s := range f.subs {
		if s.ID == id {
			s.Plan, s.EmployeeLimit, s.PricePerMonth = plan, limit, price
		}
	}
	return nil
}

func (f *fakeSubs) UpdateStatus(ctx context.Context, id string, status organization.SubscriptionStatus, endDate *time.Time) error {
	for _, s := range f.subs {
		if s.ID == id {
			s.Status, s.EndDate = status, endDate
		}
	}
	return nil
}

type fakePurchases map[string]bool

func (f fakePurchases) Exists(ctx context.Context, organizationID, courseID string) (bool, error) {
	return f[organizationID+"/"+courseID], nil
}

type fakePayments struct {
	sessions  []payment.CheckoutRequest
	customers []payment.CustomerRequest
	prices    []payment.PriceRequest
	updated   map[string]string
	cancelled map[string]bool
	portal    string
}

func (f *fakePayments) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	f.sessions = append(f.sessions, req)
	return &payment.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

func (f *fakePayments) CreateCustomer(ctx context.Context, req payment.CustomerRequest) (string, error) {
	f.customers = append(f.customers, req)
	return "cus_new", nil
}

func (f *fakePayments) CreatePrice(ctx context.Context, req payment.PriceRequest) (string, error) {
	f.prices = append(f.prices, req)
	return "price_new", nil
}

func (f *fakePayments) RetrieveSubscription(ctx context.Context, id string) (*payment.Subscription, error) {
	return &payment.Subscription{ID: id}, nil
}

func (f *fakePayments) UpdateSubscription(ctx context.Context, id, priceID string) (*payment.Subscription, error) {
	f.updated[id] = priceID
	return &payment.Subscription{ID: id, PriceID: priceID}, nil
}

func (f *fakePayments) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*payment.Subscription, error) {
	f.cancelled[id] = atPeriodEnd
	return &payment.Subscription{ID: id, CancelAtPeriodEnd: atPeriodEnd}, nil
}

func (f *fakePayments) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	f.portal = customerID + " " + returnURL
	return "https://billing.stripe.com/p/session_1", nil
}

type fixture struct {
	svc         *Service
	access      fakeAccess
	users       *fakeUsers
	enrollments *fakeEnrollments
	orgs        *fakeOrgs
	subs        *fakeSubs
	purchases   fakePurchases
	payments    *fakePayments
}

func newFixture() *fixture {
	orgID := "o1"
	f := &fixture{
		access: fakeAccess{},
		users: &fakeUsers{byExternal: map[string]*user.User{
			"user_admin":   {ID: "a1", ExternalID: "user_admin", Email: "admin@acme.com", OrganizationID: &orgID, Role: user.RoleAdmin},
			"user_student": {ID: "s1", ExternalID: "user_student", Email: "s@example.com"},
		}, members: 3},
		enrollments: &fakeEnrollments{},
		orgs: &fakeOrgs{orgs: map[string]*organization.Organization{
			"o1": {ID: "o1", ExternalID: "org_1", Name: "Acme", BillingEmail: "billing@acme.com", EmployeeLimit: 10},
		}},
		subs:      &fakeSubs{},
		purchases: fakePurchases{},
		payments:  &fakePayments{updated: map[string]string{}, cancelled: map[string]bool{}},
	}
	f.svc = NewService(Deps{
		Access: f.access,
		Courses: fakeCourses{
			"c1":    {ID: "c1", Slug: "go-basics", Title: "Go Basics", Price: 4900, Published: true},
			"free":  {ID: "free", Slug: "intro", Title: "Intro", IsFree: true, Published: true},
			"draft": {ID: "draft", Slug: "draft", Title: "Draft", Price: 100},
		},
		Profiles:      fakeProfiles{"user_fresh": {ID: "user_fresh", Email: "fresh@example.com"}},
		Users:         f.users,
		Enrollments:   f.enrollments,
		Organizations: f.orgs,
		Subscriptions: f.subs,
		Purchases:     f.purchases,
		Payments:      f.payments,
	}, Config{
		BaseURL: "https://learn.example.com/",
		Plans: organization.Catalog{
			organization.PlanStarter:      {EmployeeLimit: 10, PricePerMonth: 9900},
			organization.PlanProfessional: {EmployeeLimit: 50, PricePerMonth: 29900},
		},
	})
	f.svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return f
}

func (f *fixture) activeSubscription() *organization.Subscription {
	sub := &organization.Subscription{
		ID: "sub1", OrganizationID: "o1", Plan: organization.PlanStarter,
		Status: organization.SubscriptionActive, StripeSubscriptionID: "sub_123",
	}
	f.subs.subs = append(f.subs.subs, sub)
	return sub
}

// --- individual purchases ---

func TestPurchaseCourseCreatesPaymentSession(t *testing.T) {
	f := newFixture()
	res, err := f.svc.PurchaseCourse(context.Background(), "user_student", "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", res.CheckoutURL)
	assert.False(t, res.Enrolled)

	require.Len(t, f.payments.sessions, 1)
	req := f.payments.sessions[0]
	assert.Equal(t, payment.ModePayment, req.Mode)
	assert.Equal(t, map[string]string{"courseId": "c1", "userId": "user_student"}, req.Metadata)
	assert.Equal(t, int64(4900), req.LineItems[0].UnitAmount)
	assert.Equal(t, "https://learn.example.com/courses/go-basics?checkout=success", req.SuccessURL)
	assert.Equal(t, "s@example.com", req.CustomerEmail)
}

func TestPurchaseCourseFreeEnrollsDirectly(t *testing.T) {
	f := newFixture()
	res, err := f.svc.PurchaseCourse(context.Background(), "user_student", "free")
	require.NoError(t, err)
	assert.True(t, res.Enrolled)
	assert.Empty(t, f.payments.sessions)
	require.Len(t, f.enrollments.created, 1)
	assert.Equal(t, "free:free:s1", f.enrollments.created[0].PaymentID)
}

func TestPurchaseCourseMirrorsUnknownStudent(t *testing.T) {
	f := newFixture()
	_, err := f.svc.PurchaseCourse(context.Background(), "user_fresh", "c1")
	require.NoError(t, err)
	assert.NotNil(t, f.users.byExternal["user_fresh"])
	assert.Equal(t, "fresh@example.com", f.payments.sessions[0].CustomerEmail)
}

func TestPurchaseCourseRejections(t *testing.T) {
	f := newFixture()
	f.access["user_student/c1"] = true

	_, err := f.svc.PurchaseCourse(context.Background(), "user_student", "c1")
	assert.ErrorIs(t, err, ErrAlreadyHasAccess)

	_, err = f.svc.PurchaseCourse(context.Background(), "user_student", "missing")
	assert.ErrorIs(t, err, ErrCourseNotFound)

	_, err = f.svc.PurchaseCourse(context.Background(), "user_student", "draft")
	assert.ErrorIs(t, err, ErrCourseNotFound)
	assert.Empty(t, f.payments.sessions)
}

// --- organization purchases ---

func TestPurchaseForOrganization(t *testing.T) {
	f := newFixture()
	_, err := f.svc.PurchaseForOrganization(context.Background(), "user_admin", "o1", "c1")
	require.NoError(t, err)

	req := f.payments.sessions[0]
	assert.Equal(t, map[string]string{
		"courseId":       "c1",
		"userId":         "user_admin",
		"organizationId": "o1",
		"purchaseType":   "organization",
	}, req.Metadata)
	assert.Equal(t, "admin@acme.com", req.CustomerEmail)
}

func TestPurchaseForOrganizationRejections(t *testing.T) {
	f := newFixture()
	_, err := f.svc.PurchaseForOrganization(context.Background(), "user_student", "o1", "c1")
	assert.ErrorIs(t, err, organization.ErrNotAdmin)

	f.purchases["o1/c1"] = true
	_, err = f.svc.PurchaseForOrganization(context.Background(), "user_admin", "o1", "c1")
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	assert.Empty(t, f.payments.sessions)
}

// --- subscriptions ---

func TestSubscribeCreatesCustomerAndPrice(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Subscribe(context.Background(), "user_admin", "o1", organization.PlanProfessional)
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckoutURL)

	require.Len(t, f.payments.customers, 1)
	assert.Equal(t, "billing@acme.com", f.payments.customers[0].Email)
	assert.Equal(t, "cus_new", f.orgs.orgs["o1"].StripeCustomerID)

	require.Len(t, f.payments.prices, 1)
	assert.Equal(t, payment.PriceRequest{ProductName: "Cohort Professional", UnitAmount: 29900, Interval: "month"}, f.payments.prices[0])

	req := f.payments.sessions[0]
	assert.Equal(t, payment.ModeSubscription, req.Mode)
	assert.Equal(t, "price_new", req.LineItems[0].PriceID)
	assert.Equal(t, "cus_new", req.CustomerID)
	assert.Equal(t, "subscription", req.Metadata["purchaseType"])
	assert.Equal(t, "professional", req.Metadata["plan"])
	assert.Equal(t, "o1", req.Metadata["organizationId"])
}

func TestSubscribeReusesCustomer(t *testing.T) {
	f := newFixture()
	f.orgs.orgs["o1"].StripeCustomerID = "cus_existing"

	_, err := f.svc.Subscribe(context.Background(), "user_admin", "o1", organization.PlanStarter)
	require.NoError(t, err)
	assert.Empty(t, f.payments.customers)
	assert.Equal(t, "cus_existing", f.payments.sessions[0].CustomerID)
}

func TestSubscribeRejections(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Subscribe(context.Background(), "user_admin", "o1", organization.PlanEnterprise)
	assert.ErrorIs(t, err, ErrPlanUnavailable)

	f.activeSubscription()
	_, err = f.svc.Subscribe(context.Background(), "user_admin", "o1", organization.PlanStarter)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestChangePlan(t *testing.T) {
	f := newFixture()
	f.activeSubscription()

	sub, err := f.svc.ChangePlan(context.Background(), "user_admin", "o1", organization.PlanProfessional)
	require.NoError(t, err)
	assert.Equal(t, organization.PlanProfessional, sub.Plan)
	assert.Equal(t, "price_new", f.payments.updated["sub_123"])
	assert.Equal(t, 50, f.subs.subs[0].EmployeeLimit)
	assert.Equal(t, 50, f.orgs.orgs["o1"].EmployeeLimit)
}

func TestChangePlanRejections(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ChangePlan(context.Background(), "user_admin", "o1", organization.PlanProfessional)
	assert.ErrorIs(t, err, ErrNoSubscription)

	f.activeSubscription()
	_, err = f.svc.ChangePlan(context.Background(), "user_admin", "o1", organization.PlanStarter)
	assert.ErrorIs(t, err, ErrSamePlan)

	f.subs.subs[0].Plan = organization.PlanProfessional
	f.users.members = 11
	_, err = f.svc.ChangePlan(context.Background(), "user_admin", "o1", organization.PlanStarter)
	assert.ErrorIs(t, err, organization.ErrBelowMemberCount)
	assert.Empty(t, f.payments.updated)
}

func TestCancelSubscription(t *testing.T) {
	t.Run("at period end leaves local state to the webhook", func(t *testing.T) {
		f := newFixture()
		f.activeSubscription()
		f.orgs.orgs["o1"].SubscriptionStatus = organization.StatusActive

		sub, err := f.svc.CancelSubscription(context.Background(), "user_admin", "o1", true)
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, organization.SubscriptionActive, f.subs.subs[0].Status)
		assert.Equal(t, organization.StatusActive, f.orgs.orgs["o1"].SubscriptionStatus)
	})
	t.Run("immediately", func(t *testing.T) {
		f := newFixture()
		f.activeSubscription()

		_, err := f.svc.CancelSubscription(context.Background(), "user_admin", "o1", false)
		require.NoError(t, err)
		assert.False(t, f.payments.cancelled["sub_123"])
		assert.Equal(t, organization.SubscriptionCancelled, f.subs.subs[0].Status)
		assert.NotNil(t, f.subs.subs[0].EndDate)
		assert.Equal(t, organization.StatusCancelled, f.orgs.orgs["o1"].SubscriptionStatus)
	})
}

func TestBillingPortal(t *testing.T) {
	f := newFixture()
	_, err := f.svc.BillingPortal(context.Background(), "user_admin", "o1", "")
	assert.ErrorIs(t, err, ErrNoBillingAccount)

	f.orgs.orgs["o1"].StripeCustomerID = "cus_1"
	url, err := f.svc.BillingPortal(context.Background(), "user_admin", "o1", "https://evil.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session_1", url)
	assert.Equal(t, "cus_1 https://learn.example.com/organization/billing", f.payments.portal)

	_, err = f.svc.BillingPortal(context.Background(), "user_student", "o1", "")
	assert.ErrorIs(t, err, organization.ErrNotAdmin)
}
