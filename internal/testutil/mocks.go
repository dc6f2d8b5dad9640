package testutil

import (
	"context"

	"github.com/dgellow/fin-auth/internal/idp"
	"github.com/stretchr/testify/mock"
	"golang.org/x/oauth2"
)

// MockProvider is an idp.Provider driven by testify expectations.
type MockProvider struct {
	mock.Mock
	Name string
}

func (m *MockProvider) Type() string {
	return m.Name
}

func (m *MockProvider) AuthURL(state string) string {
	args := m.Called(state)
	return args.String(0)
}

func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth2.Token), args.Error(1)
}

func (m *MockProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*idp.Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idp.Identity), args.Error(1)
}

var _ idp.Provider = (*MockProvider)(nil)
