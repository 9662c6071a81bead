// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Stealth() config.StealthConfig {
	args := m.Called()
	return args.Get(0).(config.StealthConfig)
}

func (m *MockConfig) Timeouts() config.TimeoutsConfig {
	args := m.Called()
	return args.Get(0).(config.TimeoutsConfig)
}

func (m *MockConfig) Retry() config.RetryConfig {
	args := m.Called()
	return args.Get(0).(config.RetryConfig)
}

func (m *MockConfig) Form() config.FormConfig {
	args := m.Called()
	return args.Get(0).(config.FormConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetStealthEnabled(b bool) {
	m.Called(b)
}

// -- Browser Mocks --

// MockLauncher mocks the schemas.Launcher interface.
type MockLauncher struct {
	mock.Mock
}

var _ schemas.Launcher = (*MockLauncher)(nil)

func (m *MockLauncher) Launch(ctx context.Context, profile schemas.StealthProfile) (schemas.Page, error) {
	args := m.Called(ctx, profile)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(schemas.Page), args.Error(1)
}

// MockPage mocks the schemas.Page interface.
type MockPage struct {
	mock.Mock
}

var _ schemas.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) (int, error) {
	args := m.Called(ctx, url)
	return args.Int(0), args.Error(1)
}

func (m *MockPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Exists(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	return m.Called(ctx, quiet).Error(0)
}

func (m *MockPage) Fill(ctx context.Context, selector, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}

func (m *MockPage) Value(ctx context.Context, selector string) (string, error) {
	args := m.Called(ctx, selector)
	return args.String(0), args.Error(1)
}

func (m *MockPage) SetChecked(ctx context.Context, selector string, checked bool) error {
	return m.Called(ctx, selector, checked).Error(0)
}

func (m *MockPage) Checked(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Select(ctx context.Context, selector, option string) error {
	return m.Called(ctx, selector, option).Error(0)
}

func (m *MockPage) Click(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockPage) PressEnter(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockPage) SubmitForm(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) Close() error {
	return m.Called().Error(0)
}

// -- Store Mock --

// MockSubmissionStore mocks the schemas.SubmissionStore interface.
type MockSubmissionStore struct {
	mock.Mock
}

var _ schemas.SubmissionStore = (*MockSubmissionStore)(nil)

func (m *MockSubmissionStore) SaveSubmission(ctx context.Context, rec schemas.SubmissionRecord, attempts []schemas.Attempt) error {
	return m.Called(ctx, rec, attempts).Error(0)
}

func (m *MockSubmissionStore) RecentSubmissions(ctx context.Context, limit int) ([]schemas.SubmissionRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.SubmissionRecord), args.Error(1)
}
