// Package mocks provides test doubles for the productdata client.
package mocks

import (
	"context"

	productdata "github.com/sells-group/sourcing-cli/pkg/productdata"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Product provides a mock function with given fields: ctx, req
func (_m *MockClient) Product(ctx context.Context, req productdata.ProductRequest) (*productdata.ProductResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Product")
	}

	var r0 *productdata.ProductResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, productdata.ProductRequest) (*productdata.ProductResponse, error)); ok {
		return rf(ctx, req)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*productdata.ProductResponse)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// Query provides a mock function with given fields: ctx, req
func (_m *MockClient) Query(ctx context.Context, req productdata.QueryRequest) (*productdata.QueryResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Query")
	}

	var r0 *productdata.QueryResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, productdata.QueryRequest) (*productdata.QueryResponse, error)); ok {
		return rf(ctx, req)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*productdata.QueryResponse)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// Token provides a mock function with given fields: ctx
func (_m *MockClient) Token(ctx context.Context) (*productdata.TokenStatus, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Token")
	}

	var r0 *productdata.TokenStatus
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context) (*productdata.TokenStatus, error)); ok {
		return rf(ctx)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*productdata.TokenStatus)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// NewMockClient creates a new instance of MockClient and registers cleanup
// to assert expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
