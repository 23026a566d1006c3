// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cryptomock provides a gomock-based mock of crypto.Provider,
// generated in the style of the teacher's engine/enginemock package
// (hand-maintained here since mockgen is not run as part of this build).
package cryptomock

import (
	"context"
	"reflect"

	"github.com/luxfi/ids"
	"go.uber.org/mock/gomock"
)

// MockProvider is a mock of the crypto.Provider interface.
type MockProvider struct {
	ctrl     *gomock.Controller
	recorder *MockProviderMockRecorder
}

// MockProviderMockRecorder is the mock recorder for MockProvider.
type MockProviderMockRecorder struct {
	mock *MockProvider
}

// NewMockProvider creates a new mock instance.
func NewMockProvider(ctrl *gomock.Controller) *MockProvider {
	mock := &MockProvider{ctrl: ctrl}
	mock.recorder = &MockProviderMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockProvider) EXPECT() *MockProviderMockRecorder {
	return m.recorder
}

func (m *MockProvider) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Sign", ctx, msg)
	ret0, _ := ret[0].([]byte)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockProviderMockRecorder) Sign(ctx, msg any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Sign", reflect.TypeOf((*MockProvider)(nil).Sign), ctx, msg)
}

func (m *MockProvider) Verify(ctx context.Context, id ids.NodeID, msg []byte, sig []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Verify", ctx, id, msg, sig)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockProviderMockRecorder) Verify(ctx, id, msg, sig any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Verify", reflect.TypeOf((*MockProvider)(nil).Verify), ctx, id, msg, sig)
}

func (m *MockProvider) Hash(data []byte) ids.ID {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Hash", data)
	ret0, _ := ret[0].(ids.ID)
	return ret0
}

func (mr *MockProviderMockRecorder) Hash(data any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Hash", reflect.TypeOf((*MockProvider)(nil).Hash), data)
}

func (m *MockProvider) AggregateVerify(ctx context.Context, voters []ids.NodeID, msg []byte, sigs [][]byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AggregateVerify", ctx, voters, msg, sigs)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockProviderMockRecorder) AggregateVerify(ctx, voters, msg, sigs any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AggregateVerify", reflect.TypeOf((*MockProvider)(nil).AggregateVerify), ctx, voters, msg, sigs)
}
