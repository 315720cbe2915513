// Package mockups provides testify mockups of the callback package
// interfaces.
package mockups

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raspkit/go-agent/internal/event"
	"github.com/raspkit/go-agent/internal/protection/types"
	"github.com/raspkit/go-agent/internal/rule/callback"
)

type ProtectionContextMockup struct {
	mock.Mock
}

func (m *ProtectionContextMockup) Request() types.RequestReader {
	r, _ := m.Called().Get(0).(types.RequestReader)
	return r
}

func (m *ProtectionContextMockup) ExpectRequest() *mock.Call {
	return m.On("Request")
}

func (m *ProtectionContextMockup) Response() types.ResponseFace {
	r, _ := m.Called().Get(0).(types.ResponseFace)
	return r
}

func (m *ProtectionContextMockup) ExpectResponse() *mock.Call {
	return m.On("Response")
}

func (m *ProtectionContextMockup) CurrentArgs(raw []interface{}) []interface{} {
	args, _ := m.Called(raw).Get(0).([]interface{})
	return args
}

func (m *ProtectionContextMockup) ExpectCurrentArgs(raw interface{}) *mock.Call {
	return m.On("CurrentArgs", raw)
}

func (m *ProtectionContextMockup) RequestStore() map[string]interface{} {
	s, _ := m.Called().Get(0).(map[string]interface{})
	return s
}

func (m *ProtectionContextMockup) ExpectRequestStore() *mock.Call {
	return m.On("RequestStore")
}

func (m *ProtectionContextMockup) WhitelistMatch() bool {
	return m.Called().Bool(0)
}

func (m *ProtectionContextMockup) ExpectWhitelistMatch() *mock.Call {
	return m.On("WhitelistMatch")
}

func (m *ProtectionContextMockup) ElapsedRuleTime() time.Duration {
	d, _ := m.Called().Get(0).(time.Duration)
	return d
}

func (m *ProtectionContextMockup) ExpectElapsedRuleTime() *mock.Call {
	return m.On("ElapsedRuleTime")
}

func (m *ProtectionContextMockup) DeadlineExceeded(needed time.Duration) bool {
	return m.Called(needed).Bool(0)
}

func (m *ProtectionContextMockup) ExpectDeadlineExceeded(needed interface{}) *mock.Call {
	return m.On("DeadlineExceeded", needed)
}

func (m *ProtectionContextMockup) Trace(name string) callback.TraceScope {
	s, _ := m.Called(name).Get(0).(callback.TraceScope)
	return s
}

func (m *ProtectionContextMockup) ExpectTrace(name interface{}) *mock.Call {
	return m.On("Trace", name)
}

func (m *ProtectionContextMockup) Record() *event.Record {
	r, _ := m.Called().Get(0).(*event.Record)
	return r
}

func (m *ProtectionContextMockup) ExpectRecord() *mock.Call {
	return m.On("Record")
}

type StorageProviderMockup struct {
	mock.Mock
}

func (m *StorageProviderMockup) Current() callback.ProtectionContext {
	p, _ := m.Called().Get(0).(callback.ProtectionContext)
	return p
}

func (m *StorageProviderMockup) ExpectCurrent() *mock.Call {
	return m.On("Current")
}

type RunnerMockup struct {
	mock.Mock
}

func (m *RunnerMockup) Budget() time.Duration {
	d, _ := m.Called().Get(0).(time.Duration)
	return d
}

func (m *RunnerMockup) ExpectBudget() *mock.Call {
	return m.On("Budget")
}

func (m *RunnerMockup) PerformanceMonitoring() bool {
	return m.Called().Bool(0)
}

func (m *RunnerMockup) ExpectPerformanceMonitoring() *mock.Call {
	return m.On("PerformanceMonitoring")
}

type TraceScopeMockup struct {
	mock.Mock
}

func (m *TraceScopeMockup) End() time.Duration {
	d, _ := m.Called().Get(0).(time.Duration)
	return d
}

func (m *TraceScopeMockup) ExpectEnd() *mock.Call {
	return m.On("End")
}
