package stats

import "github.com/stretchr/testify/mock"

// MockStatsUpdater is a testify-backed StatsProvider for tests. Arm Incr and
// Decr with Maybe when a test only cares about a subset of counters.
type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}

func (m *MockStatsUpdater) Stop() {
	m.Called()
}
