package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/stepflow/examples/research"
)

// MockModel 包装 research.TemplateModel，并允许覆盖单个方法或注入错误
type MockModel struct {
	*research.TemplateModel

	mu          sync.Mutex
	queriesErr  error
	reflectErr  error
	queries     []research.Query
	reflections []research.Reflection
	reflectN    int
}

var _ research.Model = (*MockModel)(nil)

// NewMockModel 创建默认行为与 TemplateModel 一致的 MockModel
func NewMockModel() *MockModel {
	return &MockModel{TemplateModel: research.NewTemplateModel()}
}

// WithQueries 固定 GenerateQueries 的返回值
func (m *MockModel) WithQueries(queries ...research.Query) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = queries
	return m
}

// WithQueriesError 让 GenerateQueries 返回错误
func (m *MockModel) WithQueriesError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queriesErr = err
	return m
}

// WithReflections 按调用顺序返回给定的反思结果，用尽后重复最后一个
func (m *MockModel) WithReflections(r ...research.Reflection) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reflections = r
	return m
}

// WithReflectError 让 Reflect 返回错误
func (m *MockModel) WithReflectError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reflectErr = err
	return m
}

// GenerateQueries 实现 research.Model
func (m *MockModel) GenerateQueries(ctx context.Context, topic string, n int) ([]research.Query, error) {
	m.mu.Lock()
	queries, err := m.queries, m.queriesErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if queries != nil {
		return queries, nil
	}
	return m.TemplateModel.GenerateQueries(ctx, topic, n)
}

// Reflect 实现 research.Model
func (m *MockModel) Reflect(ctx context.Context, topic string, summaries []string) (research.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reflectErr != nil {
		return research.Reflection{}, m.reflectErr
	}
	if len(m.reflections) == 0 {
		return m.TemplateModel.Reflect(ctx, topic, summaries)
	}
	i := m.reflectN
	if i >= len(m.reflections) {
		i = len(m.reflections) - 1
	}
	m.reflectN++
	return m.reflections[i], nil
}

// ReflectCount 返回 Reflect 被调用的次数（仅统计固定结果模式）
func (m *MockModel) ReflectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reflectN
}
