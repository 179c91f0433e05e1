// MockSearcher 是研究流程 Searcher 的测试模拟实现。
//
// 支持按查询返回固定结果、前 N 次调用失败与阻塞直到取消等场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/examples/research"
)

// ErrMockSearch 是 MockSearcher 注入失败时默认返回的错误
var ErrMockSearch = errors.New("mock search failure")

// MockSearcher 是 research.Searcher 的模拟实现
type MockSearcher struct {
	mu sync.Mutex

	results  map[string][]research.Source
	fallback []research.Source
	err      error

	failFirst int
	delay     time.Duration
	block     bool

	calls []string
}

var _ research.Searcher = (*MockSearcher)(nil)

// NewMockSearcher 创建新的 MockSearcher
func NewMockSearcher() *MockSearcher {
	return &MockSearcher{results: make(map[string][]research.Source)}
}

// WithResults 设置某个查询的返回结果
func (m *MockSearcher) WithResults(query string, sources ...research.Source) *MockSearcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[query] = sources
	return m
}

// WithFallback 设置未匹配查询的默认结果
func (m *MockSearcher) WithFallback(sources ...research.Source) *MockSearcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = sources
	return m
}

// WithError 设置每次调用都返回的错误
func (m *MockSearcher) WithError(err error) *MockSearcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFailFirst 前 n 次调用返回 ErrMockSearch
func (m *MockSearcher) WithFailFirst(n int) *MockSearcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	return m
}

// WithDelay 设置每次调用的模拟延迟
func (m *MockSearcher) WithDelay(d time.Duration) *MockSearcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithBlock 让调用阻塞直到 ctx 结束
func (m *MockSearcher) WithBlock() *MockSearcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = true
	return m
}

// Search 实现 research.Searcher
func (m *MockSearcher) Search(ctx context.Context, query string) ([]research.Source, error) {
	m.mu.Lock()
	m.calls = append(m.calls, query)
	n := len(m.calls)
	delay, block, err := m.delay, m.block, m.err
	failing := n <= m.failFirst
	sources, ok := m.results[query]
	if !ok {
		sources = m.fallback
	}
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if failing {
		return nil, ErrMockSearch
	}
	return sources, nil
}

// Calls 返回按调用顺序记录的查询
func (m *MockSearcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockSearcher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
