// Package fixtures 提供测试使用的样例数据。
package fixtures

import (
	"github.com/BaSui01/stepflow/examples/research"
)

// Question 是样例研究问题
const Question = "go concurrency"

// Corpus 返回与 Question 相关的样例语料
func Corpus() []research.Source {
	return []research.Source{
		{Title: "Go concurrency overview", URL: "https://example.org/overview",
			Snippet: "Goroutines and channels are the core of go concurrency."},
		{Title: "Go concurrency latest developments", URL: "https://example.org/latest",
			Snippet: "Recent releases improved the go scheduler."},
		{Title: "Key players in go concurrency", URL: "https://example.org/players",
			Snippet: "errgroup and semaphore packages are widely used."},
		{Title: "Unrelated cooking notes", URL: "https://example.org/cooking",
			Snippet: "Simmer the sauce for ten minutes."},
	}
}

// CorpusSearcher 返回基于 Corpus 的 CorpusSearcher
func CorpusSearcher() *research.CorpusSearcher {
	return &research.CorpusSearcher{Documents: Corpus()}
}

// Input 返回使用 Question 的研究输入
func Input() research.Input {
	return research.Input{Question: Question, InitialQueries: 3, MaxResearchLoops: 2}
}
