package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	runIDKey     contextKey = "run_id"
	graphNameKey contextKey = "graph_name"
	stepKey      contextKey = "step"
	requestIDKey contextKey = "request_id"
	subjectKey   contextKey = "subject"
)

// WithRunID 设置 RunID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithGraphName 设置当前运行的图名称
func WithGraphName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, graphNameKey, name)
}

// GraphName 获取当前运行的图名称
func GraphName(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(graphNameKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithStep 设置正在执行的步骤
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// Step 获取正在执行的步骤
func Step(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithSubject 设置已认证调用方（JWT sub 或 API Key 标识）
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Subject 获取已认证调用方
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
