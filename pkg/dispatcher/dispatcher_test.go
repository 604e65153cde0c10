package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInvokeUnregisteredToolReturnsNotFound(t *testing.T) {
	d := New(time.Second, nil)
	res := d.Invoke(context.Background(), "missing", nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "not_found", res.Kind)
}

func TestInvokeSuccessReturnsPayload(t *testing.T) {
	d := New(time.Second, nil)
	d.Register("echo", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"echoed": params["text"]}, nil
	})

	res := d.Invoke(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "hi", res.Payload["echoed"])
}

func TestInvokeToolErrorIsTranslated(t *testing.T) {
	d := New(time.Second, nil)
	d.Register("fails", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})

	res := d.Invoke(context.Background(), "fails", nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "tool_error", res.Kind)
	assert.Contains(t, res.Message, "boom")
}

func TestInvokePanicIsTranslated(t *testing.T) {
	d := New(time.Second, nil)
	d.Register("panics", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		panic("unexpected")
	})

	res := d.Invoke(context.Background(), "panics", nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "tool_error", res.Kind)
}

func TestInvokeTimeout(t *testing.T) {
	d := New(10*time.Millisecond, nil)
	d.Register("slow", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-time.After(time.Second):
			return map[string]interface{}{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	res := d.Invoke(context.Background(), "slow", nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "timeout", res.Kind)
}

func TestRegisteredReflectsRegistrations(t *testing.T) {
	d := New(time.Second, nil)
	assert.False(t, d.Registered("llm:gpt"))
	d.Register("llm:gpt", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.True(t, d.Registered("llm:gpt"))
}
