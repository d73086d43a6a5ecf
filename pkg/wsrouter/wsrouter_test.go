package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	messages []Message
}

func (c *fakeConn) ReadJSON(v any) error {
	if len(c.messages) == 0 {
		return io.EOF
	}

	b, err := json.Marshal(c.messages[0])
	if err != nil {
		return err
	}
	c.messages = c.messages[1:]

	return json.Unmarshal(b, v)
}

type probeInput struct {
	ClientSentAt int64 `json:"client_sent_at"`
}

func TestServeConn(t *testing.T) {
	conn := &fakeConn{messages: []Message{
		{Type: "PROBE", RequestId: "1", Payload: json.RawMessage(`{"client_sent_at":42}`)},
		{Type: "NOPE", RequestId: "2"},
		{Type: "FAIL", RequestId: "3"},
	}}

	r := New[*fakeConn]()

	var seenTypes []string
	r.Use(func(next HandlerFunc[*fakeConn, any]) HandlerFunc[*fakeConn, any] {
		return func(ctx context.Context, conn *fakeConn, payload any) error {
			seenTypes = append(seenTypes, GetMessageTypeFromCtx(ctx))
			return next(ctx, conn, payload)
		}
	})

	var errs []error
	var errRequestIds []string
	r.OnError(func(ctx context.Context, _ *fakeConn, err error) {
		errs = append(errs, err)
		errRequestIds = append(errRequestIds, GetRequestIdFromCtx(ctx))
	})

	var got int64
	Handle(r, "PROBE", func(ctx context.Context, _ *fakeConn, in probeInput) error {
		got = in.ClientSentAt
		assert.Equal(t, "1", GetRequestIdFromCtx(ctx))
		return nil
	})
	failErr := errors.New("boom")
	Handle(r, "FAIL", func(context.Context, *fakeConn, struct{}) error {
		return failErr
	})

	err := r.ServeConn(context.Background(), conn)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, int64(42), got)
	assert.Equal(t, []string{"PROBE", "FAIL"}, seenTypes)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrUnknownMessageType)
	assert.ErrorIs(t, errs[1], failErr)
	assert.Equal(t, []string{"2", "3"}, errRequestIds)
}

func TestServeConnBadPayload(t *testing.T) {
	conn := &fakeConn{messages: []Message{
		{Type: "PROBE", RequestId: "1", Payload: json.RawMessage(`{"client_sent_at":"soon"}`)},
	}}

	r := New[*fakeConn]()
	var errs []error
	r.OnError(func(_ context.Context, _ *fakeConn, err error) {
		errs = append(errs, err)
	})

	called := false
	Handle(r, "PROBE", func(context.Context, *fakeConn, probeInput) error {
		called = true
		return nil
	})

	require.ErrorIs(t, r.ServeConn(context.Background(), conn), io.EOF)
	assert.False(t, called)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBadPayload)
}
