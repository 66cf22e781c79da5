package broadcast

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mymmrac/telego/telegoapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type copied struct {
	to, from int64
	id       int
}

type fakeSender struct {
	errs   map[int64]error
	got    []int64
	copies []copied
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, _ string) error {
	f.got = append(f.got, chatID)
	return f.errs[chatID]
}

func (f *fakeSender) CopyMessage(_ context.Context, chatID, fromChatID int64, messageID int) error {
	f.copies = append(f.copies, copied{to: chatID, from: fromChatID, id: messageID})
	return f.errs[chatID]
}

func TestSendClassifiesOutcomes(t *testing.T) {
	sender := &fakeSender{errs: map[int64]error{
		3: errors.New("telego: sendMessage: api: 403 \"Forbidden: bot was blocked by the user\""),
		5: errors.New("telego: sendMessage: api: 400 \"Bad Request: chat not found\""),
		8: errors.New("telego: sendMessage: api: 403 \"Forbidden: user is deactivated\""),
	}}
	b := New(sender, 1000, zap.NewNop())

	recipients := make([]int64, 0, 25)
	for i := int64(1); i <= 25; i++ {
		recipients = append(recipients, i)
	}

	var snapshots []Result
	res, err := b.Send(context.Background(), recipients, Text("hello"), func(r Result) {
		snapshots = append(snapshots, r)
	})
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 22, Failed: 1, Blocked: 2}, res)
	assert.Equal(t, recipients, sender.got)
	require.Len(t, snapshots, 2)
	assert.Equal(t, 10, snapshots[0].Total())
	assert.Equal(t, 20, snapshots[1].Total())
}

func TestSendStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := &fakeSender{}
	res, err := New(sender, 1, zap.NewNop()).Send(ctx, []int64{1, 2, 3}, Text("hi"), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Total())
	assert.Empty(t, sender.got)
}

func TestSendCopiesMessage(t *testing.T) {
	sender := &fakeSender{errs: map[int64]error{
		2: fmt.Errorf("telego: copyMessage: api: %w", &telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot was kicked from the group chat"}),
	}}
	res, err := New(sender, 1000, zap.NewNop()).Send(context.Background(), []int64{1, 2}, Copy(900, 55), nil)
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 1, Blocked: 1}, res)
	assert.Empty(t, sender.got)
	assert.Equal(t, []copied{{to: 1, from: 900, id: 55}, {to: 2, from: 900, id: 55}}, sender.copies)
}

func TestIsBlocked(t *testing.T) {
	assert.True(t, IsBlocked(fmt.Errorf("telego: sendMessage: %w", &telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot can't initiate conversation with a user"})))
	assert.False(t, IsBlocked(fmt.Errorf("telego: sendMessage: %w", &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat not found"})))
	assert.True(t, IsBlocked(errors.New("Forbidden: bot was BLOCKED by the user")))
	assert.False(t, IsBlocked(errors.New("timeout")))
	assert.False(t, IsBlocked(nil))
}
