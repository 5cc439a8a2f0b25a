package outreach_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athletereach/models"
	"athletereach/outreach"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.MessageStatus
		ok       bool
	}{
		{models.StatusDraft, models.StatusScheduled, true},
		{models.StatusDraft, models.StatusSent, true},
		{models.StatusScheduled, models.StatusSending, true},
		{models.StatusSending, models.StatusSent, true},
		{models.StatusSent, models.StatusDelivered, true},
		{models.StatusSent, models.StatusOpened, true},
		{models.StatusDelivered, models.StatusOpened, true},
		{models.StatusScheduled, models.StatusFailed, true},
		{models.StatusSent, models.StatusFailed, true},

		{models.StatusOpened, models.StatusSent, false},
		{models.StatusDelivered, models.StatusSent, false},
		{models.StatusSent, models.StatusScheduled, false},
		{models.StatusSent, models.StatusSent, false},
		{models.StatusDelivered, models.StatusFailed, false},
		{models.StatusFailed, models.StatusScheduled, false},
		{models.StatusReceived, models.StatusOpened, false},
		{models.StatusDraft, models.StatusReceived, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s->%s", c.from, c.to), func(t *testing.T) {
			assert.Equal(t, c.ok, outreach.CanTransition(c.from, c.to))
		})
	}
}

func TestMarkStatusRejectsBackwardMoves(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 1, "Jane Doe", "jane@school.edu")
	store := e.lc.Store()

	draft, err := store.CreateDraft(ctx, outreach.Draft{UserID: 7, RecipientID: 1, Subject: "Hi", Body: "..."})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, draft.Status)
	assert.Nil(t, draft.SentAt)

	sent, err := store.MarkSent(ctx, draft.ID, jan1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	assert.True(t, sent.SentAt.Equal(jan1))

	opened, err := store.MarkStatus(ctx, draft.ID, models.StatusOpened)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpened, opened.Status)

	_, err = store.MarkStatus(ctx, draft.ID, models.StatusSent)
	assert.ErrorIs(t, err, outreach.ErrInvalidTransition)
	_, err = store.MarkSent(ctx, draft.ID, jan1)
	assert.ErrorIs(t, err, outreach.ErrInvalidTransition)

	assert.Equal(t, models.StatusOpened, e.reload(t, draft.ID).Status)
}

func TestMarkStatusSetsSentAtOnEntry(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 1, "Jane Doe", "jane@school.edu")
	store := e.lc.Store()

	draft, err := store.CreateDraft(ctx, outreach.Draft{UserID: 7, RecipientID: 1, Subject: "Hi"})
	require.NoError(t, err)

	_, err = store.MarkStatus(ctx, draft.ID, models.StatusScheduled)
	assert.ErrorIs(t, err, outreach.ErrInvalidTransition, "scheduled needs a schedule")

	delivered, err := store.MarkStatus(ctx, draft.ID, models.StatusDelivered)
	require.NoError(t, err)
	require.NotNil(t, delivered.SentAt)
	assert.True(t, delivered.SentAt.Equal(jan1))
}

func TestMarkStatusMissingMessage(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	_, err := e.lc.Store().MarkStatus(context.Background(), 404, models.StatusSent)
	assert.ErrorIs(t, err, outreach.ErrNotFound)
}

func TestCreateDraftFollowUpNeedsParent(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	_, err := e.lc.Store().CreateDraft(context.Background(), outreach.Draft{UserID: 7, RecipientID: 1, IsFollowUp: true})
	assert.ErrorIs(t, err, outreach.ErrInvalidArgument)
}

func TestDeleteOnlyDrafts(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")

	sent, err := e.lc.Send(ctx, 7, 42, "Hi", "...", nil)
	require.NoError(t, err)
	err = e.lc.DeleteMessage(ctx, 7, sent.ID)
	assert.ErrorIs(t, err, outreach.ErrImmutableRecord)
	assert.Equal(t, models.StatusSent, e.reload(t, sent.ID).Status)

	draft, err := e.lc.SaveDraft(ctx, 7, 42, "Draft", "...")
	require.NoError(t, err)
	require.NoError(t, e.lc.DeleteMessage(ctx, 7, draft.ID))

	_, err = e.lc.Store().Get(ctx, draft.ID)
	assert.ErrorIs(t, err, outreach.ErrNotFound)
	assert.ErrorIs(t, e.lc.DeleteMessage(ctx, 7, draft.ID), outreach.ErrNotFound)
}

func TestDeleteHidesOtherUsersMessages(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")

	draft, err := e.lc.SaveDraft(ctx, 7, 42, "Draft", "...")
	require.NoError(t, err)
	assert.ErrorIs(t, e.lc.DeleteMessage(ctx, 8, draft.ID), outreach.ErrNotFound)
	assert.Equal(t, models.StatusDraft, e.reload(t, draft.ID).Status)
}

func TestListByRecipientNewestFirst(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")
	e.recipient(t, 43, "John Roe", "john@college.edu")

	first, err := e.lc.Send(ctx, 7, 42, "First", "...", nil)
	require.NoError(t, err)

	e.clock.Set(jan1.Add(time.Hour))
	second, err := e.lc.Send(ctx, 7, 42, "Second", "...", nil)
	require.NoError(t, err)

	_, err = e.lc.Send(ctx, 7, 43, "Elsewhere", "...", nil)
	require.NoError(t, err)
	_, err = e.lc.Send(ctx, 8, 42, "Other user", "...", nil)
	require.NoError(t, err)

	e.clock.Set(jan1.Add(2 * time.Hour))
	res := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{{
		From:    "Jane Doe <jane@school.edu>",
		To:      "athlete@example.com",
		Subject: "Re: Second",
		Date:    jan1.Add(2 * time.Hour),
	}})
	require.Equal(t, 1, res.Imported)

	history, err := e.lc.History(ctx, 7, 42)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.DirectionInbound, history[0].Direction)
	assert.Equal(t, second.ID, history[1].ID)
	assert.Equal(t, first.ID, history[2].ID)

	_, err = e.lc.History(ctx, 7, 999)
	assert.ErrorIs(t, err, outreach.ErrNotFound)
}
