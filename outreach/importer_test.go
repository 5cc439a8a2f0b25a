package outreach_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athletereach/models"
	"athletereach/outreach"
)

func TestExtractAddress(t *testing.T) {
	cases := []struct {
		raw      string
		expected string
		ok       bool
	}{
		{raw: "jane@school.edu", expected: "jane@school.edu", ok: true},
		{raw: "Coach Jane Doe <jane@school.edu>", expected: "jane@school.edu", ok: true},
		{raw: `"Doe, Jane" <Jane@School.EDU>`, expected: "jane@school.edu", ok: true},
		{raw: "Coach Jane Doe (Head Coach) <jane@school.edu>", expected: "jane@school.edu", ok: true},
		{raw: "Coach Jane <jane@school.edu>, other@school.edu", expected: "jane@school.edu", ok: true},
		{raw: "Jane Doe jane@school.edu", expected: "", ok: false},
		{raw: "Jane [Head Coach] <jane@school.edu>", expected: "jane@school.edu", ok: true},
		{raw: "", ok: false},
		{raw: "Coach Jane Doe", ok: false},
		{raw: "<not-an-address>", ok: false},
	}
	for _, c := range cases {
		t.Run(c.raw, func(t *testing.T) {
			got, err := outreach.ExtractAddress(c.raw)
			if !c.ok {
				assert.ErrorIs(t, err, outreach.ErrImport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, got)
		})
	}
}

func reply(from, subject, thread string, at time.Time) outreach.InboundDescriptor {
	return outreach.InboundDescriptor{
		From:             from,
		To:               "Alex Athlete <alex@example.com>",
		Subject:          subject,
		Body:             "Thanks for reaching out.",
		Date:             at,
		ExternalThreadID: thread,
	}
}

func TestImportIsIdempotent(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")
	sentParent(t, e, 42)

	d := reply("Coach Jane Doe <jane@school.edu>", "Re: Hi", "thread-1", jan1.Add(time.Hour))

	first := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{d})
	assert.Equal(t, outreach.ImportResult{Imported: 1}, first)

	second := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{d, d})
	assert.Equal(t, outreach.ImportResult{Duplicates: 2}, second)

	var count int64
	require.NoError(t, e.db.Model(&models.Message{}).Where("direction = ?", models.DirectionInbound).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// the same reply seen by another user is theirs to keep
	other := e.lc.Import(ctx, 8, []outreach.InboundDescriptor{d})
	assert.Equal(t, 1, other.Imported)
}

func TestImportResolvesExactSender(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")
	e.recipient(t, 43, "John Roe", "john@college.edu")
	parent := sentParent(t, e, 42)
	sentParent(t, e, 43)

	received := jan1.Add(30 * time.Minute)
	e.clock.Set(jan1.Add(2 * time.Hour))
	res := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{
		reply("Coach Jane Doe <jane@school.edu>", "Re: Hi", "thread-1", received),
	})
	require.Equal(t, 1, res.Imported)

	history, err := e.lc.History(ctx, 7, 42)
	require.NoError(t, err)
	require.Len(t, history, 2)
	in := history[0]
	assert.Equal(t, models.DirectionInbound, in.Direction)
	assert.Equal(t, models.StatusReceived, in.Status)
	assert.Equal(t, "jane@school.edu", in.FromAddress)
	assert.Equal(t, "alex@example.com", in.ToAddress)
	require.NotNil(t, in.ReceivedAt)
	assert.True(t, in.ReceivedAt.Equal(jan1.Add(2*time.Hour)))
	require.NotNil(t, in.SentAt)
	assert.True(t, in.SentAt.Equal(received))
	assert.Empty(t, in.Metadata[models.MetaResolvedByFallback])
	require.NotNil(t, in.ReplyToMessageID)
	assert.Equal(t, parent.ID, *in.ReplyToMessageID)
	require.NotNil(t, in.ExternalThreadID)
	assert.Equal(t, "thread-1", *in.ExternalThreadID)
}

func TestImportFallsBackToLatestRecipient(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")
	e.recipient(t, 43, "John Roe", "john@college.edu")
	sentParent(t, e, 42)
	e.clock.Set(jan1.Add(time.Hour))
	latest := sentParent(t, e, 43)

	res := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{
		reply("Assistant Coach <assistant@college.edu>", "Re: Hi", "", time.Time{}),
	})
	require.Equal(t, 1, res.Imported)

	history, err := e.lc.History(ctx, 7, 43)
	require.NoError(t, err)
	require.Len(t, history, 2)
	in := history[0]
	assert.Equal(t, models.DirectionInbound, in.Direction)
	assert.Equal(t, "true", in.Metadata[models.MetaResolvedByFallback])
	require.NotNil(t, in.SentAt, "missing date defaults to now")
	assert.True(t, in.SentAt.Equal(jan1.Add(time.Hour)))
	require.NotNil(t, in.ReplyToMessageID)
	assert.Equal(t, latest.ID, *in.ReplyToMessageID)
}

func TestImportCountsBadRecordsWithoutAborting(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")

	// no outbound history yet, so an unknown sender cannot be resolved
	res := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{
		reply("Stranger <stranger@nowhere.org>", "Hello", "", jan1),
		reply("Coach Jane Doe", "Re: Hi", "", jan1),
		{From: "jane@school.edu", To: "", Subject: "Re: Hi", Date: jan1},
		reply("jane@school.edu", "Re: Hi", "t-9", jan1),
	})
	assert.Equal(t, outreach.ImportResult{Imported: 1, Errors: 3}, res)
}

func TestImportCancelsPendingFollowUpsOnReply(t *testing.T) {
	e := newEnv(t, nil, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")

	parent, err := e.lc.Send(ctx, 7, 42, "Hi", "...", &outreach.FollowUpConfig{Days: 3})
	require.NoError(t, err)
	fu := e.followUpOf(t, parent.ID)
	require.Equal(t, models.StatusScheduled, fu.Status)

	res := e.lc.Import(ctx, 7, []outreach.InboundDescriptor{reply("jane@school.edu", "Re: Hi", "", jan1.Add(time.Hour))})
	require.Equal(t, 1, res.Imported)

	cancelled := e.reload(t, fu.ID)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.True(t, cancelled.IsCancelled())
	assert.Equal(t, "reply_received", cancelled.Metadata[models.MetaCancelReason])

	report, err := e.lc.FireDueFollowUps(ctx, jan1.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Contains(t, e.events.Types(), outreach.EventFollowUpCancelled)
}

func TestImportRepliesPollsAdapter(t *testing.T) {
	adapter := &adapterMock{}
	e := newEnv(t, adapter, outreach.Config{})
	ctx := context.Background()
	e.recipient(t, 42, "Jane Doe", "jane@school.edu")

	since := jan1.Add(-24 * time.Hour)
	adapter.PollInboxFunc = func(_ context.Context, callerID uint, got time.Time) ([]outreach.InboundDescriptor, error) {
		assert.EqualValues(t, 7, callerID)
		assert.True(t, got.Equal(since))
		return []outreach.InboundDescriptor{reply("jane@school.edu", "Question", "t-1", jan1)}, nil
	}
	res, err := e.lc.ImportReplies(ctx, 7, since)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	adapter.PollInboxFunc = func(context.Context, uint, time.Time) ([]outreach.InboundDescriptor, error) {
		return nil, assert.AnError
	}
	_, err = e.lc.ImportReplies(ctx, 7, since)
	assert.ErrorIs(t, err, outreach.ErrDeliveryFailed)
}

func TestImportRepliesBoundsHungPoll(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	adapter := &adapterMock{
		PollInboxFunc: func(context.Context, uint, time.Time) ([]outreach.InboundDescriptor, error) {
			<-release
			return nil, nil
		},
	}
	e := newEnv(t, adapter, outreach.Config{DeliveryTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := e.lc.ImportReplies(context.Background(), 7, jan1)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.ErrorIs(t, err, outreach.ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "timed out")
}
