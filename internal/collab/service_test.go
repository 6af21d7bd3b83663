package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
)

var bothMembers = memberSet{"user-a": true, "user-b": true}

func TestTwoEditorsCommitSequentially(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()

	_, err := fixture.service.Join(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	stream, cancel := fixture.service.Subscribe(ctx, fixture.pageID, TopicContent)
	defer cancel()

	first, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "Hello")
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)

	snapshot, err := fixture.service.Join(ctx, fixture.pageID, "user-b")
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.CurrentVersion)
	require.Len(t, snapshot.Editors, 2)

	second, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-b", "Hello World")
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Version)

	third, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "Hello Mars")
	require.NoError(t, err)
	require.Equal(t, int64(3), third.Version)

	var announced []ContentPayload
	for index := 0; index < 3; index++ {
		announced = append(announced, decodePayload[ContentPayload](t, receiveEvent(t, stream)))
	}
	require.Equal(t, int64(2), announced[1].Version)
	require.Equal(t, wiki.UserID("user-b"), announced[1].EditorID)
	require.Equal(t, "Hello World", announced[1].NewContentSummary)
	require.Equal(t, "Hello Mars", announced[2].NewContentSummary)

	page, err := fixture.pages.GetPage(ctx, fixture.pageID)
	require.NoError(t, err)
	require.Equal(t, "Hello Mars", page.Content)
	require.Equal(t, int64(3), page.CurrentVersion)
	require.False(t, page.IsLocked)

	history, err := fixture.history.GetHistory(ctx, fixture.pageID, wiki.HistoryRange{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "user-b", history[1].CreatedBy)

	_, held, err := fixture.service.LockStatus(ctx, fixture.pageID)
	require.NoError(t, err)
	require.False(t, held)
}

func TestUnchangedContentIsNotCommittedOrAnnounced(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()

	_, err := fixture.service.Join(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	stream, cancel := fixture.service.Subscribe(ctx, fixture.pageID, TopicContent)
	defer cancel()

	first, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "Hello")
	require.NoError(t, err)
	receiveEvent(t, stream)

	repeat, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "Hello")
	require.NoError(t, err)
	require.Equal(t, first.Version, repeat.Version)
	require.Empty(t, fixture.transport.errorsFor("user-a"))

	select {
	case event := <-stream:
		t.Fatalf("unexpected announcement for unchanged content: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	page, err := fixture.pages.GetPage(ctx, fixture.pageID)
	require.NoError(t, err)
	require.Equal(t, int64(1), page.CurrentVersion)
	require.False(t, page.IsLocked)
	_, held, err := fixture.service.LockStatus(ctx, fixture.pageID)
	require.NoError(t, err)
	require.False(t, held)
}

func TestContentChangeDuringCommitIsRejected(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var commits int
	committer := committerFunc(func(_ context.Context, pageID wiki.PageID, editorID wiki.UserID, _ string) (wiki.VersionRecord, error) {
		commits++
		close(entered)
		<-proceed
		return wiki.VersionRecord{WikiPageID: pageID.String(), Version: 1, CreatedBy: editorID.String()}, nil
	})
	fixture := newServiceFixture(t, bothMembers, committer)
	ctx := context.Background()
	for _, user := range []wiki.UserID{"user-a", "user-b"} {
		_, err := fixture.service.Join(ctx, fixture.pageID, user)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "from a")
		done <- err
	}()
	<-entered

	_, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-b", "from b")
	require.ErrorIs(t, err, ErrLockContention)
	rejections := fixture.transport.errorsFor("user-b")
	require.Len(t, rejections, 1)
	require.Equal(t, CodeLockContention, rejections[0].Code)
	require.True(t, rejections[0].Retryable)

	close(proceed)
	require.NoError(t, <-done)
	require.Equal(t, 1, commits)
	require.Empty(t, fixture.transport.errorsFor("user-a"))
}

func TestCommitFailureReleasesLock(t *testing.T) {
	failures := 1
	committer := committerFunc(func(_ context.Context, pageID wiki.PageID, editorID wiki.UserID, _ string) (wiki.VersionRecord, error) {
		if failures > 0 {
			failures--
			return wiki.VersionRecord{}, errors.New("disk full")
		}
		return wiki.VersionRecord{WikiPageID: pageID.String(), Version: 1, CreatedBy: editorID.String()}, nil
	})
	fixture := newServiceFixture(t, bothMembers, committer)
	ctx := context.Background()
	for _, user := range []wiki.UserID{"user-a", "user-b"} {
		_, err := fixture.service.Join(ctx, fixture.pageID, user)
		require.NoError(t, err)
	}

	_, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "doomed")
	require.ErrorIs(t, err, ErrCommitFailed)
	rejections := fixture.transport.errorsFor("user-a")
	require.Len(t, rejections, 1)
	require.Equal(t, CodeCommitFailed, rejections[0].Code)
	require.False(t, rejections[0].Retryable)

	_, held, err := fixture.locks.Holder(ctx, fixture.pageID)
	require.NoError(t, err)
	require.False(t, held)

	record, err := fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-b", "saved")
	require.NoError(t, err)
	require.Equal(t, int64(1), record.Version)
}

func TestCancelledCommitStillReleasesLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	committer := committerFunc(func(commitCtx context.Context, _ wiki.PageID, _ wiki.UserID, _ string) (wiki.VersionRecord, error) {
		cancel()
		return wiki.VersionRecord{}, commitCtx.Err()
	})
	fixture := newServiceFixture(t, bothMembers, committer)
	_, err := fixture.service.Join(context.Background(), fixture.pageID, "user-a")
	require.NoError(t, err)

	_, err = fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "never")
	require.ErrorIs(t, err, context.Canceled)

	_, held, err := fixture.locks.Holder(context.Background(), fixture.pageID)
	require.NoError(t, err)
	require.False(t, held)
}

func TestJoinRejectsNonMembersWithoutSideEffects(t *testing.T) {
	fixture := newServiceFixture(t, memberSet{"user-a": true}, nil)
	ctx := context.Background()

	_, err := fixture.service.Join(ctx, fixture.pageID, "intruder")
	require.ErrorIs(t, err, ErrAccessDenied)

	editors, err := fixture.service.Editors(ctx, fixture.pageID)
	require.NoError(t, err)
	require.Empty(t, editors)
	rejections := fixture.transport.errorsFor("intruder")
	require.Len(t, rejections, 1)
	require.Equal(t, CodeAccessDenied, rejections[0].Code)
	require.Equal(t, []wiki.PageID{fixture.pageID}, fixture.transport.pagesFor("intruder", TopicErrors))
	require.Empty(t, fixture.transport.sessionsFor("intruder"))
}

func TestJoinUnknownPage(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()

	_, err := fixture.service.Join(ctx, "missing-page", "user-a")
	require.ErrorIs(t, err, ErrPageNotFound)
	require.Equal(t, CodePageNotFound, CodeOf(err))

	_, ok, err := fixture.presence.CurrentPage(ctx, "user-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinSendsSessionSnapshot(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()

	_, err := fixture.service.Join(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	require.NoError(t, fixture.service.UpdateCursor(ctx, fixture.pageID, "user-a", json.RawMessage(`{"line":3}`), time.Time{}))

	fixture.clock.Advance(time.Second)
	_, err = fixture.service.Join(ctx, fixture.pageID, "user-b")
	require.NoError(t, err)

	sessions := fixture.transport.sessionsFor("user-b")
	require.Len(t, sessions, 1)
	require.Equal(t, fixture.pageID, sessions[0].PageID)
	require.Equal(t, []wiki.PageID{fixture.pageID}, fixture.transport.pagesFor("user-b", TopicSession))
	require.Len(t, sessions[0].Editors, 2)
	require.Equal(t, wiki.UserID("user-a"), sessions[0].Editors[0].UserID)
	require.Len(t, sessions[0].Cursors, 1)
	require.JSONEq(t, `{"line":3}`, string(sessions[0].Cursors[0].LocationMarker))
}

func TestExpiredSessionRejectsOperations(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()

	_, err := fixture.service.Join(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	fixture.clock.Advance(31 * time.Second)

	state, err := fixture.service.State(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	require.Equal(t, StateNotEditing, state)

	err = fixture.service.UpdateCursor(ctx, fixture.pageID, "user-a", json.RawMessage(`1`), time.Time{})
	require.ErrorIs(t, err, ErrSessionNotActive)
	_, err = fixture.service.SubmitContentChange(ctx, fixture.pageID, "user-a", "late")
	require.ErrorIs(t, err, ErrSessionNotActive)
	require.ErrorIs(t, fixture.service.Heartbeat(ctx, fixture.pageID, "user-a"), ErrSessionNotActive)

	page, err := fixture.pages.GetPage(ctx, fixture.pageID)
	require.NoError(t, err)
	require.Equal(t, int64(0), page.CurrentVersion)
}

func TestLeaveAnnouncesAndReleases(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()
	for _, user := range []wiki.UserID{"user-a", "user-b"} {
		_, err := fixture.service.Join(ctx, fixture.pageID, user)
		require.NoError(t, err)
	}
	stream, cancel := fixture.service.Subscribe(ctx, fixture.pageID, TopicEditors)
	defer cancel()

	require.NoError(t, fixture.service.Leave(ctx, fixture.pageID, "user-b"))

	editors := decodePayload[[]EditorInfo](t, receiveEvent(t, stream))
	require.Len(t, editors, 1)
	require.Equal(t, wiki.UserID("user-a"), editors[0].UserID)

	deliverable, err := fixture.service.Deliverable(ctx, fixture.pageID, "user-b")
	require.NoError(t, err)
	require.False(t, deliverable)
}

func TestLeaveOtherPageKeepsCurrentSession(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()
	_, err := fixture.service.Join(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)

	require.NoError(t, fixture.service.Leave(ctx, "another-page", "user-a"))

	state, err := fixture.service.State(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	require.Equal(t, StateActive, state)
}

func TestCursorAndIncrementalBroadcasts(t *testing.T) {
	fixture := newServiceFixture(t, bothMembers, nil)
	ctx := context.Background()
	_, err := fixture.service.Join(ctx, fixture.pageID, "user-a")
	require.NoError(t, err)
	stream, cancel := fixture.service.Subscribe(ctx, fixture.pageID, TopicCursors, TopicIncremental)
	defer cancel()

	later := fixture.clock.Now().Add(2 * time.Second)
	require.NoError(t, fixture.service.UpdateCursor(ctx, fixture.pageID, "user-a", json.RawMessage(`{"offset":9}`), later))
	require.NoError(t, fixture.service.UpdateCursor(ctx, fixture.pageID, "user-a", json.RawMessage(`{"offset":2}`), later.Add(-time.Second)))
	require.NoError(t, fixture.service.SubmitIncrementalChange(ctx, fixture.pageID, "user-a", json.RawMessage(`{"insert":"x"}`)))

	cursorEvent := receiveEvent(t, stream)
	require.Equal(t, TopicCursors, cursorEvent.Topic)
	require.Equal(t, wiki.UserID("user-a"), cursorEvent.Origin)
	cursor := decodePayload[CursorPayload](t, cursorEvent)
	require.JSONEq(t, `{"offset":9}`, string(cursor.LocationMarker))

	// the stale cursor is not re-broadcast; the delta follows directly
	deltaEvent := receiveEvent(t, stream)
	require.Equal(t, TopicIncremental, deltaEvent.Topic)
	delta := decodePayload[IncrementalPayload](t, deltaEvent)
	require.JSONEq(t, `{"insert":"x"}`, string(delta.DeltaPayload))

	page, err := fixture.pages.GetPage(ctx, fixture.pageID)
	require.NoError(t, err)
	require.Equal(t, int64(0), page.CurrentVersion)
}

func TestCanAccess(t *testing.T) {
	fixture := newServiceFixture(t, memberSet{"user-a": true}, nil)
	ctx := context.Background()

	require.NoError(t, fixture.service.CanAccess(ctx, fixture.pageID, "user-a"))
	require.ErrorIs(t, fixture.service.CanAccess(ctx, fixture.pageID, "user-b"), ErrAccessDenied)
	require.ErrorIs(t, fixture.service.CanAccess(ctx, "nope", "user-a"), ErrPageNotFound)
}

func TestCodeOfMapsErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		code string
	}{
		{name: "nil", err: nil, code: ""},
		{name: "denied", err: ErrAccessDenied, code: CodeAccessDenied},
		{name: "contention", err: ErrLockContention, code: CodeLockContention},
		{name: "wrapped commit", err: errors.Join(ErrCommitFailed, errors.New("boom")), code: CodeCommitFailed},
		{name: "wiki page missing", err: wiki.ErrPageNotFound, code: CodePageNotFound},
		{name: "bad id", err: wiki.ErrInvalidPageID, code: CodeInvalidRequest},
		{name: "unknown", err: errors.New("boom"), code: CodeInternal},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Equal(t, testCase.code, CodeOf(testCase.err))
		})
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.Error(t, err)
}
