package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/store"
)

func TestListVehiclesStreamsWithoutInterrupt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("list_vehicles", map[string]any{})
	h.llm.tokens = []string{"You have ", "5 vehicles."}

	events := h.submit("s-list", fleet.ContextBusDashboard, "list all vehicles")

	for _, ev := range events {
		require.NotEqual(t, EventConfirmation, ev.Type)
	}
	require.Equal(t, []string{"You have ", "5 vehicles."}, tokensOf(events))
	done := last(events)
	require.Equal(t, EventDone, done.Type)
	require.Equal(t, "You have 5 vehicles.", done.Content)
	require.True(t, done.Result.Success)

	vehicles, ok := h.llm.lastSynthesis().Result.Payload.([]domain.Vehicle)
	require.True(t, ok)
	require.Len(t, vehicles, 5)

	cp, err := h.engine.PendingConfirmation(context.Background(), "s-list")
	require.NoError(t, err)
	require.Nil(t, cp)

	snap, err := h.engine.Snapshot(context.Background(), "s-list")
	require.NoError(t, err)
	require.Equal(t, PhaseDone, snap.Phase)
	require.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "list all vehicles"},
		{Role: domain.RoleAssistant, Content: "You have 5 vehicles."},
	}, snap.History)
}

func TestRemoveVehicleSuspendsThenExecutesOnApproval(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{"trip": "morning express"})
	ctx := context.Background()

	events := h.submit("s-remove", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")

	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, EventConfirmation, ev.Type)
	require.Equal(t, "remove_vehicle_from_trip", ev.Payload.ToolName)
	require.NotEmpty(t, ev.Payload.Message)
	impact := ev.Payload.StructuredConsequence
	require.Equal(t, domain.KindTrip, impact.EntityType)
	require.InDelta(t, 75.5, impact.Facts["booking_percentage"], 0.01)

	require.NotNil(t, h.vehicleOn("Morning Express"), "no side effect before confirmation")
	cp, err := h.engine.PendingConfirmation(ctx, "s-remove")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, domain.StageSafetyGate, cp.SuspendedAt)

	events = h.resume("s-remove", true)
	done := last(events)
	require.Equal(t, EventDone, done.Type)
	require.True(t, done.Result.Success)
	require.Contains(t, strings.ToLower(done.Content), "remove vehicle from trip")
	require.Nil(t, h.vehicleOn("Morning Express"))

	cp, err = h.engine.PendingConfirmation(ctx, "s-remove")
	require.NoError(t, err)
	require.Nil(t, cp)

	_, err = collect(h.engine.Resume(ctx, "s-remove", true))
	require.ErrorIs(t, err, ErrNoPendingConfirmation)
	require.True(t, errdefs.IsNotFound(err))
}

func TestEveryHighImpactToolSuspends(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]struct {
		uiContext string
		entities  map[string]any
	}{
		"remove_vehicle_from_trip": {fleet.ContextBusDashboard, map[string]any{fleet.ParamTrip: "Morning Express"}},
		"delete_trip":              {fleet.ContextBusDashboard, map[string]any{fleet.ParamTrip: "Night Service"}},
		"update_trip_status":       {fleet.ContextBusDashboard, map[string]any{fleet.ParamTrip: "Evening Commute", fleet.ParamStatus: "cancelled"}},
		"delete_deployment":        {fleet.ContextBusDashboard, map[string]any{fleet.ParamTrip: "Afternoon Service"}},
		"update_route_status":      {fleet.ContextManageRoute, map[string]any{fleet.ParamRoute: "Downtown to Airport Express", fleet.ParamStatus: "deactivated"}},
		"delete_path":              {fleet.ContextManageRoute, map[string]any{fleet.ParamPath: "Main Route Path"}},
	}
	require.Len(t, cases, len(h.registry.HighImpactNames()))

	for _, tool := range h.registry.HighImpactNames() {
		tc, ok := cases[tool]
		require.True(t, ok, tool)
		sessionID := "s-" + tool
		h.llm.classifyAs(tool, tc.entities)

		events := h.submit(sessionID, tc.uiContext, "please "+tool)
		require.Len(t, events, 1, tool)
		require.Equal(t, EventConfirmation, events[0].Type, tool)
		require.Equal(t, tool, events[0].Payload.ToolName)

		events = h.resume(sessionID, false)
		require.Equal(t, domain.ErrCodeCancelledByUser, last(events).Result.Error, tool)
	}

	trips, err := h.store.ListTrips(ctx)
	require.NoError(t, err)
	require.Len(t, trips, 4)
	for _, tr := range trips {
		require.NotEqual(t, domain.TripCancelled, tr.LiveStatus)
	}
	routes, err := h.store.ListRoutes(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.RouteActive, routes[0].Status)
	paths, err := h.store.ListPaths(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.NotNil(t, h.vehicleOn("Morning Express"))
	require.NotNil(t, h.vehicleOn("Afternoon Service"))
}

func TestRejectionNeverExecutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})

	h.submit("s-reject", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")
	events := h.resume("s-reject", false)

	done := last(events)
	require.False(t, done.Result.Success)
	require.Equal(t, domain.ErrCodeCancelledByUser, done.Result.Error)
	require.NotNil(t, h.vehicleOn("Morning Express"))

	snap, err := h.engine.Snapshot(context.Background(), "s-reject")
	require.NoError(t, err)
	require.False(t, snap.AwaitingConfirmation)
	require.Equal(t, domain.Message{Role: domain.RoleUser, Content: "No, cancel."}, snap.History[1])
}

func TestResumeUsesCheckpointedToolAcrossRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})
	h.submit("s-restart", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")

	// A different process picks the decision up later; the classifier now
	// answers differently and must not be consulted.
	h.engine = h.newEngine(h.store)
	h.llm.classifyAs("list_vehicles", map[string]any{})
	calls := h.llm.calls()

	events := h.resume("s-restart", true)

	require.Equal(t, calls, h.llm.calls())
	require.True(t, last(events).Result.Success)
	require.Equal(t, "remove_vehicle_from_trip", h.llm.lastSynthesis().Tool)
	require.Nil(t, h.vehicleOn("Morning Express"))
}

func TestConcurrentSubmitSameSessionRejectsOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})
	h.llm.entered = make(chan struct{}, 4)
	h.llm.gate = make(chan struct{})

	type outcome struct {
		events []*Event
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		events, err := collect(h.engine.Submit(context.Background(), SubmitRequest{
			SessionID: "s-race", Message: "remove the vehicle from Morning Express", UIContext: fleet.ContextBusDashboard,
		}))
		first <- outcome{events, err}
	}()
	<-h.llm.entered

	_, err := collect(h.engine.Submit(context.Background(), SubmitRequest{
		SessionID: "s-race", Message: "delete Night Service", UIContext: fleet.ContextBusDashboard,
	}))
	require.ErrorIs(t, err, ErrSessionBusy)
	require.True(t, errdefs.IsConflict(err))

	close(h.llm.gate)
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, EventConfirmation, last(res.events).Type)

	cp, err := h.engine.PendingConfirmation(context.Background(), "s-race")
	require.NoError(t, err)
	require.NotNil(t, cp)
	st, err := decodeState(cp.StateJSON)
	require.NoError(t, err)
	require.Equal(t, "remove the vehicle from Morning Express", st.RawMessage)
}

func TestMissingTripNameAsksForClarification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("delete_trip", map[string]any{})

	events := h.submit("s-missing", fleet.ContextBusDashboard, "delete the trip")

	done := last(events)
	require.Equal(t, EventDone, done.Type)
	require.Contains(t, done.Content, "To delete trip I need the trip")

	snap, err := h.engine.Snapshot(context.Background(), "s-missing")
	require.NoError(t, err)
	require.True(t, snap.NeedsClarification)
	require.Empty(t, snap.SelectedTool)

	cp, err := h.engine.PendingConfirmation(context.Background(), "s-missing")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestUnknownTripAsksForClarification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("delete_trip", map[string]any{fleet.ParamTrip: "Midnight Ghost"})

	events := h.submit("s-unknown", fleet.ContextBusDashboard, "delete Midnight Ghost")

	require.Equal(t, EventDone, last(events).Type)
	require.Contains(t, last(events).Content, "Midnight Ghost")
	cp, err := h.engine.PendingConfirmation(context.Background(), "s-unknown")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestClassifierOutageAsksToRephrase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyErr = errUnreachable

	events := h.submit("s-down", fleet.ContextBusDashboard, "list all vehicles")

	require.Equal(t, 2, h.llm.calls())
	require.Equal(t, clarifyRephrase, last(events).Content)
}

func TestToolOutsidePageContextIsNotSelected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("delete_path", map[string]any{fleet.ParamPath: "Main Route Path"})

	events := h.submit("s-page", fleet.ContextBusDashboard, "delete the main path")

	require.Equal(t, clarifyNoMatch, last(events).Content)
	paths, err := h.store.ListPaths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)
}

func TestExpiredConfirmationDoesNotExecute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})
	h.submit("s-late", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")

	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	events := h.resume("s-late", true)

	require.Equal(t, domain.ErrCodeConfirmationExpired, last(events).Result.Error)
	require.NotNil(t, h.vehicleOn("Morning Express"))
}

func TestExpireCheckpointRecordsCancellation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.llm.classifyAs("delete_trip", map[string]any{fleet.ParamTrip: "Night Service"})
	h.submit("s-sweep", fleet.ContextBusDashboard, "delete Night Service")

	cp, err := h.engine.PendingConfirmation(ctx, "s-sweep")
	require.NoError(t, err)
	require.NotNil(t, cp)

	require.NoError(t, h.engine.ExpireCheckpoint(ctx, cp), "not yet expired")
	still, err := h.engine.PendingConfirmation(ctx, "s-sweep")
	require.NoError(t, err)
	require.NotNil(t, still)

	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, h.engine.ExpireCheckpoint(ctx, cp))

	gone, err := h.engine.PendingConfirmation(ctx, "s-sweep")
	require.NoError(t, err)
	require.Nil(t, gone)

	snap, err := h.engine.Snapshot(ctx, "s-sweep")
	require.NoError(t, err)
	require.Equal(t, PhaseDone, snap.Phase)
	require.Contains(t, snap.History[len(snap.History)-1].Content, "expired")
	_, err = h.store.GetTripByName(ctx, "Night Service")
	require.NoError(t, err)
}

func TestNewMessageSupersedesPendingConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})
	h.submit("s-super", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")

	h.llm.classifyAs("list_vehicles", map[string]any{})
	events := h.submit("s-super", fleet.ContextBusDashboard, "actually, list all vehicles")
	require.True(t, last(events).Result.Success)

	cp, err := h.engine.PendingConfirmation(context.Background(), "s-super")
	require.NoError(t, err)
	require.Nil(t, cp)
	require.NotNil(t, h.vehicleOn("Morning Express"))

	snap, err := h.engine.Snapshot(context.Background(), "s-super")
	require.NoError(t, err)
	var notes int
	for _, m := range snap.History {
		if strings.Contains(m.Content, "cancelled because a new message arrived") {
			notes++
		}
	}
	require.Equal(t, 1, notes)
}

type failingCheckpoints struct {
	CheckpointStore
}

func (failingCheckpoints) PutCheckpoint(context.Context, *domain.Checkpoint) error {
	return errors.New("disk full")
}

func TestCheckpointFailureAbandonsAction(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine = h.newEngine(failingCheckpoints{CheckpointStore: h.store})
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})

	events := h.submit("s-nockpt", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")

	for _, ev := range events {
		require.NotEqual(t, EventConfirmation, ev.Type)
	}
	done := last(events)
	require.Equal(t, domain.ErrCodeConfirmationUnavailable, done.Result.Error)
	require.Contains(t, done.Content, "could not request confirmation")
	require.NotNil(t, h.vehicleOn("Morning Express"))
}

func TestSynthesisOutageFallsBackToTemplate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("get_trip_status", map[string]any{fleet.ParamTrip: "Morning Express"})
	h.llm.synthErr = errUnreachable

	events := h.submit("s-fallback", fleet.ContextBusDashboard, "how is Morning Express doing?")

	done := last(events)
	require.True(t, done.Result.Success)
	require.True(t, strings.HasPrefix(done.Content, "Done: get trip status (Morning Express)."), done.Content)
}

func TestConsumerStopEndsStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("list_vehicles", map[string]any{})
	h.llm.tokens = []string{"one ", "two ", "three"}

	var got []*Event
	for ev, err := range h.engine.Submit(context.Background(), SubmitRequest{
		SessionID: "s-stop", Message: "list all vehicles", UIContext: fleet.ContextBusDashboard,
	}) {
		require.NoError(t, err)
		got = append(got, ev)
		break
	}
	require.Len(t, got, 1)
	require.Equal(t, "one ", got[0].Content)

	snap, err := h.engine.Snapshot(context.Background(), "s-stop")
	require.NoError(t, err)
	require.Equal(t, "one ", snap.Reply)
	require.False(t, h.engine.sessions.Busy("s-stop"))
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := collect(h.engine.Submit(context.Background(), SubmitRequest{Message: "hi"}))
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.True(t, errdefs.IsInvalidArgument(err))

	_, err = collect(h.engine.Submit(context.Background(), SubmitRequest{SessionID: "s", Message: "  "}))
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = collect(h.engine.Resume(context.Background(), "", true))
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestImageIsSummarizedIntoHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("list_vehicles", map[string]any{})

	_, err := collect(h.engine.Submit(context.Background(), SubmitRequest{
		SessionID: "s-img", Message: "which bus is this?", UIContext: fleet.ContextBusDashboard,
		Image: []byte{0x89, 'P', 'N', 'G'}, ImageMIME: "image/png",
	}))
	require.NoError(t, err)

	snap, err := h.engine.Snapshot(context.Background(), "s-img")
	require.NoError(t, err)
	require.Equal(t, "a bus with plate KA-01-AB-1234", snap.ImageSummary)
	require.Contains(t, snap.History[0].Content, "[Image Analysis: a bus with plate KA-01-AB-1234]")
	require.Nil(t, snap.ImagePayload)
}

func TestConfirmationTextFallsBackToDetails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.confirmErr = errUnreachable
	h.llm.classifyAs("delete_trip", map[string]any{fleet.ParamTrip: "Night Service"})

	events := h.submit("s-confirm", fleet.ContextBusDashboard, "delete Night Service")

	ev := last(events)
	require.Equal(t, ConfirmationText(ev.Payload.StructuredConsequence), ev.Content)
	require.True(t, strings.HasSuffix(ev.Content, "Do you want to proceed? (yes/no)"))
}

// flakySessions fails session reads while failing is set.
type flakySessions struct {
	*store.SQLiteStore
	failing atomic.Bool
}

func (f *flakySessions) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if f.failing.Load() {
		return nil, errors.New("database is busy")
	}
	return f.SQLiteStore.GetSession(ctx, sessionID)
}

// flakyCheckpoints fails checkpoint reads while failing is set.
type flakyCheckpoints struct {
	CheckpointStore
	failing atomic.Bool
}

func (f *flakyCheckpoints) TakeCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	if f.failing.Load() {
		return nil, errors.New("disk I/O error")
	}
	return f.CheckpointStore.TakeCheckpoint(ctx, sessionID)
}

func (h *harness) persistedState(sessionID string) AgentState {
	h.t.Helper()
	sess, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(h.t, err)
	require.NotNil(h.t, sess)
	st, err := decodeState(sess.StateJSON)
	require.NoError(h.t, err)
	return st
}

func TestUnreadableSessionKeepsStoredHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sessions := &flakySessions{SQLiteStore: h.store}
	h.engine = h.newEngineWith(sessions, h.store)
	h.llm.classifyAs("list_vehicles", map[string]any{})
	h.llm.tokens = []string{"ok"}

	h.submit("s-flaky", fleet.ContextBusDashboard, "list all vehicles")
	h.submit("s-flaky", fleet.ContextBusDashboard, "list them again")
	before := h.persistedState("s-flaky").History
	require.Len(t, before, 4)

	sessions.failing.Store(true)
	events := h.submit("s-flaky", fleet.ContextBusDashboard, "one more time")
	sessions.failing.Store(false)

	done := last(events)
	require.Equal(t, EventDone, done.Type)
	require.Equal(t, domain.ErrCodeInternal, done.Result.Error)
	require.Equal(t, before, h.persistedState("s-flaky").History)
}

func TestCheckpointReadFailureOnResumeEndsWithReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	checkpoints := &flakyCheckpoints{CheckpointStore: h.store}
	h.engine = h.newEngine(checkpoints)
	h.llm.classifyAs("remove_vehicle_from_trip", map[string]any{fleet.ParamTrip: "Morning Express"})

	events := h.submit("s-io", fleet.ContextBusDashboard, "remove the vehicle from Morning Express")
	require.Equal(t, EventConfirmation, last(events).Type)
	before := h.persistedState("s-io").History

	checkpoints.failing.Store(true)
	events = h.resume("s-io", true)
	checkpoints.failing.Store(false)

	done := last(events)
	require.Equal(t, EventDone, done.Type)
	require.Equal(t, domain.ErrCodeInternal, done.Result.Error)
	require.NotNil(t, h.vehicleOn("Morning Express"))
	require.Equal(t, before, h.persistedState("s-io").History)

	events = h.resume("s-io", true)
	require.True(t, last(events).Result.Success)
	require.Nil(t, h.vehicleOn("Morning Express"))
}

func TestClassifierTimeoutAsksToRephrase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cfg.CompletionTimeout = 50 * time.Millisecond
	h.engine = h.newEngine(h.store)
	h.llm.gate = make(chan struct{})

	start := time.Now()
	events := h.submit("s-hang", fleet.ContextBusDashboard, "list all vehicles")

	require.Equal(t, 2, h.llm.calls())
	require.Equal(t, clarifyRephrase, last(events).Content)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestStalledReplyStreamFallsBackToTemplate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cfg.CompletionTimeout = 50 * time.Millisecond
	h.engine = h.newEngine(h.store)
	h.llm.classifyAs("get_trip_status", map[string]any{fleet.ParamTrip: "Morning Express"})
	h.llm.stallSynthesis = true

	events := h.submit("s-stall", fleet.ContextBusDashboard, "how is Morning Express doing?")

	done := last(events)
	require.Equal(t, EventDone, done.Type)
	require.True(t, done.Result.Success)
	require.True(t, strings.HasPrefix(done.Content, "Done: get trip status (Morning Express)."), done.Content)
}

func TestExpireCorruptCheckpointClearsPendingState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.llm.classifyAs("delete_trip", map[string]any{fleet.ParamTrip: "Night Service"})
	h.submit("s-corrupt", fleet.ContextBusDashboard, "delete Night Service")
	require.True(t, h.persistedState("s-corrupt").AwaitingConfirmation)

	cp, err := h.engine.PendingConfirmation(ctx, "s-corrupt")
	require.NoError(t, err)
	require.NotNil(t, cp)
	cp.StateJSON = []byte("{not json")
	require.NoError(t, h.store.PutCheckpoint(ctx, cp))

	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, h.engine.ExpireCheckpoint(ctx, cp))

	gone, err := h.engine.PendingConfirmation(ctx, "s-corrupt")
	require.NoError(t, err)
	require.Nil(t, gone)
	st := h.persistedState("s-corrupt")
	require.False(t, st.AwaitingConfirmation)
	require.Equal(t, PhaseDone, st.Phase)
	require.Contains(t, st.History[len(st.History)-1].Content, "expired")
	_, err = h.store.GetTripByName(ctx, "Night Service")
	require.NoError(t, err)
}

func TestUnknownPageAsksForPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.classifyAs("list_vehicles", map[string]any{})

	events := h.submit("s-nowhere", "settings", "list all vehicles")

	require.Equal(t, clarifyNoPage, last(events).Content)
	require.Zero(t, h.llm.calls())
}
