package dispatch_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chainpulse.dev/pulse/common/id"
	"chainpulse.dev/pulse/core/config"
	"chainpulse.dev/pulse/internal/breaker"
	"chainpulse.dev/pulse/internal/condition"
	"chainpulse.dev/pulse/internal/dispatch"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/ratelimit"
	"chainpulse.dev/pulse/internal/store"
)

// fakeRunner binds the processor to in-memory stores. The advisory lock
// degenerates to a flag: lockHeld simulates another instance working
// the same event.
type fakeRunner struct {
	stores   *store.Stores
	lockHeld bool
}

func (r *fakeRunner) Stores() *store.Stores { return r.stores }

func (r *fakeRunner) WithEventLock(_ context.Context, _ string, fn func(stores *store.Stores) error) (bool, error) {
	if r.lockHeld {
		return false, nil
	}
	return true, fn(r.stores)
}

type fakeEventStore struct {
	events map[string]*model.Event
}

func (s *fakeEventStore) GetByID(_ context.Context, eventID string) (*model.Event, error) {
	ev, ok := s.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev, nil
}

func (s *fakeEventStore) ListUnprocessed(_ context.Context, _ int32) ([]string, error) {
	return nil, nil
}

type fakeProcessedStore struct {
	markers map[string]*model.ProcessedEvent
}

func (s *fakeProcessedStore) Exists(_ context.Context, eventID string) (bool, error) {
	_, ok := s.markers[eventID]
	return ok, nil
}

func (s *fakeProcessedStore) Mark(_ context.Context, pe *model.ProcessedEvent) (bool, error) {
	if _, ok := s.markers[pe.EventID]; ok {
		return false, nil
	}
	s.markers[pe.EventID] = pe
	return true, nil
}

type fakeTriggerStore struct {
	triggers   []model.Trigger
	conditions map[int64][]model.Condition
	actions    map[int64][]model.Action
}

func (s *fakeTriggerStore) GetByID(_ context.Context, triggerID int64) (*model.Trigger, error) {
	for i := range s.triggers {
		if s.triggers[i].ID == triggerID {
			return &s.triggers[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeTriggerStore) ListEnabled(_ context.Context, chainID int64, registry model.Registry) ([]model.Trigger, error) {
	var out []model.Trigger
	for _, t := range s.triggers {
		if t.Enabled && t.ChainID == chainID && t.Registry == registry {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeTriggerStore) LoadRelations(_ context.Context, _ []int64) (map[int64][]model.Condition, map[int64][]model.Action, error) {
	return s.conditions, s.actions, nil
}

func (s *fakeTriggerStore) SetEnabled(_ context.Context, triggerID int64, enabled bool) error {
	for i := range s.triggers {
		if s.triggers[i].ID == triggerID {
			s.triggers[i].Enabled = enabled
		}
	}
	return nil
}

type fakeStateStore struct {
	rows map[int64]*model.TriggerState
}

func (s *fakeStateStore) GetForUpdate(_ context.Context, triggerID int64) (*model.TriggerState, error) {
	row, ok := s.rows[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *fakeStateStore) Upsert(_ context.Context, triggerID int64, data []byte, expectedVersion int64) error {
	row, ok := s.rows[triggerID]
	if !ok {
		if expectedVersion != 0 {
			return store.ErrVersionConflict
		}
		s.rows[triggerID] = &model.TriggerState{TriggerID: triggerID, Data: data, Version: 1}
		return nil
	}
	if row.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	row.Data = data
	row.Version++
	return nil
}

type memBreakerStore struct {
	states map[int64]*model.BreakerState
}

func (m *memBreakerStore) Get(_ context.Context, triggerID int64) (*model.BreakerState, error) {
	st, ok := m.states[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memBreakerStore) Upsert(_ context.Context, st *model.BreakerState) error {
	existing, ok := m.states[st.TriggerID]
	if !ok {
		if st.Version != 0 {
			return store.ErrVersionConflict
		}
		st.Version = 1
	} else {
		if existing.Version != st.Version {
			return store.ErrVersionConflict
		}
		st.Version++
	}
	cp := *st
	m.states[st.TriggerID] = &cp
	return nil
}

func (m *memBreakerStore) InsertAudit(_ context.Context, _ *model.BreakerAudit) error {
	return nil
}

type stubGate struct {
	allow bool
}

func (g stubGate) Allow(_ context.Context, _ int64) (bool, error) {
	return g.allow, nil
}

var _ = Describe("Processor", func() {
	const triggerID int64 = 7

	var (
		ctx       context.Context
		producer  *mockProducer
		events    *fakeEventStore
		processed *fakeProcessedStore
		triggers  *fakeTriggerStore
		runner    *fakeRunner
		engine    *condition.Engine
	)

	BeforeEach(func() {
		Expect(id.Init(1)).To(Succeed())

		ctx = context.Background()
		producer = &mockProducer{}
		events = &fakeEventStore{events: make(map[string]*model.Event)}
		processed = &fakeProcessedStore{markers: make(map[string]*model.ProcessedEvent)}
		triggers = &fakeTriggerStore{
			triggers: []model.Trigger{{
				ID:       triggerID,
				ChainID:  84532,
				Registry: model.RegistryReputation,
				Enabled:  true,
			}},
			conditions: map[int64][]model.Condition{triggerID: {{
				ID:        1,
				TriggerID: triggerID,
				Type:      model.ConditionScoreThreshold,
				Field:     "score",
				Operator:  "<",
				Value:     "50",
			}}},
			actions: map[int64][]model.Action{triggerID: {action(10, 1, model.ActionTelegram)}},
		}
		runner = &fakeRunner{stores: &store.Stores{
			Events:          events,
			ProcessedEvents: processed,
			Triggers:        triggers,
			TriggerState:    &fakeStateStore{rows: make(map[int64]*model.TriggerState)},
		}}
		engine = condition.NewEngine(ratelimit.NewMemoryCounter())
	})

	newProcessor := func(gate dispatch.DispatchGate) *dispatch.Processor {
		return dispatch.NewProcessor(runner, engine, gate, dispatch.NewDispatcher(producer), "proc-test")
	}

	addEvent := func(eventID string, score int32) {
		events.events[eventID] = &model.Event{
			ID:        eventID,
			ChainID:   84532,
			Registry:  model.RegistryReputation,
			EventType: "NewFeedback",
			Score:     &score,
		}
	}

	It("enqueues jobs for matches and writes the processed marker", func() {
		addEvent("84532:1:0", 30)
		p := newProcessor(stubGate{allow: true})

		Expect(p.ProcessEvent(ctx, "84532:1:0")).To(Succeed())
		Expect(producer.jobs).To(HaveLen(1))
		Expect(producer.jobs[0].TriggerID).To(Equal(triggerID))

		marker := processed.markers["84532:1:0"]
		Expect(marker).NotTo(BeNil())
		Expect(marker.TriggersMatched).To(Equal(int32(1)))
		Expect(marker.ActionsEnqueued).To(Equal(int32(1)))
	})

	It("enqueues nothing for a duplicate delivery", func() {
		addEvent("84532:1:0", 30)
		p := newProcessor(stubGate{allow: true})

		Expect(p.ProcessEvent(ctx, "84532:1:0")).To(Succeed())
		Expect(p.ProcessEvent(ctx, "84532:1:0")).To(Succeed())

		Expect(producer.jobs).To(HaveLen(1))
	})

	It("does nothing when another instance holds the event lock", func() {
		addEvent("84532:1:0", 30)
		runner.lockHeld = true
		p := newProcessor(stubGate{allow: true})

		Expect(p.ProcessEvent(ctx, "84532:1:0")).To(Succeed())
		Expect(producer.jobs).To(BeEmpty())
		Expect(processed.markers).To(BeEmpty())
	})

	It("defers to the resync scan when the notified row is not yet visible", func() {
		p := newProcessor(stubGate{allow: true})

		Expect(p.ProcessEvent(ctx, "84532:9:9")).To(Succeed())
		Expect(producer.jobs).To(BeEmpty())
		Expect(processed.markers).To(BeEmpty())
	})

	It("contains a malformed trigger without blocking siblings", func() {
		triggers.triggers = append(triggers.triggers, model.Trigger{
			ID:       8,
			ChainID:  84532,
			Registry: model.RegistryReputation,
			Enabled:  true,
		})
		triggers.conditions[8] = []model.Condition{{
			ID:        2,
			TriggerID: 8,
			Type:      model.ConditionType("bogus"),
		}}
		triggers.actions[8] = []model.Action{action(11, 1, model.ActionWebhook)}

		addEvent("84532:1:0", 30)
		p := newProcessor(stubGate{allow: true})

		Expect(p.ProcessEvent(ctx, "84532:1:0")).To(Succeed())

		// Trigger 8 failed to compile; trigger 7 still dispatched.
		Expect(producer.jobs).To(HaveLen(1))
		Expect(producer.jobs[0].TriggerID).To(Equal(triggerID))
		Expect(processed.markers["84532:1:0"].TriggersMatched).To(Equal(int32(1)))
	})

	It("suppresses a matching event while the circuit is open, then recovers through the probe", func() {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		counter := ratelimit.NewMemoryCounter()
		counter.Now = func() time.Time { return now }

		brk := breaker.New(&memBreakerStore{states: make(map[int64]*model.BreakerState)}, counter, config.BreakerConfig{
			FailureRateThreshold: 0.80,
			MinSamples:           5,
			Window:               time.Hour,
			Cooldown:             time.Hour,
			HalfOpenSuccesses:    1,
		}).WithClock(func() time.Time { return now })

		for i := 0; i < 5; i++ {
			Expect(brk.Record(ctx, triggerID, false)).To(Succeed())
		}
		st, err := brk.Status(ctx, triggerID)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.State).To(Equal(model.CircuitOpen))

		p := newProcessor(brk)

		// The trigger still matches while the circuit is open; dispatch
		// is suppressed but the event is marked processed.
		addEvent("84532:1:0", 30)
		Expect(p.ProcessEvent(ctx, "84532:1:0")).To(Succeed())
		Expect(producer.jobs).To(BeEmpty())
		Expect(processed.markers["84532:1:0"].TriggersMatched).To(Equal(int32(1)))
		Expect(processed.markers["84532:1:0"].ActionsEnqueued).To(Equal(int32(0)))

		// After the cooldown the next matching event is the probe.
		now = now.Add(time.Hour + time.Minute)
		addEvent("84532:2:0", 30)
		Expect(p.ProcessEvent(ctx, "84532:2:0")).To(Succeed())
		Expect(producer.jobs).To(HaveLen(1))

		Expect(brk.Record(ctx, triggerID, true)).To(Succeed())
		st, err = brk.Status(ctx, triggerID)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.State).To(Equal(model.CircuitClosed))

		addEvent("84532:3:0", 30)
		Expect(p.ProcessEvent(ctx, "84532:3:0")).To(Succeed())
		Expect(producer.jobs).To(HaveLen(2))
	})
})
