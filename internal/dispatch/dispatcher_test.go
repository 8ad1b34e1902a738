package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chainpulse.dev/pulse/common/id"
	"chainpulse.dev/pulse/internal/condition"
	"chainpulse.dev/pulse/internal/dispatch"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/queue"
	"chainpulse.dev/pulse/internal/ratelimit"
)

type mockProducer struct {
	jobs    []queue.Job
	failAt  int // 1-based enqueue call that fails; 0 never fails
	calls   int
	enqErr  error
}

func (m *mockProducer) Enqueue(_ context.Context, job queue.Job) error {
	m.calls++
	if m.failAt > 0 && m.calls == m.failAt {
		if m.enqErr == nil {
			m.enqErr = errors.New("redis unavailable")
		}
		return m.enqErr
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockProducer) Close() error { return nil }

func action(actionID int64, priority int32, typ model.ActionType) model.Action {
	return model.Action{
		ID:        actionID,
		TriggerID: 7,
		Type:      typ,
		Priority:  priority,
		Enabled:   true,
		Config:    json.RawMessage(`{"chat_id": "123", "template": "score {{score}}"}`),
	}
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx      context.Context
		producer *mockProducer
		d        *dispatch.Dispatcher
		trigger  *model.Trigger
		ev       *model.Event
	)

	BeforeEach(func() {
		Expect(id.Init(1)).To(Succeed())

		ctx = context.Background()
		producer = &mockProducer{}
		d = dispatch.NewDispatcher(producer)
		trigger = &model.Trigger{ID: 7, ChainID: 84532, Registry: model.RegistryReputation}

		score := int32(30)
		ev = &model.Event{
			ID:          "84532:1000:0",
			ChainID:     84532,
			BlockNumber: 1000,
			Registry:    model.RegistryReputation,
			EventType:   "NewFeedback",
			Score:       &score,
		}
	})

	It("orders jobs by priority ascending", func() {
		actions := []model.Action{
			action(10, 2, model.ActionTelegram),
			action(11, 1, model.ActionWebhook),
			action(12, 3, model.ActionAgent),
		}

		n, err := d.Dispatch(ctx, trigger, ev, actions)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int32(3)))

		priorities := []int32{producer.jobs[0].Priority, producer.jobs[1].Priority, producer.jobs[2].Priority}
		Expect(priorities).To(Equal([]int32{1, 2, 3}))
	})

	It("breaks priority ties by action id", func() {
		actions := []model.Action{
			action(12, 1, model.ActionTelegram),
			action(10, 1, model.ActionWebhook),
			action(11, 1, model.ActionAgent),
		}

		_, err := d.Dispatch(ctx, trigger, ev, actions)
		Expect(err).NotTo(HaveOccurred())

		ids := []int64{producer.jobs[0].ActionID, producer.jobs[1].ActionID, producer.jobs[2].ActionID}
		Expect(ids).To(Equal([]int64{10, 11, 12}))
	})

	It("skips disabled actions", func() {
		disabled := action(10, 1, model.ActionTelegram)
		disabled.Enabled = false
		actions := []model.Action{disabled, action(11, 2, model.ActionWebhook)}

		n, err := d.Dispatch(ctx, trigger, ev, actions)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int32(1)))
		Expect(producer.jobs[0].ActionID).To(Equal(int64(11)))
	})

	It("snapshots the event payload into every job", func() {
		_, err := d.Dispatch(ctx, trigger, ev, []model.Action{action(10, 1, model.ActionTelegram)})
		Expect(err).NotTo(HaveOccurred())

		var vars map[string]string
		Expect(json.Unmarshal([]byte(producer.jobs[0].Payload), &vars)).To(Succeed())
		Expect(vars["score"]).To(Equal("30"))
		Expect(vars["registry"]).To(Equal("reputation"))
		Expect(vars["event_id"]).To(Equal("84532:1000:0"))
	})

	It("aborts on the first enqueue failure", func() {
		producer.failAt = 2
		actions := []model.Action{
			action(10, 1, model.ActionTelegram),
			action(11, 2, model.ActionWebhook),
			action(12, 3, model.ActionAgent),
		}

		n, err := d.Dispatch(ctx, trigger, ev, actions)
		Expect(err).To(HaveOccurred())
		Expect(n).To(Equal(int32(1)))
		// The third action was never attempted.
		Expect(producer.calls).To(Equal(2))
	})
})

var _ = Describe("Scenario: reputation score trigger", func() {
	It("produces exactly one telegram job for a matching low score event", func() {
		Expect(id.Init(1)).To(Succeed())

		ctx := context.Background()
		engine := condition.NewEngine(ratelimit.NewMemoryCounter())
		producer := &mockProducer{}
		d := dispatch.NewDispatcher(producer)

		score := int32(30)
		ev := &model.Event{
			ID:        "84532:2000:1",
			ChainID:   84532,
			Registry:  model.RegistryReputation,
			EventType: "NewFeedback",
			Score:     &score,
		}
		trigger := &model.Trigger{ID: 9, ChainID: 84532, Registry: model.RegistryReputation, Enabled: true}
		conditions := []model.Condition{{
			ID:        1,
			TriggerID: 9,
			Type:      model.ConditionScoreThreshold,
			Field:     "score",
			Operator:  "<",
			Value:     "50",
		}}
		actions := []model.Action{action(10, 1, model.ActionTelegram)}

		state := &model.StateData{}
		out, err := engine.Evaluate(ctx, conditions, ev, state)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matched).To(BeTrue())

		n, err := d.Dispatch(ctx, trigger, ev, actions)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int32(1)))
		Expect(producer.jobs).To(HaveLen(1))
		Expect(producer.jobs[0].ActionType).To(Equal("telegram"))
		Expect(producer.jobs[0].TriggerID).To(Equal(int64(9)))
		Expect(producer.jobs[0].EventID).To(Equal("84532:2000:1"))
	})
})
