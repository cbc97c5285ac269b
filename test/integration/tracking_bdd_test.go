//go:build integration

package integration

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
	"github.com/eliteGoblin/focusd/focustrack/internal/usecase"
	"github.com/eliteGoblin/focusd/focustrack/test/fixtures"
)

// collector records every delivered event.
type collector struct {
	mu     sync.Mutex
	events []domain.FocusEvent
}

func (c *collector) Consume(events []domain.FocusEvent) error {
	c.mu.Lock()
	c.events = append(c.events, events...)
	c.mu.Unlock()
	return nil
}

func (c *collector) Events() []domain.FocusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.FocusEvent(nil), c.events...)
}

func (c *collector) Types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range c.Events() {
		out = append(out, ev.Type)
	}
	return out
}

var _ = Describe("Focus Tracker", func() {
	var (
		platform *fixtures.FakePlatform
		tracker  *usecase.Tracker
		events   *collector
		cfg      domain.Config
	)

	BeforeEach(func() {
		platform = fixtures.NewFakePlatform()
		tracker = usecase.NewTracker(usecase.TrackerDeps{
			Platform: platform,
			System:   policy.NewSystemAppsFor("linux"),
		}, zap.NewNop())
		events = &collector{}
		tracker.Subscribe(events)

		cfg = domain.DefaultConfig()
		cfg.UpdateIntervalMs = 100
		cfg.PollIntervalMs = 100
		cfg.EnableDurationTracking = false
		cfg.EnableBrowserTabTracking = false
	})

	AfterEach(func() {
		Expect(tracker.Close()).To(Succeed())
	})

	Describe("switching between two applications", func() {
		It("emits gained, lost with the focus duration, then gained", func() {
			platform.SetFocus(fixtures.App(100, "A"))
			Expect(tracker.StartTracking(context.Background(), cfg)).To(Succeed())
			Eventually(events.Types).Should(Equal([]domain.EventType{domain.EventGained}))

			time.Sleep(250 * time.Millisecond)
			platform.SetFocus(fixtures.App(200, "B"))

			Eventually(events.Types, time.Second).Should(Equal([]domain.EventType{
				domain.EventGained, domain.EventLost, domain.EventGained,
			}))
			got := events.Events()
			Expect(got[0].AppName).To(Equal("A"))
			Expect(got[1].AppName).To(Equal("A"))
			Expect(got[1].Duration).To(BeNumerically(">=", 240*time.Millisecond))
			Expect(got[1].Duration).To(BeNumerically("<", 500*time.Millisecond))
			Expect(got[2].AppName).To(Equal("B"))

			for _, ev := range got {
				Expect(ev.SessionID).To(Equal(tracker.CurrentSession().ID))
				Expect(ev.ID).To(HavePrefix("evt_"))
			}
		})
	})

	Describe("stopping", func() {
		It("closes the open focus with a final lost event", func() {
			platform.SetFocus(fixtures.App(100, "A"))
			Expect(tracker.StartTracking(context.Background(), cfg)).To(Succeed())
			Eventually(events.Types).Should(HaveLen(1))

			Expect(tracker.StopTracking()).To(Succeed())
			Expect(events.Types()).To(Equal([]domain.EventType{domain.EventGained, domain.EventLost}))
			Expect(platform.HookRegistered()).To(BeFalse())
		})
	})

	Describe("excluded applications", func() {
		It("never reports an excluded app", func() {
			cfg.ExcludedApps = []string{"mail"}
			platform.SetFocus(fixtures.App(100, "editor"))
			Expect(tracker.StartTracking(context.Background(), cfg)).To(Succeed())
			Eventually(events.Types).Should(HaveLen(1))

			platform.SetFocus(fixtures.App(300, "mail"))
			Eventually(events.Types).Should(HaveLen(2))
			time.Sleep(150 * time.Millisecond)
			platform.SetFocus(fixtures.App(100, "editor"))

			Eventually(events.Types).Should(HaveLen(3))
			for _, ev := range events.Events() {
				Expect(ev.AppName).NotTo(Equal("mail"))
			}
		})
	})

	Describe("browser tabs", func() {
		BeforeEach(func() {
			cfg.EnableBrowserTabTracking = true
			cfg.BrowserPollIntervalMs = 50
		})

		It("reports navigation to another site as tabChanged", func() {
			platform.SetFocus(fixtures.Browser(77, "github.com/eliteGoblin/focusd"))
			Expect(tracker.StartTracking(context.Background(), cfg)).To(Succeed())
			Eventually(events.Types).Should(HaveLen(1))
			gained := events.Events()[0]
			Expect(gained.Metadata).NotTo(BeNil())
			Expect(gained.Metadata.IsBrowser).To(BeTrue())

			// Give the first resolution time to seed the tab baseline.
			time.Sleep(150 * time.Millisecond)
			platform.SetFocus(fixtures.Browser(77, "gitlab.com/explore"))

			Eventually(events.Types, 2*time.Second).Should(ContainElement(domain.EventTabChanged))
			var changed domain.FocusEvent
			for _, ev := range events.Events() {
				if ev.Type == domain.EventTabChanged {
					changed = ev
				}
			}
			Expect(changed.Metadata.BrowserTab.Domain).To(Equal("gitlab.com"))
			Expect(changed.Metadata.PreviousTab.Domain).To(Equal("github.com"))
		})
	})

	Describe("running applications", func() {
		It("filters system processes unless asked", func() {
			entries, userCount := fixtures.SyntheticProcesses(500)
			platform.SetProcesses(entries)

			apps, err := tracker.RunningApplications(context.Background(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(apps).To(HaveLen(userCount))
			for _, app := range apps {
				Expect(app.IsSystem).To(BeFalse())
			}

			all, err := tracker.RunningApplications(context.Background(), true)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(500))
		})
	})

	Describe("permissions", func() {
		Context("when the capability is denied", func() {
			It("refuses to start and does not re-check during the cooldown", func() {
				platform.SetGranted(false)

				err := tracker.StartTracking(context.Background(), cfg)
				Expect(err).To(MatchError(domain.ErrPermissionDenied))
				err = tracker.StartTracking(context.Background(), cfg)
				Expect(err).To(MatchError(domain.ErrPermissionDenied))

				checks, _, _ := platform.Calls()
				Expect(checks).To(Equal(1))
				Expect(tracker.IsTracking()).To(BeFalse())
			})
		})
	})
})
