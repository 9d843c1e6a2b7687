//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/infra"
	"github.com/eliteGoblin/focusd/crash_mon/internal/policy"
	"github.com/eliteGoblin/focusd/crash_mon/internal/usecase"
)

// pipeline wires the real stores the way a launch of the app does.
type pipeline struct {
	cfg        *config.Config
	store      *infra.SQLCipherReportStore
	settings   *infra.FileSettingsStore
	metrics    *infra.PrometheusMetrics
	sender     *usecase.Sender
	dispatcher *usecase.AsyncDispatcher
	captor     *usecase.Captor
	triage     *usecase.Triage
}

func launch(cfg *config.Config) *pipeline {
	logger := zap.NewNop()
	Expect(cfg.Validate()).To(Succeed())
	Expect(cfg.CheckResources()).To(Succeed())

	settings, err := infra.OpenSettingsStore(cfg.SettingsPath(), logger)
	Expect(err).NotTo(HaveOccurred())
	key, err := infra.EnsureKey(infra.NewKeyFile(cfg.DataDir))
	Expect(err).NotTo(HaveOccurred())
	store, err := infra.NewReportStore(cfg.DataDir, key)
	Expect(err).NotTo(HaveOccurred())

	p := &pipeline{cfg: cfg, store: store, settings: settings, metrics: infra.NewPrometheusMetrics()}
	transport := infra.NewHTTPTransport(cfg.Collector.URL, "", cfg.AppName, cfg.Collector.Timeout)
	p.sender = usecase.NewSender(store, transport, cfg.Retry, p.metrics, logger)
	p.dispatcher = usecase.NewAsyncDispatcher(p.sender, logger)
	p.captor = usecase.NewCaptor(cfg, store, settings, p.dispatcher, infra.NewProcessManager(), p.metrics, logger)
	p.captor.SetEnabled(!policy.CaptureDisabled(settings, cfg.CaptureEnabledDefault))
	p.triage = usecase.NewTriage(cfg.Triage, cfg.AppVersion, store, settings, p.dispatcher, p.captor.Enabled, p.metrics, logger)
	return p
}

func (p *pipeline) shutdown() {
	p.dispatcher.Close()
	Expect(p.store.Close()).To(Succeed())
}

func (p *pipeline) count(state domain.ApprovalState) int {
	n, err := p.store.Count(context.Background(), state)
	Expect(err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("Crash pipeline", func() {
	var (
		ctx       context.Context
		tmpDir    string
		cfg       *config.Config
		collector *httptest.Server
		received  atomic.Int32
		status    atomic.Int32
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tmpDir, err = os.MkdirTemp("", "crashmon-integration-*")
		Expect(err).NotTo(HaveOccurred())

		received.Store(0)
		status.Store(http.StatusAccepted)
		collector = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Add(1)
			w.WriteHeader(int(status.Load()))
		}))

		cfg = config.Default()
		cfg.AppName = "demo"
		cfg.AppVersion = "1.0.0"
		cfg.DataDir = filepath.Join(tmpDir, "data")
		cfg.SuppressDefaultCrash = true
		cfg.Collector.URL = collector.URL
		cfg.Retry.InitialInterval = 5 * time.Millisecond
		cfg.Retry.MaxInterval = 20 * time.Millisecond
	})

	AfterEach(func() {
		collector.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Capture and delivery", func() {
		Context("with auto-approve-all", func() {
			It("should deliver the report and remove it from the store", func() {
				cfg.ApprovalMode = config.ApproveAll
				p := launch(cfg)
				defer p.shutdown()

				id := p.captor.Capture("boom", nil)
				Expect(id).NotTo(BeEmpty())

				p.dispatcher.Wait()
				Expect(received.Load()).To(Equal(int32(1)))
				_, err := p.store.Get(ctx, id)
				Expect(err).To(MatchError(domain.ErrNotFound))
			})
		})

		Context("with require-explicit-approval", func() {
			It("should keep the report pending and never send it", func() {
				p := launch(cfg)
				defer p.shutdown()

				Expect(p.captor.Capture("boom", nil)).NotTo(BeEmpty())
				p.dispatcher.Wait()

				Expect(p.count(domain.StatePending)).To(Equal(1))
				Expect(received.Load()).To(BeZero())
			})
		})

		Context("when the user disabled capture", func() {
			It("should persist nothing", func() {
				p := launch(cfg)
				Expect(p.settings.Set(domain.SettingDisable, true)).To(Succeed())
				p.shutdown()

				p = launch(cfg)
				defer p.shutdown()
				Expect(p.captor.Enabled()).To(BeFalse())
				Expect(p.captor.Capture("boom", nil)).To(BeEmpty())
				Expect(p.count(domain.StatePending)).To(BeZero())
			})
		})

		Context("when the collector keeps failing", func() {
			It("should poison the report and exclude it from later cycles", func() {
				status.Store(http.StatusServiceUnavailable)
				cfg.ApprovalMode = config.ApproveAll
				cfg.Retry.MaxAttempts = 2
				p := launch(cfg)
				defer p.shutdown()

				id := p.captor.Capture("boom", nil)
				p.dispatcher.Wait()

				r, err := p.store.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.State).To(Equal(domain.StatePoisoned))
				Expect(r.Attempts).To(Equal(2))

				status.Store(http.StatusOK)
				res, err := p.sender.RunCycle(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Attempted).To(BeZero())
				Expect(received.Load()).To(Equal(int32(2)))
			})
		})
	})

	Describe("Startup triage", func() {
		Context("when the app version changed", func() {
			It("should delete the stale report before it is ever delivered", func() {
				p := launch(cfg)
				id := p.captor.Capture("boom", nil)
				p.shutdown()

				cfg.AppVersion = "2.0.0"
				p = launch(cfg)
				defer p.shutdown()

				res := p.triage.Run(ctx)
				Expect(res.StaleDeleted).To(Equal(1))
				_, err := p.store.Get(ctx, id)
				Expect(err).To(MatchError(domain.ErrNotFound))
				Expect(received.Load()).To(BeZero())

				v, err := p.settings.GetString(domain.SettingLastVersion, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal("2.0.0"))
			})
		})

		Context("with several unapproved reports", func() {
			It("should keep only the most recent one", func() {
				p := launch(cfg)
				defer p.shutdown()

				var newest string
				for i := 0; i < 3; i++ {
					r := &domain.Report{
						CapturedAt: time.Now().Add(time.Duration(i) * time.Minute),
						AppVersion: cfg.AppVersion,
						State:      domain.StateUnapproved,
						Payload:    []byte(fmt.Sprintf(`{"n":%d}`, i)),
					}
					Expect(p.store.Enqueue(ctx, r)).To(Succeed())
					newest = r.ID
				}

				res := p.triage.Run(ctx)
				Expect(res.ExcessDeleted).To(Equal(2))

				cur, err := p.store.List(ctx, domain.StateUnapproved)
				Expect(err).NotTo(HaveOccurred())
				remaining := cur.All()
				Expect(remaining).To(HaveLen(1))
				Expect(remaining[0].ID).To(Equal(newest))
			})
		})

		Context("with approved reports left by a killed process", func() {
			It("should dispatch them", func() {
				p := launch(cfg)
				r := &domain.Report{AppVersion: cfg.AppVersion, State: domain.StateApproved, Payload: []byte(`{}`)}
				Expect(p.store.Enqueue(ctx, r)).To(Succeed())
				p.shutdown()

				p = launch(cfg)
				defer p.shutdown()
				res := p.triage.Run(ctx)
				Expect(res.Dispatched).To(Equal(1))

				p.dispatcher.Wait()
				Expect(received.Load()).To(Equal(int32(1)))
				Expect(p.count(domain.StateApproved)).To(BeZero())
			})
		})
	})

	Describe("Crash output", func() {
		It("should turn a dead process's crash file into a report", func() {
			Expect(os.MkdirAll(cfg.CrashDir(), 0700)).To(Succeed())
			crash := "panic: runtime error: index out of range [3] with length 1\n\ngoroutine 7 [running]:\nmain.work()\n"
			Expect(os.WriteFile(filepath.Join(cfg.CrashDir(), "4194301.crash"), []byte(crash), 0600)).To(Succeed())

			p := launch(cfg)
			defer p.shutdown()

			n, err := p.captor.CollectCrashOutput(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(p.count(domain.StatePending)).To(Equal(1))
			Expect(filepath.Join(cfg.CrashDir(), "4194301.crash")).NotTo(BeAnExistingFile())
		})
	})

	Describe("Legacy migration", func() {
		It("should move legacy reports once and set the write-once flag", func() {
			cfg.LegacyDir = filepath.Join(tmpDir, "legacy")
			Expect(os.MkdirAll(cfg.LegacyDir, 0700)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(cfg.LegacyDir, "a.stacktrace"), []byte("panic: a"), 0600)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(cfg.LegacyDir, "b.json"),
				[]byte(`{"id":"legacy-b","app_version":"0.9.0"}`), 0600)).To(Succeed())

			p := launch(cfg)
			defer p.shutdown()
			migrator := usecase.NewMigrator(infra.NewLegacySource(cfg.LegacyDir), p.store, p.settings, cfg.ApprovalMode, zap.NewNop())

			res, err := migrator.Migrate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Moved).To(Equal(2))
			Expect(res.Complete).To(BeTrue())
			Expect(p.count(domain.StateUnapproved)).To(Equal(2))

			r, err := p.store.Get(ctx, "legacy-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.AppVersion).To(Equal("0.9.0"))

			Expect(p.settings.Set(domain.SettingLegacyMigrated, false)).To(MatchError(domain.ErrWriteOnce))

			Expect(os.WriteFile(filepath.Join(cfg.LegacyDir, "c.stacktrace"), []byte("panic: c"), 0600)).To(Succeed())
			Expect(migrator.Done()).To(BeTrue())
			res, err = migrator.Migrate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Moved).To(BeZero())
		})
	})

	Describe("Metrics textfile", func() {
		It("should carry counters across processes", func() {
			cfg.ApprovalMode = config.ApproveAll
			p := launch(cfg)
			p.captor.Capture("boom", nil)
			p.dispatcher.Wait()
			Expect(p.metrics.WriteTextfile(cfg.MetricsPath())).To(Succeed())
			p.shutdown()

			next := infra.NewPrometheusMetrics()
			Expect(next.Restore(cfg.MetricsPath())).To(Succeed())
			Expect(next.WriteTextfile(cfg.MetricsPath())).To(Succeed())

			families, err := infra.ReadTextfile(cfg.MetricsPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(families).To(HaveKey("crashmon_delivery_outcomes_total"))
			Expect(families).To(HaveKey("crashmon_reports_captured_total"))
		})
	})
})
