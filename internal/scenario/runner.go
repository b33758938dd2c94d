package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/notify"
	"github.com/srg/a2dpd/internal/service"
	"github.com/srg/a2dpd/internal/simdriver"
)

var ErrStepFailed = errors.New("scenario step failed")

var expectedErrors = map[string]func(error) bool{
	"forbidden":            func(err error) bool { return errors.Is(err, service.ErrForbidden) },
	"too_many_connections": func(err error) bool { return errors.Is(err, service.ErrTooManyConnections) },
	"not_tracked":          func(err error) bool { return errors.Is(err, service.ErrNotTracked) },
	"shutdown":             func(err error) bool { return errors.Is(err, service.ErrShutdown) },
	"invalid_state": func(err error) bool {
		var se *a2dp.StateError
		return errors.As(err, &se)
	},
}

type Options struct {
	// DefaultTimeout bounds wait and expect steps without their own timeout.
	DefaultTimeout time.Duration `default:"2s"`
	PollInterval   time.Duration `default:"5ms"`
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Index   int           `json:"index"`
	Step    string        `json:"step"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Report is the outcome of one scenario run.
type Report struct {
	Name   string       `json:"name"`
	Steps  []StepResult `json:"steps"`
	Passed bool         `json:"passed"`
}

// Runner replays scenarios against a service whose events come from a simulated driver.
type Runner struct {
	svc    *service.Service
	drv    *simdriver.Driver
	opts   Options
	logger *logrus.Logger
}

func NewRunner(svc *service.Service, drv *simdriver.Driver, opts Options, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	return &Runner{svc: svc, drv: drv, opts: opts, logger: logger}
}

// Run configures the scenario's devices and executes its steps in order,
// stopping at the first failure.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (Report, error) {
	report := Report{Name: sc.Name}
	log := r.logger.WithField("scenario", sc.Name)

	if err := r.setup(sc); err != nil {
		return report, err
	}

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		start := time.Now()
		err := r.step(ctx, st)
		res := StepResult{Index: i + 1, Step: st.String(), Elapsed: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			report.Steps = append(report.Steps, res)
			log.WithError(err).WithField("step", res.Index).Warn("Scenario step failed")
			return report, fmt.Errorf("%w: step %d (%s): %v", ErrStepFailed, res.Index, st, err)
		}
		report.Steps = append(report.Steps, res)
		log.WithFields(logrus.Fields{"step": res.Index, "action": st.Action}).Debug("Scenario step done")
	}
	report.Passed = true
	log.Info("Scenario passed")
	return report, nil
}

func (r *Runner) setup(sc *Scenario) error {
	for _, d := range sc.Devices {
		device := ble.NewAddr(d.Address)
		p, err := service.ParsePolicy(d.Policy)
		if err != nil {
			return err
		}
		if p != service.PolicyUnknown {
			r.svc.SetConnectionPolicy(device, p)
		}
		r.drv.SetUnresponsive(device, d.Unresponsive)
		r.drv.SetRefuse(device, d.Refuse)
		if d.Codec != nil {
			st, err := d.Codec.Status()
			if err != nil {
				return err
			}
			r.drv.SetCodec(device, &st)
		}
	}
	return nil
}

func (r *Runner) step(ctx context.Context, st Step) error {
	device := ble.NewAddr(st.Device)

	switch st.Action {
	case ActionConnect:
		return checkError(st, r.svc.Connect(device))
	case ActionDisconnect:
		return checkError(st, r.svc.Disconnect(device))
	case ActionRemove:
		return checkError(st, r.svc.RemoveDevice(device))
	case ActionRemoteConnect:
		return r.drv.RemoteConnect(device)
	case ActionRemoteDisconnect:
		return r.drv.RemoteDisconnect(device)
	case ActionInject:
		ev, err := st.stackEvent(device)
		if err != nil {
			return err
		}
		return r.drv.Inject(ev)
	case ActionCodec:
		status, err := st.Codec.Status()
		if err != nil {
			return err
		}
		return checkError(st, r.svc.ProcessCodecConfig(device, status))
	case ActionPolicy:
		p, err := service.ParsePolicy(st.Policy)
		if err != nil {
			return err
		}
		r.svc.SetConnectionPolicy(device, p)
		return nil
	case ActionSleep:
		t := time.NewTimer(st.Timeout)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	case ActionWait:
		want, err := a2dp.ParseConnectionState(st.State)
		if err != nil {
			return err
		}
		return r.poll(ctx, st.Timeout, func() error {
			if got := r.svc.ConnectionState(device); got != want {
				return fmt.Errorf("state is %s, want %s", got, want)
			}
			return nil
		})
	case ActionExpect:
		return r.poll(ctx, st.Timeout, func() error { return r.expect(device, st) })
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

// poll retries check until it succeeds or timeout elapses; the last mismatch is returned.
func (r *Runner) poll(ctx context.Context, timeout time.Duration, check func() error) error {
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.opts.PollInterval)
	defer tick.Stop()

	for {
		err := check()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %s: %w", timeout, err)
		case <-tick.C:
		}
	}
}

func (r *Runner) expect(device ble.Addr, st Step) error {
	snap, err := r.svc.Snapshot(device)
	tracked := err == nil
	if st.Tracked != nil && *st.Tracked != tracked {
		return fmt.Errorf("tracked is %t, want %t", tracked, *st.Tracked)
	}

	var mismatches []string
	if st.State != "" {
		want, _ := a2dp.ParseConnectionState(st.State)
		if got := r.svc.ConnectionState(device); got != want {
			mismatches = append(mismatches, fmt.Sprintf("state is %s, want %s", got, want))
		}
	}
	if st.Playing != nil && snap.Playing != *st.Playing {
		mismatches = append(mismatches, fmt.Sprintf("playing is %t, want %t", snap.Playing, *st.Playing))
	}
	if st.OptionalCodecs != "" {
		want, _ := parseSupport(st.OptionalCodecs)
		if got := r.svc.OptionalCodecsSupport(device); got != want {
			mismatches = append(mismatches, fmt.Sprintf("optional codecs is %s, want %s", got, want))
		}
	}
	if st.LowLatency != nil {
		if got := r.svc.LowLatencySupport(device); got != *st.LowLatency {
			mismatches = append(mismatches, fmt.Sprintf("low latency is %t, want %t", got, *st.LowLatency))
		}
	}
	if st.Codec != nil {
		want, _ := st.Codec.Status()
		got, ok := r.svc.CodecStatus(device)
		switch {
		case !ok:
			mismatches = append(mismatches, "no codec status")
		case got.Selected.Type != want.Selected.Type || !got.SelectableEqual(want):
			mismatches = append(mismatches, fmt.Sprintf("codec is %s, want %s", got, want))
		}
	}
	if len(mismatches) > 0 {
		return errors.New(strings.Join(mismatches, "; "))
	}
	return nil
}

func checkError(st Step, err error) error {
	if st.Error == "" {
		return err
	}
	if err == nil {
		return fmt.Errorf("expected %s error, got none", st.Error)
	}
	if !expectedErrors[st.Error](err) {
		return fmt.Errorf("expected %s error, got: %w", st.Error, err)
	}
	return nil
}

// Simulate runs sc against a fresh simulated driver and service. The
// scenario's settings are applied on top of svcOpts. listener, when not nil,
// receives every connection and audio notification of the run.
func Simulate(ctx context.Context, sc *Scenario, svcOpts service.Options, simOpts simdriver.Options, runOpts Options, listener notify.Listener, logger *logrus.Logger) (Report, error) {
	sc.Settings.Apply(&svcOpts)

	drv := simdriver.New(simOpts, logger)
	svc := service.New(drv, svcOpts, logger)
	drv.Attach(svc)
	if listener != nil {
		svc.Subscribe(listener)
	}

	report, err := NewRunner(svc, drv, runOpts, logger).Run(ctx, sc)

	// Machines go first so no new driver calls race the driver shutdown.
	if cerr := svc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	drv.Close()
	return report, err
}
