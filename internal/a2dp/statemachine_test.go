package a2dp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/testutils"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

const testTimeout = 1000 * time.Millisecond

type StateMachineTestSuite struct {
	suite.Suite

	device   ble.Addr
	clock    *manualClock
	driver   *recordingDriver
	policy   *staticPolicy
	service  *recordingService
	notifier *recordingNotifier
	logger   *logrus.Logger
	machine  *StateMachine

	sbcAndSbc         codec.Status
	sbcAndSbcAac      codec.Status
	aacAndSbcAac      codec.Status
	opusAndSbcAacOpus codec.Status
}

func (suite *StateMachineTestSuite) SetupTest() {
	suite.device = ble.NewAddr("00:01:02:03:04:05")
	suite.clock = newManualClock()
	suite.driver = &recordingDriver{}
	suite.policy = &staticPolicy{allow: true}
	suite.service = &recordingService{}
	suite.notifier = &recordingNotifier{}
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)

	sbc := codec.DefaultConfig(codec.TypeSBC)
	aac := codec.DefaultConfig(codec.TypeAAC)
	opus := codec.DefaultConfig(codec.TypeOpus)
	suite.sbcAndSbc = codec.Status{Selected: sbc, Selectable: []codec.Config{sbc}}
	suite.sbcAndSbcAac = codec.Status{Selected: sbc, Selectable: []codec.Config{sbc, aac}}
	suite.aacAndSbcAac = codec.Status{Selected: aac, Selectable: []codec.Config{sbc, aac}}
	suite.opusAndSbcAacOpus = codec.Status{Selected: opus, Selectable: []codec.Config{sbc, aac, opus}}

	suite.machine = suite.newMachine(Options{})
}

func (suite *StateMachineTestSuite) TearDownTest() {
	suite.machine.Shutdown()
}

func (suite *StateMachineTestSuite) newMachine(opts Options) *StateMachine {
	opts.ConnectTimeout = testTimeout
	opts.Clock = suite.clock
	return New(suite.device, suite.driver, suite.policy, suite.service, suite.notifier, opts, suite.logger)
}

func (suite *StateMachineTestSuite) start() {
	suite.Require().NoError(suite.machine.Start(context.Background()))
}

func (suite *StateMachineTestSuite) stack(ev StackEvent) {
	suite.Require().NoError(suite.machine.SubmitStackEvent(ev))
	suite.Require().NoError(flush(suite.machine))
}

func (suite *StateMachineTestSuite) command(cmd Command) {
	suite.Require().NoError(suite.machine.Submit(cmd))
	suite.Require().NoError(flush(suite.machine))
}

func (suite *StateMachineTestSuite) expire() {
	suite.clock.Advance(testTimeout)
	suite.Require().NoError(flush(suite.machine))
}

// connectIncoming drives the machine to Connected through an allowed incoming connection.
func (suite *StateMachineTestSuite) connectIncoming() {
	suite.stack(ConnectionStateEvent(suite.device, StateConnecting))
	suite.stack(ConnectionStateEvent(suite.device, StateConnected))
	suite.Require().Equal(StateConnected, suite.machine.CurrentState())
}

func (suite *StateMachineTestSuite) assertTimerInvariant() {
	suite.machine.runMu.Lock()
	hasAlarm := suite.machine.alarm.Active()
	state := suite.machine.state
	suite.machine.runMu.Unlock()
	suite.Assert().Equal(state.hasTimer(), hasAlarm, "alarm MUST exist only in Connecting/Disconnecting (state %s)", state)
}

func (suite *StateMachineTestSuite) TestDefaultState() {
	// GOAL: Verify a new machine starts Disconnected with nothing scheduled
	//
	// TEST SCENARIO: Construct machine → state Disconnected, no notifications, no timers

	suite.start()

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Empty(suite.notifier.ordered())
	suite.Assert().Zero(suite.clock.Pending())
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestIncomingPolicyReject() {
	// GOAL: Verify a rejected incoming connection changes nothing and cleans up dependent profiles
	//
	// TEST SCENARIO: Policy denies → stack Connecting → still Disconnected, no notification, associated profiles disconnected

	suite.policy.set(false)
	suite.start()

	suite.stack(ConnectionStateEvent(suite.device, StateConnecting))

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState(), "state MUST NOT change on rejection")
	suite.Assert().Empty(suite.notifier.connections(), "rejection MUST NOT emit connection notifications")
	_, _, _, associated := suite.service.snapshot()
	suite.Assert().Equal(1, associated, "rejection MUST disconnect associated profiles")
	_, disconnects := suite.driver.counts()
	suite.Assert().Equal(1, disconnects, "rejection MUST tear down the native attempt")
	suite.Assert().Equal([]bool{true}, suite.policy.asked, "policy MUST be asked about an incoming connection")
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestIncomingPolicyAccept() {
	// GOAL: Verify an accepted incoming connection notifies Connecting then Connected plus one NotPlaying
	//
	// TEST SCENARIO: Policy allows → stack Connecting → stack Connected → two connection notifications, one audio notification

	suite.start()

	suite.stack(ConnectionStateEvent(suite.device, StateConnecting))

	conns := suite.notifier.connections()
	suite.Require().Len(conns, 1)
	suite.Assert().Equal(StateDisconnected, conns[0].From)
	suite.Assert().Equal(StateConnecting, conns[0].To)
	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState())
	suite.assertTimerInvariant()

	suite.stack(ConnectionStateEvent(suite.device, StateConnected))

	conns = suite.notifier.connections()
	suite.Require().Len(conns, 2)
	suite.Assert().Equal(StateConnecting, conns[1].From)
	suite.Assert().Equal(StateConnected, conns[1].To)
	audio := suite.notifier.audioChanges()
	suite.Require().Len(audio, 1, "entering Connected MUST emit exactly one audio notification")
	suite.Assert().Equal(AudioNotPlaying, audio[0].State)
	suite.Assert().Zero(suite.clock.Pending(), "connect timer MUST be cancelled")
	suite.assertTimerInvariant()

	_, optional, lowLatency, _ := suite.service.snapshot()
	suite.Assert().Equal(1, optional, "entering Connected MUST update optional codec support")
	suite.Assert().Equal(1, lowLatency, "entering Connected MUST update low latency support")
}

func (suite *StateMachineTestSuite) TestOutgoingTimeout() {
	// GOAL: Verify an outgoing connect without any stack reply falls back to Disconnected
	//
	// TEST SCENARIO: Command Connect → Connecting → timeout elapses → Disconnected, driver disconnect issued

	suite.start()

	suite.command(CommandConnect)

	connects, _ := suite.driver.counts()
	suite.Assert().Equal(1, connects)
	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState())
	suite.Assert().Equal(1, suite.clock.Pending(), "exactly one connect timer MUST be outstanding")

	suite.expire()

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	conns := suite.notifier.connections()
	suite.Require().Len(conns, 2, "timeout MUST add exactly one notification")
	suite.Assert().Equal(StateConnecting, conns[1].From)
	suite.Assert().Equal(StateDisconnected, conns[1].To)
	_, disconnects := suite.driver.counts()
	suite.Assert().Equal(1, disconnects, "timeout MUST issue a best-effort driver disconnect")
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestIncomingTimeout() {
	// GOAL: Verify an accepted incoming attempt that never completes times out
	//
	// TEST SCENARIO: Stack Connecting → timeout elapses → Disconnected with two notifications total

	suite.start()

	suite.stack(ConnectionStateEvent(suite.device, StateConnecting))
	suite.expire()

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Len(suite.notifier.connections(), 2)
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestDriverRefusalConvergesThroughTimeout() {
	// GOAL: Verify a refused driver connect still moves to Connecting and recovers by timeout
	//
	// TEST SCENARIO: Driver refuses → Command Connect → Connecting → timeout → Disconnected

	suite.driver.refuse = true
	suite.start()

	suite.command(CommandConnect)
	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState())

	suite.expire()
	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
}

func (suite *StateMachineTestSuite) TestConnectingToDisconnectedByStack() {
	// GOAL: Verify the stack reporting Disconnected while connecting cancels the timer
	//
	// TEST SCENARIO: Command Connect → stack Disconnected → Disconnected, no pending timers

	suite.start()

	suite.command(CommandConnect)
	suite.stack(ConnectionStateEvent(suite.device, StateDisconnected))

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Zero(suite.clock.Pending())
	suite.Assert().Len(suite.notifier.connections(), 2)
}

func (suite *StateMachineTestSuite) TestDisconnectFlow() {
	// GOAL: Verify an outgoing disconnect completes when the stack confirms it
	//
	// TEST SCENARIO: Connected → Command Disconnect → Disconnecting → stack Disconnected → Disconnected

	suite.start()
	suite.connectIncoming()

	suite.command(CommandDisconnect)
	suite.Assert().Equal(StateDisconnecting, suite.machine.CurrentState())
	suite.Assert().Equal(1, suite.clock.Pending(), "disconnect timer MUST be outstanding")
	_, disconnects := suite.driver.counts()
	suite.Assert().Equal(1, disconnects)
	suite.assertTimerInvariant()

	suite.stack(ConnectionStateEvent(suite.device, StateDisconnected))
	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Zero(suite.clock.Pending())
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestDisconnectingTimeout() {
	// GOAL: Verify an unresponsive driver during disconnect is forced to Disconnected
	//
	// TEST SCENARIO: Connected → Command Disconnect → timeout → Disconnected, second best-effort disconnect

	suite.start()
	suite.connectIncoming()

	suite.command(CommandDisconnect)
	suite.expire()

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	conns := suite.notifier.connections()
	suite.Assert().Equal(StateDisconnecting, conns[len(conns)-1].From)
	suite.Assert().Equal(StateDisconnected, conns[len(conns)-1].To)
	_, disconnects := suite.driver.counts()
	suite.Assert().Equal(2, disconnects)
}

func (suite *StateMachineTestSuite) TestDisconnectingReconnect() {
	// GOAL: Verify the link coming back while disconnecting follows the policy
	//
	// TEST SCENARIO: Disconnecting → stack Connecting → Connecting; → stack Connected → Connected;
	// Disconnecting → policy denies → stack Connected → Disconnected with a driver disconnect

	suite.start()
	suite.connectIncoming()

	suite.command(CommandDisconnect)
	suite.stack(ConnectionStateEvent(suite.device, StateConnecting))
	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState())
	suite.Assert().Equal(1, suite.clock.Pending(), "only the connect timer MUST be outstanding")
	suite.assertTimerInvariant()

	suite.stack(ConnectionStateEvent(suite.device, StateConnected))
	suite.Assert().Equal(StateConnected, suite.machine.CurrentState())
	suite.assertTimerInvariant()

	suite.command(CommandDisconnect)
	suite.policy.set(false)
	_, before := suite.driver.counts()
	suite.stack(ConnectionStateEvent(suite.device, StateConnected))

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Zero(suite.clock.Pending())
	_, after := suite.driver.counts()
	suite.Assert().Equal(before+1, after, "rejected link MUST be torn down")
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestConnectedRemoteDisconnect() {
	// GOAL: Verify a remote disconnect while connected notifies Disconnected without a timer
	//
	// TEST SCENARIO: Connected → stack Disconnected → Disconnected

	suite.start()
	suite.connectIncoming()

	suite.stack(ConnectionStateEvent(suite.device, StateDisconnected))

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Zero(suite.clock.Pending())
}

func (suite *StateMachineTestSuite) TestDeferredConnect() {
	// GOAL: Verify a Connect received while connecting is replayed after the next transition
	//
	// TEST SCENARIO: Command Connect → Command Connect (deferred) → stack Disconnected → deferred Connect runs → Connecting

	suite.start()

	suite.command(CommandConnect)
	suite.command(CommandConnect)

	connects, _ := suite.driver.counts()
	suite.Assert().Equal(1, connects, "second Connect MUST be deferred while connecting")

	suite.stack(ConnectionStateEvent(suite.device, StateDisconnected))
	suite.Require().NoError(flush(suite.machine))

	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState(), "deferred Connect MUST be replayed")
	connects, _ = suite.driver.counts()
	suite.Assert().Equal(2, connects)
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestAudioState() {
	// GOAL: Verify audio notifications are emitted only on playing-state changes
	//
	// TEST SCENARIO: Connected → Started, Started, Stopped, RemoteSuspend → Playing then NotPlaying only

	suite.start()
	suite.connectIncoming()

	suite.stack(AudioStateEvent(suite.device, StackAudioStarted))
	suite.stack(AudioStateEvent(suite.device, StackAudioStarted))
	suite.Assert().True(suite.machine.Snapshot().Playing)
	suite.stack(AudioStateEvent(suite.device, StackAudioStopped))
	suite.stack(AudioStateEvent(suite.device, StackAudioRemoteSuspend))

	suite.Assert().Equal([]string{
		"conn Disconnected->Connecting",
		"conn Connecting->Connected",
		"audio NotPlaying",
		"audio Playing",
		"audio NotPlaying",
	}, suite.notifier.ordered())
	suite.Assert().False(suite.machine.Snapshot().Playing)
}

func (suite *StateMachineTestSuite) TestLeavingConnectedWhilePlaying() {
	// GOAL: Verify playback is reported stopped before the connection leaves Connected
	//
	// TEST SCENARIO: Connected + Started → stack Disconnected → audio NotPlaying precedes connection notification

	suite.start()
	suite.connectIncoming()
	suite.stack(AudioStateEvent(suite.device, StackAudioStarted))

	suite.stack(ConnectionStateEvent(suite.device, StateDisconnected))

	log := suite.notifier.ordered()
	suite.Require().GreaterOrEqual(len(log), 2)
	suite.Assert().Equal([]string{"audio NotPlaying", "conn Connected->Disconnected"}, log[len(log)-2:])
}

func (suite *StateMachineTestSuite) TestUnexpectedEventsIgnored() {
	// GOAL: Verify events that do not apply to the current state leave it untouched
	//
	// TEST SCENARIO: Disconnected → audio Started, Disconnect command, stack Disconnecting → no change, no notification

	suite.start()

	suite.stack(AudioStateEvent(suite.device, StackAudioStarted))
	suite.command(CommandDisconnect)
	suite.stack(ConnectionStateEvent(suite.device, StateDisconnecting))

	suite.Assert().Equal(StateDisconnected, suite.machine.CurrentState())
	suite.Assert().Empty(suite.notifier.ordered())
	suite.assertTimerInvariant()
}

func (suite *StateMachineTestSuite) TestWrongDeviceRejected() {
	// GOAL: Verify a stack event for another device is refused at submission
	//
	// TEST SCENARIO: Submit event for another address → ErrWrongDevice

	suite.start()

	err := suite.machine.SubmitStackEvent(ConnectionStateEvent(ble.NewAddr("aa:bb:cc:dd:ee:ff"), StateConnecting))

	suite.Assert().ErrorIs(err, ErrWrongDevice)
}

func (suite *StateMachineTestSuite) TestStaleAlarmIgnored() {
	// GOAL: Verify a timeout from an alarm that was already cancelled is ignored
	//
	// TEST SCENARIO: Connecting (alarm A) → Connected → timeout for A arrives late → stays Connected

	suite.start()
	suite.command(CommandConnect)

	suite.machine.runMu.Lock()
	staleID := suite.machine.alarm.ID()
	suite.machine.runMu.Unlock()

	suite.stack(ConnectionStateEvent(suite.device, StateConnected))
	suite.Require().NoError(suite.machine.enqueue(event{kind: kindTimeout, alarmID: staleID}))
	suite.Require().NoError(flush(suite.machine))

	suite.Assert().Equal(StateConnected, suite.machine.CurrentState(), "stale timeout MUST NOT change state")
}

func (suite *StateMachineTestSuite) TestCodecConfigEvent() {
	// GOAL: Verify codec reports and capability updates while connected without offload
	//
	// TEST SCENARIO: Connected → SBC/{SBC}, SBC/{SBC,AAC}, AAC/{SBC,AAC}, Opus/{SBC,AAC,Opus} → flags false,true,false,true

	suite.start()
	suite.connectIncoming()

	steps := []struct {
		status     codec.Status
		reports    int
		changed    bool
		optional   int
		lowLatency int
	}{
		{suite.sbcAndSbc, 1, false, 1, 2},
		{suite.sbcAndSbcAac, 2, true, 2, 3},
		{suite.aacAndSbcAac, 3, false, 2, 4},
		{suite.opusAndSbcAacOpus, 4, true, 3, 5},
	}

	for i, step := range steps {
		suite.stack(CodecConfigEvent(suite.device, step.status))

		reports, optional, lowLatency, _ := suite.service.snapshot()
		suite.Require().Len(reports, step.reports, "step %d", i)
		suite.Assert().Equal(step.changed, reports[len(reports)-1].ChangedSelectable, "step %d: changedSelectable MUST match", i)
		suite.Assert().Equal(step.status, reports[len(reports)-1].Status, "step %d", i)
		suite.Assert().Equal(step.optional, optional, "step %d: optional codec updates MUST match", i)
		suite.Assert().Equal(step.lowLatency, lowLatency, "step %d: low latency updates MUST match", i)
	}
}

func (suite *StateMachineTestSuite) TestCodecConfigEventWithOffload() {
	// GOAL: Verify selectable-change reports are withheld under offload while capability updates continue
	//
	// TEST SCENARIO: Offload machine, Connected → same sequence → only baseline and pure selected change reported

	suite.machine = suite.newMachine(Options{OffloadEnabled: true})
	suite.start()
	suite.connectIncoming()

	for _, status := range []codec.Status{suite.sbcAndSbc, suite.sbcAndSbcAac, suite.aacAndSbcAac, suite.opusAndSbcAacOpus} {
		suite.stack(CodecConfigEvent(suite.device, status))
	}

	reports, optional, lowLatency, _ := suite.service.snapshot()
	suite.Require().Len(reports, 2, "selectable changes MUST NOT be reported under offload")
	suite.Assert().Equal(suite.sbcAndSbc, reports[0].Status)
	suite.Assert().Equal(suite.aacAndSbcAac, reports[1].Status)
	for _, r := range reports {
		suite.Assert().False(r.ChangedSelectable)
	}
	suite.Assert().Equal(3, optional, "optional codec updates MUST NOT depend on offload")
	suite.Assert().Equal(5, lowLatency)
}

func (suite *StateMachineTestSuite) TestOffloadSuppressionWithoutDefaultOptions() {
	// GOAL: Verify a machine built from bare Options withholds selectable changes under offload
	//
	// TEST SCENARIO: New with only OffloadEnabled → SBC/{SBC} then SBC/{SBC,AAC} → only the baseline reported;
	// ReportSelectableWithOffload → both reported

	svc := &recordingService{}
	m := New(suite.device, nil, nil, svc, nil, Options{OffloadEnabled: true}, suite.logger)
	suite.Require().NoError(m.ProcessCodecConfig(suite.sbcAndSbc))
	suite.Require().NoError(m.ProcessCodecConfig(suite.sbcAndSbcAac))
	m.Shutdown()

	reports, optional, _, _ := svc.snapshot()
	suite.Require().Len(reports, 1, "selectable change MUST be withheld under offload by default")
	suite.Assert().Equal(suite.sbcAndSbc, reports[0].Status)
	suite.Assert().Equal(1, optional, "optional codec support MUST still be refreshed")

	svc = &recordingService{}
	m = New(suite.device, nil, nil, svc, nil, Options{OffloadEnabled: true, ReportSelectableWithOffload: true}, suite.logger)
	suite.Require().NoError(m.ProcessCodecConfig(suite.sbcAndSbc))
	suite.Require().NoError(m.ProcessCodecConfig(suite.sbcAndSbcAac))
	m.Shutdown()

	reports, _, _, _ = svc.snapshot()
	suite.Require().Len(reports, 2)
	suite.Assert().True(reports[1].ChangedSelectable, "opting in MUST report selectable changes under offload")
}

func (suite *StateMachineTestSuite) TestInvalidCodecStatusDropped() {
	// GOAL: Verify a codec status whose selected codec is not selectable is dropped
	//
	// TEST SCENARIO: Baseline SBC/{SBC} → Opus/{SBC} → no report, snapshot keeps the baseline

	suite.start()
	suite.stack(CodecConfigEvent(suite.device, suite.sbcAndSbc))

	invalid := codec.Status{Selected: codec.DefaultConfig(codec.TypeOpus), Selectable: suite.sbcAndSbc.Selectable}
	suite.stack(CodecConfigEvent(suite.device, invalid))

	reports, _, _, _ := suite.service.snapshot()
	suite.Assert().Len(reports, 1)
	suite.Require().NotNil(suite.machine.Snapshot().Codec)
	suite.Assert().Equal(suite.sbcAndSbc, *suite.machine.Snapshot().Codec)
}

func (suite *StateMachineTestSuite) TestProcessCodecConfigBeforeStart() {
	// GOAL: Verify a default codec baseline can be seeded before any connection and is replayed on connect
	//
	// TEST SCENARIO: ProcessCodecConfig before Start → one report, no notifications → Start → connect → baseline re-reported

	suite.Require().NoError(suite.machine.ProcessCodecConfig(suite.sbcAndSbc))

	reports, optional, lowLatency, _ := suite.service.snapshot()
	suite.Assert().Len(reports, 1, "seeding MUST report the baseline once")
	suite.Assert().False(reports[0].ChangedSelectable)
	suite.Assert().Zero(optional)
	suite.Assert().Equal(1, lowLatency)
	suite.Assert().Empty(suite.notifier.ordered(), "seeding MUST NOT emit notifications")

	suite.start()
	suite.connectIncoming()

	reports, optional, lowLatency, _ = suite.service.snapshot()
	suite.Assert().Len(reports, 2, "entering Connected MUST re-baseline with the last known codec")
	suite.Assert().False(reports[1].ChangedSelectable)
	suite.Assert().Equal(1, optional)
	suite.Assert().Equal(2, lowLatency)
}

func (suite *StateMachineTestSuite) TestProcessCodecConfigWhileRunning() {
	// GOAL: Verify the direct codec call is serialized through the queue and returns after processing
	//
	// TEST SCENARIO: Started machine → ProcessCodecConfig → report visible immediately after return

	suite.start()

	suite.Require().NoError(suite.machine.ProcessCodecConfig(suite.sbcAndSbcAac))

	reports, _, _, _ := suite.service.snapshot()
	suite.Assert().Len(reports, 1)
	suite.Assert().Equal(codec.TypeSBC, suite.machine.Snapshot().Codec.Selected.Type)
}

func (suite *StateMachineTestSuite) TestShutdown() {
	// GOAL: Verify shutdown cancels the timer and rejects further events
	//
	// TEST SCENARIO: Connecting → Shutdown → no pending timers, Submit fails, clock advance has no effect

	suite.start()
	suite.command(CommandConnect)

	suite.machine.Shutdown()

	suite.Assert().Zero(suite.clock.Pending(), "shutdown MUST cancel the outstanding timer")
	suite.Assert().ErrorIs(suite.machine.Submit(CommandDisconnect), ErrShutdown)
	suite.Assert().ErrorIs(suite.machine.ProcessCodecConfig(suite.sbcAndSbc), ErrShutdown)
	select {
	case <-suite.machine.Done():
	default:
		suite.Fail("Done MUST be closed after Shutdown")
	}

	before := len(suite.notifier.ordered())
	suite.clock.Advance(testTimeout)
	suite.Assert().Len(suite.notifier.ordered(), before, "no notification MUST follow shutdown")
	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState(), "shutdown MUST NOT process further events")
}

func (suite *StateMachineTestSuite) TestContextCancelStopsMachine() {
	// GOAL: Verify cancelling the start context stops the actor like Shutdown
	//
	// TEST SCENARIO: Start with cancellable ctx → Connect → cancel → Done closed, timer cancelled

	ctx, cancel := context.WithCancel(context.Background())
	suite.Require().NoError(suite.machine.Start(ctx))
	suite.command(CommandConnect)

	cancel()

	select {
	case <-suite.machine.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("actor MUST exit on context cancellation")
	}
	suite.Assert().Zero(suite.clock.Pending())
	suite.Assert().ErrorIs(suite.machine.Submit(CommandConnect), ErrShutdown)
}

// connectBlocked starts the machine, submits Connect and returns once the actor
// is stuck inside driver.Connect with a Connected stack event queued behind it.
func (suite *StateMachineTestSuite) connectBlocked(ctx context.Context) (release func()) {
	entered, release := suite.driver.hold()
	suite.Require().NoError(suite.machine.Start(ctx))
	suite.Require().NoError(suite.machine.Submit(CommandConnect))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		release()
		suite.FailNow("actor MUST reach driver.Connect")
	}
	suite.Require().NoError(suite.machine.SubmitStackEvent(ConnectionStateEvent(suite.device, StateConnected)))
	return release
}

// assertQueuedEventDropped checks that the Connected event queued behind the
// blocked Connect left no trace.
func (suite *StateMachineTestSuite) assertQueuedEventDropped() {
	select {
	case <-suite.machine.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("actor MUST exit")
	}

	suite.Assert().Equal(StateConnecting, suite.machine.CurrentState(), "queued Connected event MUST NOT be processed")
	suite.Assert().Equal([]string{"conn Disconnected->Connecting"}, suite.notifier.ordered(),
		"only the in-flight Connect MUST produce notifications")
	reports, optional, lowLatency, associated := suite.service.snapshot()
	suite.Assert().Empty(reports)
	suite.Assert().Zero(optional, "dropped event MUST NOT reach the profile service")
	suite.Assert().Zero(lowLatency, "dropped event MUST NOT reach the profile service")
	suite.Assert().Zero(associated)
	suite.Assert().Zero(suite.clock.Pending(), "stopping MUST cancel the connect timer")
}

func (suite *StateMachineTestSuite) TestShutdownDropsQueuedEvents() {
	// GOAL: Verify events already queued when Shutdown is called are dropped without side effects
	//
	// TEST SCENARIO: Actor blocked in driver.Connect, stack Connected queued → Shutdown → release driver →
	// no Connected notification, no service calls, timer cancelled

	release := suite.connectBlocked(context.Background())

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		suite.machine.Shutdown()
	}()
	suite.Eventually(func() bool {
		return suite.machine.Submit(CommandDisconnect) != nil
	}, 5*time.Second, time.Millisecond, "Shutdown MUST close the queue while the actor is busy")

	release()
	<-shutdownDone
	suite.assertQueuedEventDropped()
}

func (suite *StateMachineTestSuite) TestContextCancelDropsQueuedEvents() {
	// GOAL: Verify cancelling the start context drops queued events like Shutdown does
	//
	// TEST SCENARIO: Actor blocked in driver.Connect, stack Connected queued → cancel ctx → release driver →
	// no Connected notification, no service calls, timer cancelled

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := suite.connectBlocked(ctx)

	cancel()
	release()

	suite.assertQueuedEventDropped()
	suite.Assert().ErrorIs(suite.machine.Submit(CommandConnect), ErrShutdown)
}

func (suite *StateMachineTestSuite) TestDump() {
	// GOAL: Verify Dump reports state and the processed event history
	//
	// TEST SCENARIO: Connect incoming → Dump → header plus history lines

	suite.start()
	suite.stack(ConnectionStateEvent(suite.device, StateConnecting))
	suite.stack(ConnectionStateEvent(suite.device, StateConnected))

	var buf bytes.Buffer
	suite.Require().NoError(suite.machine.Dump(&buf))

	expected := `Device: 00:01:02:03:04:05
  State: Connected
  Playing: false
  Codec: none
  Transitions: 2
History:
  #1 Disconnected -> Connecting: StackEvent ConnectionStateChanged(Connecting)
  #2 Connecting: Flush
  #3 Connecting -> Connected: StackEvent ConnectionStateChanged(Connected)
  #4 Connected: Flush
`
	testutils.NewTextAsserter(suite.T()).Assert(buf.String(), expected)
}

func (suite *StateMachineTestSuite) TestHistoryIsBounded() {
	// GOAL: Verify the history keeps only the most recent events
	//
	// TEST SCENARIO: HistorySize 4 → many events → at most 4 records, newest retained

	suite.machine = suite.newMachine(Options{HistorySize: 4})
	suite.start()
	for i := 0; i < 10; i++ {
		suite.command(CommandDisconnect)
	}

	recs := suite.machine.history.records()
	suite.Assert().LessOrEqual(len(recs), 4)
	suite.Require().NotEmpty(recs)
	suite.Assert().Equal("Flush", recs[len(recs)-1].event, "newest record MUST be retained")
}

func TestStateMachineTestSuite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	suite.Run(t, new(StateMachineTestSuite))
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.ConnectTimeout != 6*time.Second {
		t.Errorf("ConnectTimeout = %v, want 6s", opts.ConnectTimeout)
	}
	if opts.ReportSelectableWithOffload {
		t.Errorf("selectable reports MUST be withheld under offload by default")
	}
	if opts.HistorySize != 32 {
		t.Errorf("HistorySize = %d, want 32", opts.HistorySize)
	}
}
